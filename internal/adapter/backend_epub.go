package adapter

import (
	"archive/zip"
	"context"
	"errors"
	"io"
	"io/fs"
	"regexp"
	"strings"

	"github.com/hyperpolymath/docudactyl-sub001/internal/abi"
)

// epubBackend opens the EPUB container, reads Dublin Core metadata from the
// OPF package document, and reassembles plain text from the XHTML spine
// entries by stripping markup.
type epubBackend struct{}

func newEPUBBackend() *epubBackend { return &epubBackend{} }

func (b *epubBackend) Kinds() []abi.ContentKind { return []abi.ContentKind{abi.KindEPUB} }
func (b *epubBackend) Version() string          { return "builtin-epub/1.0" }
func (b *epubBackend) Close() error             { return nil }

var (
	dcTitleRe   = regexp.MustCompile(`<dc:title[^>]*>([^<]+)</dc:title>`)
	dcCreatorRe = regexp.MustCompile(`<dc:creator[^>]*>([^<]+)</dc:creator>`)
	xmlTagRe    = regexp.MustCompile(`<[^>]*>`)
)

func (b *epubBackend) Parse(ctx context.Context, req Request) Document {
	var doc Document
	doc.Result.ContentKind = abi.KindEPUB
	abi.PutCString(doc.Result.MimeType[:], "application/epub+zip")

	zr, err := zip.OpenReader(req.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			doc.Result.SetError(abi.StatusFileNotFound, "file not found: "+req.Path)
		} else {
			doc.Result.SetError(abi.StatusParseError, "epub container open failed: "+err.Error())
		}
		return doc
	}
	defer zr.Close()

	var text strings.Builder
	chapters := 0
	for _, f := range zr.File {
		name := strings.ToLower(f.Name)
		switch {
		case strings.HasSuffix(name, ".opf"):
			body := readZipEntry(f)
			if m := dcTitleRe.FindStringSubmatch(body); m != nil {
				abi.PutCString(doc.Result.Title[:], strings.TrimSpace(m[1]))
			}
			if m := dcCreatorRe.FindStringSubmatch(body); m != nil {
				abi.PutCString(doc.Result.Author[:], strings.TrimSpace(m[1]))
			}
		case strings.HasSuffix(name, ".xhtml") || strings.HasSuffix(name, ".html") || strings.HasSuffix(name, ".htm"):
			chapters++
			body := readZipEntry(f)
			text.WriteString(collapseSpace(xmlTagRe.ReplaceAllString(body, " ")))
			text.WriteByte('\n')
		}
	}
	doc.Result.PageCount = int32(chapters)

	finishText(&doc, req, []byte(strings.TrimSpace(text.String())))
	return doc
}

func readZipEntry(f *zip.File) string {
	rc, err := f.Open()
	if err != nil {
		return ""
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, maxInlineRead))
	if err != nil {
		return ""
	}
	return string(data)
}
