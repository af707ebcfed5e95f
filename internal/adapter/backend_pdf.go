package adapter

import (
	"context"
	"regexp"
	"strings"

	"github.com/hyperpolymath/docudactyl-sub001/internal/abi"
)

// pdfBackend is the built-in PDF reference parser. It walks the raw object
// stream for uncompressed text operators and document-info entries, which
// covers archival PDFs written by simple producers and every test fixture.
// Compressed content streams are the native renderer's job.
type pdfBackend struct{}

func newPDFBackend() *pdfBackend { return &pdfBackend{} }

func (b *pdfBackend) Kinds() []abi.ContentKind { return []abi.ContentKind{abi.KindPDF} }
func (b *pdfBackend) Version() string          { return "builtin-pdf/1.0" }
func (b *pdfBackend) Close() error             { return nil }

var (
	pdfPageRe   = regexp.MustCompile(`/Type\s*/Page[^s]`)
	pdfTextRe   = regexp.MustCompile(`\(((?:\\.|[^\\)])*)\)\s*T[jJ]`)
	pdfTitleRe  = regexp.MustCompile(`/Title\s*\(((?:\\.|[^\\)])*)\)`)
	pdfAuthorRe = regexp.MustCompile(`/Author\s*\(((?:\\.|[^\\)])*)\)`)
)

func (b *pdfBackend) Parse(ctx context.Context, req Request) Document {
	var doc Document
	doc.Result.ContentKind = abi.KindPDF
	abi.PutCString(doc.Result.MimeType[:], "application/pdf")

	data, ok := readInput(req.Path, &doc.Result)
	if !ok {
		return doc
	}
	if !strings.HasPrefix(string(data[:min(8, len(data))]), "%PDF") {
		doc.Result.SetError(abi.StatusParseError, "missing %PDF header: "+req.Path)
		return doc
	}

	body := string(data)
	pages := len(pdfPageRe.FindAllString(body, -1))
	if pages == 0 {
		pages = 1
	}
	doc.Result.PageCount = int32(pages)

	var text strings.Builder
	for _, m := range pdfTextRe.FindAllStringSubmatch(body, -1) {
		text.WriteString(pdfUnescape(m[1]))
		text.WriteByte('\n')
	}
	if m := pdfTitleRe.FindStringSubmatch(body); m != nil {
		abi.PutCString(doc.Result.Title[:], pdfUnescape(m[1]))
	}
	if m := pdfAuthorRe.FindStringSubmatch(body); m != nil {
		abi.PutCString(doc.Result.Author[:], pdfUnescape(m[1]))
	}

	finishText(&doc, req, []byte(strings.TrimSpace(text.String())))
	return doc
}

// pdfUnescape handles the literal-string escapes that matter for text
// reassembly: backslashed delimiters and the newline escapes.
func pdfUnescape(s string) string {
	r := strings.NewReplacer(`\(`, "(", `\)`, ")", `\\`, `\`, `\n`, "\n", `\r`, "\r", `\t`, "\t")
	return r.Replace(s)
}
