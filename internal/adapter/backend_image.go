package adapter

import (
	"bytes"
	"context"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/hyperpolymath/docudactyl-sub001/internal/abi"
	"github.com/hyperpolymath/docudactyl-sub001/internal/conduit"
)

// imageBackend extracts image metadata. Still images carry no text; OCR text
// comes from the optional GPU backend when present, so word counts stay zero
// here and the OCR stages degrade per capability.
type imageBackend struct{}

func newImageBackend() *imageBackend { return &imageBackend{} }

func (b *imageBackend) Kinds() []abi.ContentKind { return []abi.ContentKind{abi.KindImage} }
func (b *imageBackend) Version() string          { return "builtin-image/1.0" }
func (b *imageBackend) Close() error             { return nil }

func (b *imageBackend) Parse(ctx context.Context, req Request) Document {
	var doc Document
	doc.Result.ContentKind = abi.KindImage

	data, ok := readInput(req.Path, &doc.Result)
	if !ok {
		return doc
	}

	mime := "application/octet-stream"
	if f := conduit.Classify(data[:min(conduit.SniffLen, len(data))]); f != nil {
		mime = f.Mime
	}
	abi.PutCString(doc.Result.MimeType[:], mime)

	if _, _, err := image.DecodeConfig(bytes.NewReader(data)); err != nil {
		// TIFF and WebP have no stdlib decoder; the document still counts
		// as parsed metadata, dimensions just stay unreported.
		if mime != "image/tiff" && mime != "image/webp" {
			doc.Result.SetError(abi.StatusParseError, "image decode failed: "+err.Error())
			return doc
		}
	}
	doc.Result.PageCount = 1
	finishText(&doc, req, nil)
	return doc
}
