package adapter

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/hyperpolymath/docudactyl-sub001/internal/abi"
	"github.com/hyperpolymath/docudactyl-sub001/internal/conduit"
)

// geoBackend handles the geospatial containers. For shapefiles it reads the
// bounding box straight from the fixed 100-byte header; GeoPackage gets
// container-level metadata only, raster band access is the native GDAL-class
// library's job.
type geoBackend struct{}

func newGeoBackend() *geoBackend { return &geoBackend{} }

func (b *geoBackend) Kinds() []abi.ContentKind { return []abi.ContentKind{abi.KindGeospatial} }
func (b *geoBackend) Version() string          { return "builtin-geo/1.0" }
func (b *geoBackend) Close() error             { return nil }

func (b *geoBackend) Parse(ctx context.Context, req Request) Document {
	var doc Document
	doc.Result.ContentKind = abi.KindGeospatial

	data, ok := readInput(req.Path, &doc.Result)
	if !ok {
		return doc
	}

	mime := "application/octet-stream"
	var format string
	if f := conduit.Classify(data[:min(conduit.SniffLen, len(data))]); f != nil {
		mime = f.Mime
		format = f.Name
	}
	abi.PutCString(doc.Result.MimeType[:], mime)

	if format == "shapefile" {
		if len(data) < 100 {
			doc.Result.SetError(abi.StatusParseError, "shapefile header truncated")
			return doc
		}
		// Bounding box, little-endian doubles at offset 36.
		xmin := math.Float64frombits(binary.LittleEndian.Uint64(data[36:44]))
		ymin := math.Float64frombits(binary.LittleEndian.Uint64(data[44:52]))
		xmax := math.Float64frombits(binary.LittleEndian.Uint64(data[52:60]))
		ymax := math.Float64frombits(binary.LittleEndian.Uint64(data[60:68]))
		abi.PutCString(doc.Result.Title[:],
			fmt.Sprintf("bbox %.6f,%.6f %.6f,%.6f", xmin, ymin, xmax, ymax))
	}

	finishText(&doc, req, nil)
	return doc
}
