package conduit

import (
	"bytes"
	"encoding/binary"

	"github.com/hyperpolymath/docudactyl-sub001/internal/abi"
)

// SniffLen is how much of the file header the conduit examines. Classification
// uses the first 16 bytes; the remainder covers dimension fields and the EPUB
// mimetype entry so validation never needs a second read.
const SniffLen = 64

// Format is one entry in the fixed magic-byte table.
type Format struct {
	Name    string
	Kind    abi.ContentKind
	Mime    string
	MinSize int64
	Match   func(hdr []byte) bool
}

func prefix(p string) func([]byte) bool {
	b := []byte(p)
	return func(hdr []byte) bool { return bytes.HasPrefix(hdr, b) }
}

func riff(tag string) func([]byte) bool {
	t := []byte(tag)
	return func(hdr []byte) bool {
		return len(hdr) >= 12 && bytes.HasPrefix(hdr, []byte("RIFF")) && bytes.Equal(hdr[8:12], t)
	}
}

// Table is the closed 15-format magic table, ordered by the tie-break
// priority: pdf, epub, images, audio, video, geospatial. The first matching
// entry wins.
var Table = []Format{
	{Name: "pdf", Kind: abi.KindPDF, Mime: "application/pdf", MinSize: 8, Match: prefix("%PDF")},

	// EPUB is a zip container whose first entry is the stored mimetype file,
	// which places the literal string at offset 30 of the archive.
	{Name: "epub", Kind: abi.KindEPUB, Mime: "application/epub+zip", MinSize: 64, Match: func(hdr []byte) bool {
		return bytes.HasPrefix(hdr, []byte("PK\x03\x04")) &&
			bytes.Contains(hdr, []byte("application/epub+zip"))
	}},

	{Name: "png", Kind: abi.KindImage, Mime: "image/png", MinSize: 24, Match: prefix("\x89PNG\r\n\x1a\n")},
	{Name: "jpeg", Kind: abi.KindImage, Mime: "image/jpeg", MinSize: 125, Match: prefix("\xff\xd8\xff")},
	{Name: "gif", Kind: abi.KindImage, Mime: "image/gif", MinSize: 14, Match: func(hdr []byte) bool {
		return bytes.HasPrefix(hdr, []byte("GIF87a")) || bytes.HasPrefix(hdr, []byte("GIF89a"))
	}},
	{Name: "tiff", Kind: abi.KindImage, Mime: "image/tiff", MinSize: 16, Match: func(hdr []byte) bool {
		return bytes.HasPrefix(hdr, []byte("II*\x00")) || bytes.HasPrefix(hdr, []byte("MM\x00*"))
	}},
	{Name: "webp", Kind: abi.KindImage, Mime: "image/webp", MinSize: 26, Match: riff("WEBP")},

	{Name: "mp3", Kind: abi.KindAudio, Mime: "audio/mpeg", MinSize: 128, Match: func(hdr []byte) bool {
		return bytes.HasPrefix(hdr, []byte("ID3")) ||
			(len(hdr) >= 2 && hdr[0] == 0xff && hdr[1]&0xe0 == 0xe0)
	}},
	{Name: "flac", Kind: abi.KindAudio, Mime: "audio/flac", MinSize: 42, Match: prefix("fLaC")},
	{Name: "wav", Kind: abi.KindAudio, Mime: "audio/wav", MinSize: 44, Match: riff("WAVE")},
	{Name: "ogg", Kind: abi.KindAudio, Mime: "audio/ogg", MinSize: 58, Match: prefix("OggS")},

	{Name: "mp4", Kind: abi.KindVideo, Mime: "video/mp4", MinSize: 256, Match: func(hdr []byte) bool {
		return len(hdr) >= 12 && bytes.Equal(hdr[4:8], []byte("ftyp"))
	}},
	{Name: "matroska", Kind: abi.KindVideo, Mime: "video/x-matroska", MinSize: 256, Match: prefix("\x1a\x45\xdf\xa3")},

	{Name: "geopackage", Kind: abi.KindGeospatial, Mime: "application/geopackage+sqlite3", MinSize: 512, Match: prefix("SQLite format 3\x00")},
	{Name: "shapefile", Kind: abi.KindGeospatial, Mime: "application/x-shapefile", MinSize: 100, Match: func(hdr []byte) bool {
		return len(hdr) >= 4 && binary.BigEndian.Uint32(hdr[:4]) == 9994
	}},
}

// Classify matches a file header against the table. It returns nil when no
// format claims the header.
func Classify(hdr []byte) *Format {
	for i := range Table {
		if Table[i].Match(hdr) {
			return &Table[i]
		}
	}
	return nil
}

// ClassifyKind is Classify reduced to the content-kind enumeration.
func ClassifyKind(hdr []byte) abi.ContentKind {
	if f := Classify(hdr); f != nil {
		return f.Kind
	}
	return abi.KindUnknown
}

// minImageDim is the smallest usable image edge. Images whose header reports
// anything smaller are rejected before parsing.
const minImageDim = 64

// imageDims extracts reported dimensions for formats that expose them in the
// sniffed header. ok is false when the format needs a deeper scan (jpeg, tiff
// directories); those rely on the byte-size floor alone.
func imageDims(f *Format, hdr []byte) (w, h int, ok bool) {
	switch f.Name {
	case "png":
		if len(hdr) >= 24 {
			return int(binary.BigEndian.Uint32(hdr[16:20])), int(binary.BigEndian.Uint32(hdr[20:24])), true
		}
	case "gif":
		if len(hdr) >= 10 {
			return int(binary.LittleEndian.Uint16(hdr[6:8])), int(binary.LittleEndian.Uint16(hdr[8:10])), true
		}
	}
	return 0, 0, false
}
