package adapter

import (
	"context"
	"encoding/binary"
	"strings"

	"github.com/hyperpolymath/docudactyl-sub001/internal/abi"
	"github.com/hyperpolymath/docudactyl-sub001/internal/conduit"
)

// mediaBackend handles the audio and video containers. It pulls duration
// and tag metadata from the container headers where the format makes that
// cheap (WAV byte rate, ID3v1 trailer, MP4 mvhd); transcription and frame
// analysis belong to the optional Whisper/ML backends.
type mediaBackend struct{}

func newMediaBackend() *mediaBackend { return &mediaBackend{} }

func (b *mediaBackend) Kinds() []abi.ContentKind {
	return []abi.ContentKind{abi.KindAudio, abi.KindVideo}
}
func (b *mediaBackend) Version() string { return "builtin-media/1.0" }
func (b *mediaBackend) Close() error    { return nil }

func (b *mediaBackend) Parse(ctx context.Context, req Request) Document {
	var doc Document
	doc.Result.ContentKind = req.Kind

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

	switch format {
	case "wav":
		doc.Result.DurationSec = wavDuration(data)
	case "mp3":
		if title, artist, ok := id3v1(data); ok {
			abi.PutCString(doc.Result.Title[:], title)
			abi.PutCString(doc.Result.Author[:], artist)
		}
	case "mp4":
		doc.Result.DurationSec = mp4Duration(data)
	}

	finishText(&doc, req, nil)
	return doc
}

// wavDuration derives play time from the fmt chunk's byte rate and the data
// chunk length.
func wavDuration(data []byte) float64 {
	var byteRate uint32
	var dataLen uint32
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := binary.LittleEndian.Uint32(data[off+4 : off+8])
		body := off + 8
		switch id {
		case "fmt ":
			if body+12 <= len(data) {
				byteRate = binary.LittleEndian.Uint32(data[body+8 : body+12])
			}
		case "data":
			dataLen = size
		}
		off = body + int(size)
		if size%2 == 1 {
			off++ // chunks are word-aligned
		}
	}
	if byteRate == 0 {
		return 0
	}
	return float64(dataLen) / float64(byteRate)
}

// id3v1 reads the fixed 128-byte trailer tag when present.
func id3v1(data []byte) (title, artist string, ok bool) {
	if len(data) < 128 {
		return "", "", false
	}
	tag := data[len(data)-128:]
	if string(tag[:3]) != "TAG" {
		return "", "", false
	}
	trim := func(b []byte) string {
		return strings.TrimRight(strings.TrimRight(string(b), "\x00"), " ")
	}
	return trim(tag[3:33]), trim(tag[33:63]), true
}

// mp4Duration walks top-level boxes to the moov/mvhd header.
func mp4Duration(data []byte) float64 {
	mvhd := findBox(findBox(data, "moov"), "mvhd")
	if mvhd == nil || len(mvhd) < 24 {
		return 0
	}
	version := mvhd[0]
	if version == 1 {
		if len(mvhd) < 32 {
			return 0
		}
		scale := binary.BigEndian.Uint32(mvhd[20:24])
		dur := binary.BigEndian.Uint64(mvhd[24:32])
		if scale == 0 {
			return 0
		}
		return float64(dur) / float64(scale)
	}
	scale := binary.BigEndian.Uint32(mvhd[12:16])
	dur := binary.BigEndian.Uint32(mvhd[16:20])
	if scale == 0 {
		return 0
	}
	return float64(dur) / float64(scale)
}

// findBox returns the body of the first box with the given type among the
// sequence of boxes in data, or nil.
func findBox(data []byte, boxType string) []byte {
	for off := 0; off+8 <= len(data); {
		size := int(binary.BigEndian.Uint32(data[off : off+4]))
		if size < 8 || off+size > len(data) {
			return nil
		}
		if string(data[off+4:off+8]) == boxType {
			return data[off+8 : off+size]
		}
		off += size
	}
	return nil
}
