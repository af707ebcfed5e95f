package adapter

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hyperpolymath/docudactyl-sub001/internal/abi"
	"github.com/hyperpolymath/docudactyl-sub001/internal/conduit"
)

// samplePDF builds a minimal uncompressed PDF with real text operators.
func samplePDF(body, title, author string) []byte {
	var b strings.Builder
	b.WriteString("%PDF-1.4\n")
	b.WriteString("1 0 obj << /Type /Catalog /Pages 2 0 R >> endobj\n")
	b.WriteString("2 0 obj << /Type /Pages /Kids [3 0 R] /Count 1 >> endobj\n")
	b.WriteString("3 0 obj << /Type /Page /Parent 2 0 R >> endobj\n")
	b.WriteString("4 0 obj << /Title (" + title + ") /Author (" + author + ") >> endobj\n")
	b.WriteString("5 0 obj << /Length 44 >> stream\nBT /F1 12 Tf (" + body + ") Tj ET\nendstream endobj\n")
	b.WriteString("%%EOF\n")
	return []byte(b.String())
}

func writeTemp(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	a, err := New("", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func hashOf(t *testing.T, path string) string {
	t.Helper()
	h, err := conduit.Hash(path)
	require.NoError(t, err)
	return h
}

func TestParsePDF(t *testing.T) {
	a := newTestAdapter(t)
	path := writeTemp(t, "doc.pdf", samplePDF("Hello extraction world", "My Title", "Jane Doe"))

	doc := a.Parse(context.Background(), Request{
		Path: path, Kind: abi.KindPDF, ContentHash: hashOf(t, path),
	})
	require.Equal(t, abi.StatusOK, doc.Result.Status, abi.CString(doc.Result.ErrorMsg[:]))
	assert.Equal(t, abi.KindPDF, doc.Result.ContentKind)
	assert.Equal(t, int32(1), doc.Result.PageCount)
	assert.Equal(t, int64(3), doc.Result.WordCount)
	assert.Equal(t, "My Title", abi.CString(doc.Result.Title[:]))
	assert.Equal(t, "Jane Doe", abi.CString(doc.Result.Author[:]))
	assert.Equal(t, "application/pdf", abi.CString(doc.Result.MimeType[:]))
	assert.Contains(t, string(doc.Text), "Hello extraction world")
	assert.NoError(t, doc.Result.Check())
	assert.Greater(t, doc.Result.ParseTimeMS, 0.0)
}

func TestParseComputesHashWhenConduitSkipped(t *testing.T) {
	a := newTestAdapter(t)
	path := writeTemp(t, "doc.pdf", samplePDF("text", "", ""))

	doc := a.Parse(context.Background(), Request{Path: path, Kind: abi.KindPDF})
	require.Equal(t, abi.StatusOK, doc.Result.Status)
	assert.Equal(t, hashOf(t, path), abi.CString(doc.Result.SHA256[:]))
}

func TestParseFileNotFound(t *testing.T) {
	a := newTestAdapter(t)
	doc := a.Parse(context.Background(), Request{
		Path: filepath.Join(t.TempDir(), "gone.pdf"), Kind: abi.KindPDF,
	})
	assert.Equal(t, abi.StatusFileNotFound, doc.Result.Status)
	assert.Contains(t, abi.CString(doc.Result.ErrorMsg[:]), "not found")
}

func TestParseNilHandle(t *testing.T) {
	var a *Adapter
	doc := a.Parse(context.Background(), Request{Path: "/x", Kind: abi.KindPDF})
	assert.Equal(t, abi.StatusNullPointer, doc.Result.Status)
}

func TestParseUnsupportedKind(t *testing.T) {
	a := newTestAdapter(t)
	doc := a.Parse(context.Background(), Request{Path: "/x", Kind: abi.KindUnknown})
	assert.Equal(t, abi.StatusUnsupportedFormat, doc.Result.Status)
}

type panicBackend struct{}

func (panicBackend) Kinds() []abi.ContentKind { return []abi.ContentKind{abi.KindPDF} }
func (panicBackend) Parse(context.Context, Request) Document {
	panic("backend exploded")
}
func (panicBackend) Version() string { return "panic/0.0" }
func (panicBackend) Close() error    { return nil }

func TestPanickingBackendIsTrapped(t *testing.T) {
	a := newTestAdapter(t)
	a.register(panicBackend{})

	doc := a.Parse(context.Background(), Request{Path: "/x", Kind: abi.KindPDF})
	assert.Equal(t, abi.StatusParseError, doc.Result.Status)
	assert.Contains(t, abi.CString(doc.Result.ErrorMsg[:]), "backend exploded")
}

func TestParseEPUB(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("mimetype")
	require.NoError(t, err)
	w.Write([]byte("application/epub+zip"))
	w, err = zw.Create("content.opf")
	require.NoError(t, err)
	w.Write([]byte(`<metadata><dc:title>Moby Dick</dc:title><dc:creator>Melville</dc:creator></metadata>`))
	w, err = zw.Create("ch1.xhtml")
	require.NoError(t, err)
	w.Write([]byte(`<html><body><p>Call me Ishmael.</p></body></html>`))
	require.NoError(t, zw.Close())

	a := newTestAdapter(t)
	path := writeTemp(t, "book.epub", buf.Bytes())
	doc := a.Parse(context.Background(), Request{Path: path, Kind: abi.KindEPUB, ContentHash: hashOf(t, path)})
	require.Equal(t, abi.StatusOK, doc.Result.Status)
	assert.Equal(t, "Moby Dick", abi.CString(doc.Result.Title[:]))
	assert.Equal(t, "Melville", abi.CString(doc.Result.Author[:]))
	assert.Equal(t, int32(1), doc.Result.PageCount)
	assert.Contains(t, string(doc.Text), "Call me Ishmael.")
}

// sampleWAV builds a header-only WAV reporting one second of audio.
func sampleWAV(byteRate, dataLen uint32) []byte {
	var b bytes.Buffer
	b.WriteString("RIFF")
	binary.Write(&b, binary.LittleEndian, uint32(36+dataLen))
	b.WriteString("WAVE")
	b.WriteString("fmt ")
	binary.Write(&b, binary.LittleEndian, uint32(16))
	binary.Write(&b, binary.LittleEndian, uint16(1))  // PCM
	binary.Write(&b, binary.LittleEndian, uint16(1))  // mono
	binary.Write(&b, binary.LittleEndian, uint32(8000))
	binary.Write(&b, binary.LittleEndian, byteRate)
	binary.Write(&b, binary.LittleEndian, uint16(1))
	binary.Write(&b, binary.LittleEndian, uint16(8))
	b.WriteString("data")
	binary.Write(&b, binary.LittleEndian, dataLen)
	b.Write(make([]byte, dataLen))
	return b.Bytes()
}

func TestParseWAVDuration(t *testing.T) {
	a := newTestAdapter(t)
	path := writeTemp(t, "clip.wav", sampleWAV(8000, 16000))
	doc := a.Parse(context.Background(), Request{Path: path, Kind: abi.KindAudio, ContentHash: hashOf(t, path)})
	require.Equal(t, abi.StatusOK, doc.Result.Status)
	assert.InDelta(t, 2.0, doc.Result.DurationSec, 0.001)
	assert.Equal(t, "audio/wav", abi.CString(doc.Result.MimeType[:]))
}

func TestID3v1Tag(t *testing.T) {
	data := append([]byte("ID3\x04\x00"), make([]byte, 200)...)
	tag := make([]byte, 128)
	copy(tag, "TAG")
	copy(tag[3:], "Song Title")
	copy(tag[33:], "The Artist")
	data = append(data, tag...)

	a := newTestAdapter(t)
	path := writeTemp(t, "song.mp3", data)
	doc := a.Parse(context.Background(), Request{Path: path, Kind: abi.KindAudio, ContentHash: hashOf(t, path)})
	require.Equal(t, abi.StatusOK, doc.Result.Status)
	assert.Equal(t, "Song Title", abi.CString(doc.Result.Title[:]))
	assert.Equal(t, "The Artist", abi.CString(doc.Result.Author[:]))
}

func TestParseShapefileBBox(t *testing.T) {
	hdr := make([]byte, 128)
	binary.BigEndian.PutUint32(hdr[0:4], 9994)
	binary.LittleEndian.PutUint64(hdr[36:44], math.Float64bits(-122.5))
	binary.LittleEndian.PutUint64(hdr[44:52], math.Float64bits(37.5))
	binary.LittleEndian.PutUint64(hdr[52:60], math.Float64bits(-122.0))
	binary.LittleEndian.PutUint64(hdr[60:68], math.Float64bits(38.0))

	a := newTestAdapter(t)
	path := writeTemp(t, "roads.shp", hdr)
	doc := a.Parse(context.Background(), Request{Path: path, Kind: abi.KindGeospatial, ContentHash: hashOf(t, path)})
	require.Equal(t, abi.StatusOK, doc.Result.Status)
	assert.Contains(t, abi.CString(doc.Result.Title[:]), "-122.5")
}

func TestProbeFindsLibraries(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "libdocml.so"), []byte{0x7f, 'E', 'L', 'F'}, 0644))

	caps := Probe(dir, zap.NewNop())
	assert.True(t, caps.ML)
	assert.False(t, caps.GPUOCR)

	caps = Probe(t.TempDir(), zap.NewNop())
	assert.False(t, caps.ML)
}
