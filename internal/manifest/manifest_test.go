package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeManifest(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "manifest")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadPlain(t *testing.T) {
	l := NewLoader(nil, nil, zap.NewNop())
	path := writeManifest(t, "/a/one.pdf\n\n/b/two.epub\n/c/three.png\n")

	entries, format, err := l.Load(path)
	require.NoError(t, err)
	assert.Equal(t, FormatPlain, format)
	require.Len(t, entries, 3)
	assert.Equal(t, "/a/one.pdf", entries[0].Path)
	assert.Equal(t, int64(-1), entries[0].Size, "plain entries carry no size")
}

func TestLoadEnriched(t *testing.T) {
	l := NewLoader(nil, nil, zap.NewNop())
	path := writeManifest(t, `
{"path":"/a/one.pdf","size":1024,"mtime":1700000000000000000,"kind":"pdf"}
{"path":"/b/two.mp3","size":999,"mtime":1700000000000000001}
`)

	entries, format, err := l.Load(path)
	require.NoError(t, err)
	assert.Equal(t, FormatEnriched, format)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(1024), entries[0].Size)
	assert.Equal(t, int64(1700000000000000000), entries[0].MtimeNS)
	assert.Equal(t, "pdf", entries[0].Kind)
	assert.Equal(t, "", entries[1].Kind)
}

func TestLoadEnrichedSkipsBadLines(t *testing.T) {
	l := NewLoader(nil, nil, zap.NewNop())
	path := writeManifest(t, `{"path":"/a/ok.pdf","size":10,"mtime":1}
{"size":10}
not json at all
{"path":"/b/also-ok.pdf","size":20,"mtime":2}
`)
	entries, _, err := l.Load(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "/a/ok.pdf", entries[0].Path)
	assert.Equal(t, "/b/also-ok.pdf", entries[1].Path)
}

func TestLoadFilters(t *testing.T) {
	l := NewLoader([]string{"**/*.pdf"}, []string{"**/skip/**"}, zap.NewNop())
	path := writeManifest(t, "/a/keep.pdf\n/a/drop.mp3\n/a/skip/also-dropped.pdf\n")

	entries, _, err := l.Load(path)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "/a/keep.pdf", entries[0].Path)
}

func TestLoadMissingManifest(t *testing.T) {
	l := NewLoader(nil, nil, zap.NewNop())
	_, _, err := l.Load(filepath.Join(t.TempDir(), "absent"))
	assert.Error(t, err)
}

func TestLoadEmptyManifest(t *testing.T) {
	l := NewLoader(nil, nil, zap.NewNop())
	entries, _, err := l.Load(writeManifest(t, ""))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestBroadcastRoundTrip(t *testing.T) {
	dir := t.TempDir()
	in := []Entry{
		{Path: "/a/one.pdf", Size: 10, MtimeNS: 1},
		{Path: "/b/two.epub", Size: 20, MtimeNS: 2, Kind: "epub"},
	}
	bpath := BroadcastFile(dir)
	require.NoError(t, WriteBroadcast(bpath, in))

	l := NewLoader(nil, nil, zap.NewNop())
	out, format, err := l.Load(bpath)
	require.NoError(t, err)
	assert.Equal(t, FormatEnriched, format)
	assert.Equal(t, in, out)

	// No partial file may linger.
	_, err = os.Stat(bpath + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestPrefetcherWarmsAndCloses(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4 body"), 0644))

	p := NewPrefetcher(4, zap.NewNop())
	p.Enqueue(path)
	p.Enqueue(filepath.Join(dir, "missing.pdf")) // must not wedge the loop
	p.Close()
}

func TestPrefetcherDisabled(t *testing.T) {
	p := NewPrefetcher(0, zap.NewNop())
	p.Enqueue("/anything")
	p.Close()
}
