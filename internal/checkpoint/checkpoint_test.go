package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func journalPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "checkpoint.jsonl")
}

func TestFreshJournal(t *testing.T) {
	j, seen, err := Open(journalPath(t), 10, zap.NewNop())
	require.NoError(t, err)
	defer j.Close()
	assert.Empty(t, seen)
}

func TestAppendAndReplay(t *testing.T) {
	path := journalPath(t)

	j, _, err := Open(path, 10, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, j.Append("/a|1|100", StatusDone, ""))
	require.NoError(t, j.Append("/b|2|200", "file-not-found", "stat /b: no such file or directory"))
	require.NoError(t, j.Append("/c|3|300", StatusDone, ""))
	require.NoError(t, j.Close())

	_, seen, err := Open(path, 10, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"/a|1|100": StatusDone,
		"/b|2|200": "file-not-found",
		"/c|3|300": StatusDone,
	}, seen)
}

func TestFailureRecordsCarryClassAndMessage(t *testing.T) {
	path := journalPath(t)

	j, _, err := Open(path, 1, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, j.Append("/a|1|100", "parse-error", "xref table corrupt"))
	require.NoError(t, j.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"status":"parse-error"`)
	assert.Contains(t, string(data), `"error_msg":"xref table corrupt"`)

	_, seen, err := Open(path, 1, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "parse-error", seen["/a|1|100"])
}

func TestTornFinalRecordDiscarded(t *testing.T) {
	path := journalPath(t)

	j, _, err := Open(path, 1, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, j.Append("/a|1|100", StatusDone, ""))
	require.NoError(t, j.Append("/b|2|200", StatusDone, ""))
	require.NoError(t, j.Close())

	// Simulate a crash mid-append by lopping off the trailing bytes.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)-7], 0644))

	j2, seen, err := Open(path, 1, zap.NewNop())
	require.NoError(t, err)
	defer j2.Close()
	assert.Equal(t, map[string]string{"/a|1|100": StatusDone}, seen)
}

func TestSingleTornRecordStartsFresh(t *testing.T) {
	path := journalPath(t)
	require.NoError(t, os.WriteFile(path, []byte(`{"key":"/a|1|`), 0644))

	j, seen, err := Open(path, 1, zap.NewNop())
	require.NoError(t, err)
	defer j.Close()
	assert.Empty(t, seen)
}

func TestUnparseableLinesSkipped(t *testing.T) {
	path := journalPath(t)
	content := `{"key":"/a|1|100","status":"done","ts":1}` + "\n" +
		"not json at all\n" +
		`{"key":"/b|2|200","status":"done","ts":2}` + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	j, seen, err := Open(path, 1, zap.NewNop())
	require.NoError(t, err)
	defer j.Close()
	assert.Len(t, seen, 2)
	assert.Equal(t, StatusDone, seen["/a|1|100"])
	assert.Equal(t, StatusDone, seen["/b|2|200"])
}

func TestSyncCadence(t *testing.T) {
	path := journalPath(t)
	j, _, err := Open(path, 100, zap.NewNop())
	require.NoError(t, err)
	defer j.Close()

	// Below the sync threshold the record may still sit in the buffer.
	require.NoError(t, j.Append("/a|1|100", StatusDone, ""))
	require.NoError(t, j.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "/a|1|100")
}

func TestResumeAfterReopenAppends(t *testing.T) {
	path := journalPath(t)

	j, _, err := Open(path, 1, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, j.Append("/a|1|100", StatusDone, ""))
	require.NoError(t, j.Close())

	j2, seen, err := Open(path, 1, zap.NewNop())
	require.NoError(t, err)
	assert.Len(t, seen, 1)
	require.NoError(t, j2.Append("/b|2|200", StatusDone, ""))
	require.NoError(t, j2.Close())

	_, seen, err = Open(path, 1, zap.NewNop())
	require.NoError(t, err)
	assert.Len(t, seen, 2)
}
