package report

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/hyperpolymath/docudactyl-sub001/internal/abi"
)

func TestMetricsFailureClasses(t *testing.T) {
	var m Metrics
	m.RecordFailure(abi.StatusParseError)
	m.RecordFailure(abi.StatusParseError)
	m.RecordFailure(abi.StatusOutOfMemory)

	assert.Equal(t, int64(3), m.Failed.Load())
	assert.Equal(t, map[string]int64{
		"parse-error":   2,
		"out-of-memory": 1,
	}, m.failureMap())
}

func TestProgressHeartbeat(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	var m Metrics
	m.Scanned.Store(10)
	m.Completed.Store(4)

	p := StartProgress(&m, 10*time.Millisecond, zap.New(core))
	time.Sleep(35 * time.Millisecond)
	p.Stop()

	entries := logs.FilterMessage("progress").All()
	require.NotEmpty(t, entries)
	last := entries[len(entries)-1].ContextMap()
	assert.Equal(t, int64(4), last["completed"])
	assert.Equal(t, int64(10), last["scanned"])
}

func TestErrorJournalWritesFile(t *testing.T) {
	dir := t.TempDir()
	ej := NewErrorJournal(dir, 2)
	ej.Record("/corpus/bad.pdf", abi.StatusParseError, "xref table corrupt", 3)
	require.NoError(t, ej.Close())

	data, err := os.ReadFile(filepath.Join(dir, "errors-2.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "/corpus/bad.pdf")
	assert.Contains(t, string(data), "parse-error")
	assert.Contains(t, string(data), "xref table corrupt")
}

func TestRunReportRoundTrip(t *testing.T) {
	var m Metrics
	m.Scanned.Store(100)
	m.Completed.Store(90)
	m.Succeeded.Store(88)
	m.RecordFailure(abi.StatusFileNotFound)
	m.RecordFailure(abi.StatusError)
	m.L1Hits.Store(40)

	started := time.Now().Add(-2 * time.Second)
	r := NewRunReport(&m, started, 1, 4, false)
	assert.NotEmpty(t, r.RunID)
	assert.Equal(t, int64(100), r.Scanned)
	assert.Equal(t, int64(2), r.Failed)
	assert.Greater(t, r.DocsPerSec, 0.0)

	dir := t.TempDir()
	require.NoError(t, r.Write(dir))

	data, err := os.ReadFile(filepath.Join(dir, "run-report-1.json"))
	require.NoError(t, err)
	var got RunReport
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, r.RunID, got.RunID)
	assert.Equal(t, int64(40), got.L1Hits)
	assert.Equal(t, map[string]int64{"file-not-found": 1, "error": 1}, got.FailuresBy)
}

func TestMergeAggregatesNodeReports(t *testing.T) {
	dir := t.TempDir()
	started := time.Now().Add(-10 * time.Second)

	var m0 Metrics
	m0.Scanned.Store(50)
	m0.Completed.Store(50)
	m0.Succeeded.Store(48)
	m0.RecordFailure(abi.StatusFileNotFound)
	m0.RecordFailure(abi.StatusParseError)
	m0.L1Hits.Store(10)
	require.NoError(t, NewRunReport(&m0, started, 0, 2, false).Write(dir))

	var m1 Metrics
	m1.Scanned.Store(53)
	m1.Completed.Store(53)
	m1.Succeeded.Store(52)
	m1.RecordFailure(abi.StatusParseError)
	m1.L1Hits.Store(7)
	require.NoError(t, NewRunReport(&m1, started, 1, 2, true).Write(dir))

	merged, err := Merge(dir, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(103), merged.Scanned)
	assert.Equal(t, int64(100), merged.Succeeded)
	assert.Equal(t, int64(3), merged.Failed)
	assert.Equal(t, int64(17), merged.L1Hits)
	assert.Equal(t, map[string]int64{"file-not-found": 1, "parse-error": 2}, merged.FailuresBy)
	assert.True(t, merged.Interrupted)
	require.Len(t, merged.PerNode, 2)
	assert.Equal(t, 0, merged.PerNode[0].NodeID)
	assert.Equal(t, 1, merged.PerNode[1].NodeID)

	data, err := os.ReadFile(filepath.Join(dir, "run-report.json"))
	require.NoError(t, err)
	var got RunReport
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, merged.Scanned, got.Scanned)
	assert.Len(t, got.PerNode, 2)
}

func TestMergeSkipsMissingNodes(t *testing.T) {
	dir := t.TempDir()
	var m Metrics
	m.Scanned.Store(5)
	m.Succeeded.Store(5)
	require.NoError(t, NewRunReport(&m, time.Now(), 0, 3, false).Write(dir))

	merged, err := Merge(dir, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(5), merged.Scanned)
	assert.Len(t, merged.PerNode, 1)
}

func TestRunReportDistinctIDs(t *testing.T) {
	var m Metrics
	a := NewRunReport(&m, time.Now(), 0, 1, false)
	b := NewRunReport(&m, time.Now(), 0, 1, false)
	assert.NotEqual(t, a.RunID, b.RunID)
}
