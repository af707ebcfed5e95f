// Package report tracks run-wide counters, emits the periodic progress
// heartbeat, journals per-document failures, and writes the final run
// report.
package report

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/hyperpolymath/docudactyl-sub001/internal/abi"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Metrics is the shared counter set. All fields are atomics; workers bump
// them lock-free and the heartbeat reads a consistent-enough snapshot.
type Metrics struct {
	Scanned       atomic.Int64 // manifest entries accepted for this node
	SkippedResume atomic.Int64 // already in the checkpoint journal
	Completed     atomic.Int64 // reached a terminal state this run
	Succeeded     atomic.Int64
	Failed        atomic.Int64
	Retries       atomic.Int64
	Timeouts      atomic.Int64
	L1Hits        atomic.Int64
	L2Hits        atomic.Int64
	CacheMisses   atomic.Int64
	CacheStores   atomic.Int64
	BytesRead     atomic.Int64

	failures [8]atomic.Int64 // indexed by ParseStatus
}

// RecordFailure bumps the per-class failure counter.
func (m *Metrics) RecordFailure(status abi.ParseStatus) {
	m.Failed.Add(1)
	if status >= 0 && int(status) < len(m.failures) {
		m.failures[status].Add(1)
	}
}

func (m *Metrics) failureMap() map[string]int64 {
	out := make(map[string]int64)
	for i := range m.failures {
		if n := m.failures[i].Load(); n > 0 {
			out[abi.ParseStatus(i).String()] = n
		}
	}
	return out
}

// Progress logs a heartbeat line on a fixed cadence until stopped.
type Progress struct {
	m     *Metrics
	log   *zap.Logger
	start time.Time
	stop  chan struct{}
	done  chan struct{}
}

func StartProgress(m *Metrics, interval time.Duration, log *zap.Logger) *Progress {
	p := &Progress{
		m:     m,
		log:   log,
		start: time.Now(),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go p.loop(interval)
	return p
}

func (p *Progress) loop(interval time.Duration) {
	defer close(p.done)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			p.emit()
		case <-p.stop:
			return
		}
	}
}

func (p *Progress) emit() {
	completed := p.m.Completed.Load()
	scanned := p.m.Scanned.Load()
	elapsed := time.Since(p.start).Seconds()
	rate := 0.0
	if elapsed > 0 {
		rate = float64(completed) / elapsed
	}
	remaining := scanned - completed - p.m.SkippedResume.Load()
	eta := "unknown"
	if rate > 0 && remaining >= 0 {
		eta = (time.Duration(float64(remaining)/rate) * time.Second).String()
	}
	p.log.Info("progress",
		zap.Int64("completed", completed),
		zap.Int64("scanned", scanned),
		zap.Int64("failed", p.m.Failed.Load()),
		zap.Int64("l1_hits", p.m.L1Hits.Load()),
		zap.Int64("l2_hits", p.m.L2Hits.Load()),
		zap.Float64("docs_per_sec", rate),
		zap.String("eta", eta))
}

// Stop halts the heartbeat after emitting one final line.
func (p *Progress) Stop() {
	close(p.stop)
	<-p.done
	p.emit()
}

// ErrorJournal writes one structured line per failed document to a
// size-rotated file in the output directory. The node ID is part of the
// filename so nodes sharing an output directory never interleave.
type ErrorJournal struct {
	log  *zap.Logger
	sink *lumberjack.Logger
}

func NewErrorJournal(dir string, node int) *ErrorJournal {
	sink := &lumberjack.Logger{
		Filename:   filepath.Join(dir, fmt.Sprintf("errors-%d.log", node)),
		MaxSize:    100, // MiB
		MaxBackups: 5,
	}
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "ts"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.AddSync(sink), zapcore.InfoLevel)
	return &ErrorJournal{log: zap.New(core), sink: sink}
}

// Record journals one document failure.
func (e *ErrorJournal) Record(path string, status abi.ParseStatus, msg string, attempts int) {
	e.log.Info("document failed",
		zap.String("path", path),
		zap.String("class", status.String()),
		zap.String("error", msg),
		zap.Int("attempts", attempts))
}

func (e *ErrorJournal) Close() error {
	e.log.Sync()
	return e.sink.Close()
}

// RunReport is the end-of-run summary written next to the shards.
type RunReport struct {
	RunID         string           `json:"run_id"`
	StartedAt     time.Time        `json:"started_at"`
	FinishedAt    time.Time        `json:"finished_at"`
	ElapsedSec    float64          `json:"elapsed_sec"`
	NodeID        int              `json:"node_id"`
	NumNodes      int              `json:"num_nodes"`
	Scanned       int64            `json:"scanned"`
	SkippedResume int64            `json:"skipped_resume"`
	Succeeded     int64            `json:"succeeded"`
	Failed        int64            `json:"failed"`
	FailuresBy    map[string]int64 `json:"failures_by_class,omitempty"`
	Retries       int64            `json:"retries"`
	Timeouts      int64            `json:"timeouts"`
	L1Hits        int64            `json:"l1_hits"`
	L2Hits        int64            `json:"l2_hits"`
	CacheMisses   int64            `json:"cache_misses"`
	BytesRead     int64            `json:"bytes_read"`
	DocsPerSec    float64          `json:"docs_per_sec"`
	Interrupted   bool             `json:"interrupted,omitempty"`

	// PerNode holds each node's own report in the merged cluster summary.
	PerNode []*RunReport `json:"per_node,omitempty"`
}

// NewRunReport snapshots the metrics into a report.
func NewRunReport(m *Metrics, started time.Time, nodeID, numNodes int, interrupted bool) *RunReport {
	now := time.Now()
	elapsed := now.Sub(started).Seconds()
	r := &RunReport{
		RunID:         uuid.NewString(),
		StartedAt:     started,
		FinishedAt:    now,
		ElapsedSec:    elapsed,
		NodeID:        nodeID,
		NumNodes:      numNodes,
		Scanned:       m.Scanned.Load(),
		SkippedResume: m.SkippedResume.Load(),
		Succeeded:     m.Succeeded.Load(),
		Failed:        m.Failed.Load(),
		FailuresBy:    m.failureMap(),
		Retries:       m.Retries.Load(),
		Timeouts:      m.Timeouts.Load(),
		L1Hits:        m.L1Hits.Load(),
		L2Hits:        m.L2Hits.Load(),
		CacheMisses:   m.CacheMisses.Load(),
		BytesRead:     m.BytesRead.Load(),
		Interrupted:   interrupted,
	}
	if elapsed > 0 {
		r.DocsPerSec = float64(m.Completed.Load()) / elapsed
	}
	return r
}

// Write persists the report as run-report-<node>.json via atomic rename.
func (r *RunReport) Write(dir string) error {
	return writeReport(r, dir, fmt.Sprintf("run-report-%d.json", r.NodeID))
}

func writeReport(r *RunReport, dir, name string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("run report marshal: %w", err)
	}
	tmp := filepath.Join(dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("run report write: %w", err)
	}
	return os.Rename(tmp, filepath.Join(dir, name))
}

// Merge gathers the per-node reports found in dir into a cluster-wide
// run-report.json. Nodes finish at their own pace, so reports not yet
// written are skipped; node 0 calls this and later nodes simply overwrite
// with a more complete merge if they outlive it.
func Merge(dir string, numNodes int) (*RunReport, error) {
	var nodes []*RunReport
	for n := 0; n < numNodes; n++ {
		data, err := os.ReadFile(filepath.Join(dir, fmt.Sprintf("run-report-%d.json", n)))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("run report read: %w", err)
		}
		var r RunReport
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("run report parse node %d: %w", n, err)
		}
		nodes = append(nodes, &r)
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("no per-node reports in %s", dir)
	}

	merged := &RunReport{
		RunID:      uuid.NewString(),
		StartedAt:  nodes[0].StartedAt,
		FinishedAt: nodes[0].FinishedAt,
		NodeID:     -1,
		NumNodes:   numNodes,
		FailuresBy: make(map[string]int64),
		PerNode:    nodes,
	}
	for _, r := range nodes {
		if r.StartedAt.Before(merged.StartedAt) {
			merged.StartedAt = r.StartedAt
		}
		if r.FinishedAt.After(merged.FinishedAt) {
			merged.FinishedAt = r.FinishedAt
		}
		merged.Scanned += r.Scanned
		merged.SkippedResume += r.SkippedResume
		merged.Succeeded += r.Succeeded
		merged.Failed += r.Failed
		merged.Retries += r.Retries
		merged.Timeouts += r.Timeouts
		merged.L1Hits += r.L1Hits
		merged.L2Hits += r.L2Hits
		merged.CacheMisses += r.CacheMisses
		merged.BytesRead += r.BytesRead
		merged.Interrupted = merged.Interrupted || r.Interrupted
		for class, n := range r.FailuresBy {
			merged.FailuresBy[class] += n
		}
	}
	if len(merged.FailuresBy) == 0 {
		merged.FailuresBy = nil
	}
	merged.ElapsedSec = merged.FinishedAt.Sub(merged.StartedAt).Seconds()
	if merged.ElapsedSec > 0 {
		merged.DocsPerSec = float64(merged.Succeeded+merged.Failed) / merged.ElapsedSec
	}
	if err := writeReport(merged, dir, "run-report.json"); err != nil {
		return nil, err
	}
	return merged, nil
}
