// Package engine wires the whole fabric together: manifest in, conduit and
// caches on the hot path, parser adapters and stage pipeline per document,
// shards and checkpoint out. One Engine is one node's run.
package engine

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hyperpolymath/docudactyl-sub001/internal/abi"
	"github.com/hyperpolymath/docudactyl-sub001/internal/adapter"
	"github.com/hyperpolymath/docudactyl-sub001/internal/cache"
	"github.com/hyperpolymath/docudactyl-sub001/internal/checkpoint"
	"github.com/hyperpolymath/docudactyl-sub001/internal/conduit"
	"github.com/hyperpolymath/docudactyl-sub001/internal/config"
	"github.com/hyperpolymath/docudactyl-sub001/internal/dispatch"
	"github.com/hyperpolymath/docudactyl-sub001/internal/manifest"
	"github.com/hyperpolymath/docudactyl-sub001/internal/output"
	"github.com/hyperpolymath/docudactyl-sub001/internal/report"
	"github.com/hyperpolymath/docudactyl-sub001/internal/stages"
)

// Process exit codes, fixed by the operational contract.
const (
	ExitOK       = 0
	ExitConfig   = 1
	ExitManifest = 2
	ExitL1       = 3
	ExitSignal   = 130
)

// ExitError carries the process exit code alongside the cause.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

func exitErr(code int, err error) *ExitError { return &ExitError{Code: code, Err: err} }

// Engine owns every subsystem for one node's run.
type Engine struct {
	cfg     *config.Config
	log     *zap.Logger
	mask    abi.StageMask
	format  abi.OutputFormat
	metrics *report.Metrics

	cond     *conduit.Conduit
	l1       *cache.L1
	l2       *cache.L2
	flight   cache.Flight
	adapters chan *adapter.Adapter // per-worker handles, checked out per parse
	pipeline *stages.Pipeline
	out      *output.Writer
	journal  *checkpoint.Journal
	errlog   *report.ErrorJournal
	prefetch *manifest.Prefetcher

	seen map[string]string // checkpoint skip-set for resume

	own     []manifest.Entry
	nextDoc atomic.Int64 // prefetch cursor over own
	started time.Time
}

// New validates the configuration and brings every subsystem up. The error
// is always an *ExitError carrying the contractual exit code.
func New(cfg *config.Config, log *zap.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, exitErr(ExitConfig, err)
	}
	mask, err := abi.ParseStageMask(cfg.Stages.Config)
	if err != nil {
		return nil, exitErr(ExitConfig, err)
	}
	format, err := abi.ParseOutputFormat(cfg.Output.Format)
	if err != nil {
		return nil, exitErr(ExitConfig, err)
	}
	if err := os.MkdirAll(cfg.Output.Dir, 0755); err != nil {
		return nil, exitErr(ExitConfig, fmt.Errorf("output dir: %w", err))
	}

	e := &Engine{
		cfg:     cfg,
		log:     log,
		mask:    mask,
		format:  format,
		metrics: &report.Metrics{},
		cond:    conduit.New(log),
		started: time.Now(),
	}

	cacheDir := cfg.Cache.Dir
	if cacheDir == "" {
		cacheDir = filepath.Join(cfg.Output.Dir, "cache")
	}
	e.l1, err = cache.OpenL1(cacheDir, cfg.Cache.SizeMB, log)
	if err != nil {
		return nil, exitErr(ExitL1, err)
	}
	e.l2 = cache.NewL2(cfg.Cache.L2Address, log)

	// Adapter handles are per worker. Every handle probes the same model
	// directory, so capabilities are read off the first one.
	workers := cfg.WorkerCount()
	e.adapters = make(chan *adapter.Adapter, workers)
	for i := 0; i < workers; i++ {
		a, err := adapter.New(cfg.Stages.ModelDir, log)
		if err != nil {
			e.teardown()
			return nil, exitErr(ExitConfig, err)
		}
		if i == 0 {
			e.pipeline = stages.New(a.Capabilities(), log)
		}
		e.adapters <- a
	}

	e.out, err = output.New(output.Config{
		Dir:         cfg.Output.Dir,
		Node:        cfg.Cluster.LocaleID,
		Format:      format,
		BufferBytes: cfg.Output.ShardBufferBytes,
		RotateBytes: cfg.Output.ShardRotateBytes,
		FlushEvery:  time.Duration(cfg.Output.FlushIntervalSec) * time.Second,
	}, log)
	if err != nil {
		e.teardown()
		return nil, exitErr(ExitConfig, err)
	}

	journalPath := filepath.Join(cfg.Output.Dir,
		fmt.Sprintf("checkpoint-%d.jsonl", cfg.Cluster.LocaleID))
	if !cfg.Checkpoint.Resume {
		os.Remove(journalPath)
	}
	e.journal, e.seen, err = checkpoint.Open(journalPath, cfg.Checkpoint.IntervalDocs, log)
	if err != nil {
		e.teardown()
		return nil, exitErr(ExitConfig, err)
	}
	// A durable checkpoint entry must never point at an unwritten shard
	// record, so the shards flush ahead of every journal fsync.
	e.journal.SetBeforeSync(e.out.Flush)

	e.errlog = report.NewErrorJournal(cfg.Output.Dir, cfg.Cluster.LocaleID)
	e.prefetch = manifest.NewPrefetcher(cfg.Dispatch.PrefetchWindow, log)
	return e, nil
}

func (e *Engine) teardown() {
	if e.prefetch != nil {
		e.prefetch.Close()
		e.prefetch = nil
	}
	if e.journal != nil {
		e.journal.Close()
		e.journal = nil
	}
	if e.errlog != nil {
		e.errlog.Close()
		e.errlog = nil
	}
	if e.out != nil {
		e.out.Close()
		e.out = nil
	}
	if e.adapters != nil {
		close(e.adapters)
		for a := range e.adapters {
			a.Close()
		}
		e.adapters = nil
	}
	if e.l2 != nil {
		e.l2.Close()
		e.l2 = nil
	}
	if e.l1 != nil {
		e.l1.Close()
		e.l1 = nil
	}
}

// loadManifest resolves this node's work list. In broadcast mode the driver
// locale materializes the manifest next to the output shards and the other
// locales read that copy, so only one node pays the source read.
func (e *Engine) loadManifest() ([]manifest.Entry, error) {
	loader := manifest.NewLoader(e.cfg.Manifest.Include, e.cfg.Manifest.Exclude, e.log)

	path := e.cfg.Manifest.Path
	if e.cfg.Manifest.Mode == "broadcast" && e.cfg.Cluster.LocaleID != 0 {
		path = manifest.BroadcastFile(e.cfg.Output.Dir)
	}
	entries, format, err := loader.Load(path)
	if err != nil {
		return nil, err
	}
	e.log.Info("manifest loaded",
		zap.String("path", path),
		zap.Stringer("format", format),
		zap.Int("entries", len(entries)))

	if e.cfg.Manifest.Mode == "broadcast" && e.cfg.Cluster.LocaleID == 0 {
		if err := manifest.WriteBroadcast(manifest.BroadcastFile(e.cfg.Output.Dir), entries); err != nil {
			return nil, fmt.Errorf("broadcast manifest: %w", err)
		}
	}
	return entries, nil
}

// Run executes the node's share of the manifest to completion. SIGTERM and
// SIGINT drain in-flight documents within the grace period, flush and
// checkpoint, and surface exit code 130.
func (e *Engine) Run(ctx context.Context) error {
	defer e.teardown()

	entries, err := e.loadManifest()
	if err != nil {
		return exitErr(ExitManifest, err)
	}
	e.own = dispatch.Partition(entries, e.cfg.Cluster.LocaleID, e.cfg.Cluster.NumLocales)
	e.metrics.Scanned.Store(int64(len(e.own)))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	drain := make(chan struct{})
	var interrupted atomic.Bool

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)
	go func() {
		select {
		case s := <-sig:
			interrupted.Store(true)
			grace := time.Duration(e.cfg.Dispatch.GracePeriodSec) * time.Second
			e.log.Warn("signal received, draining",
				zap.Stringer("signal", s), zap.Duration("grace", grace))
			close(drain)
			select {
			case <-time.After(grace):
				cancel()
			case <-runCtx.Done():
			}
		case <-runCtx.Done():
		}
	}()

	progress := report.StartProgress(e.metrics,
		time.Duration(e.cfg.Progress.IntervalSec)*time.Second, e.log)

	d := dispatch.New(dispatch.Options{
		Workers:      e.cfg.WorkerCount(),
		ChunkSize:    e.cfg.Dispatch.ChunkSize,
		Timeout:      time.Duration(e.cfg.Dispatch.TimeoutSec) * time.Second,
		MaxRetries:   e.cfg.Dispatch.MaxRetries,
		RetryBackoff: time.Second,
		OnFailure:    e.recordFailure,
	}, e.metrics, e.log)

	runErr := d.Run(runCtx, drain, e.own, e.process)
	progress.Stop()

	if err := e.finalize(interrupted.Load()); err != nil {
		e.log.Error("finalize failed", zap.Error(err))
	}
	if interrupted.Load() {
		return exitErr(ExitSignal, fmt.Errorf("interrupted by signal"))
	}
	if runErr != nil && runCtx.Err() == nil {
		return exitErr(ExitConfig, runErr)
	}
	return nil
}

// finalize flushes everything that must outlive the run and writes the run
// report. Called exactly once, after the pool has stopped.
func (e *Engine) finalize(interrupted bool) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	keep(e.out.Flush())
	keep(e.journal.Sync())

	h1, m1, _ := e.l1.Stats()
	h2, _, _, _ := e.l2.Stats()
	e.metrics.L1Hits.Store(h1)
	e.metrics.L2Hits.Store(h2)
	e.metrics.CacheMisses.Store(m1 - h2)

	rep := report.NewRunReport(e.metrics, e.started,
		e.cfg.Cluster.LocaleID, e.cfg.Cluster.NumLocales, interrupted)
	keep(rep.Write(e.cfg.Output.Dir))
	// The driver locale folds whatever per-node reports have landed into the
	// cluster-wide summary. Slower nodes just leave their own file behind.
	if e.cfg.Cluster.LocaleID == 0 {
		if _, err := report.Merge(e.cfg.Output.Dir, e.cfg.Cluster.NumLocales); err != nil {
			keep(fmt.Errorf("run report merge: %w", err))
		}
	}
	e.log.Info("run finished",
		zap.String("run_id", rep.RunID),
		zap.Int64("succeeded", rep.Succeeded),
		zap.Int64("failed", rep.Failed),
		zap.Float64("docs_per_sec", rep.DocsPerSec))
	return firstErr
}

// recordFailure is the dispatcher's terminal-failure callback: checkpoint,
// error journal, metrics. It is the only place failed documents are
// recorded, so a retried-then-recovered document never appears failed.
func (e *Engine) recordFailure(task *dispatch.Task, status abi.ParseStatus) {
	key := task.Key
	if key == "" {
		key = cache.Key{Path: task.Entry.Path, MtimeNS: task.Entry.MtimeNS, Size: task.Entry.Size}.String()
	}
	if err := e.journal.Append(key, status.String(), task.FailMsg); err != nil {
		e.log.Error("checkpoint append failed", zap.String("key", key), zap.Error(err))
	}
	e.errlog.Record(task.Entry.Path, status, task.FailMsg, task.Attempts)
	e.metrics.RecordFailure(status)
	e.metrics.Completed.Add(1)
}

// process runs one document attempt end to end. Success recording happens
// here; failure recording happens in recordFailure once the fault handler
// gives up on the document.
func (e *Engine) process(ctx context.Context, task *dispatch.Task) abi.ParseStatus {
	entry := task.Entry

	// Plain manifests carry no stat data; fetch it once here.
	if entry.Size < 0 {
		info, err := os.Stat(entry.Path)
		if err != nil {
			task.FailMsg = "file not found: " + entry.Path
			return abi.StatusFileNotFound
		}
		entry.Size = info.Size()
		entry.MtimeNS = info.ModTime().UnixNano()
	}
	key := cache.Key{Path: entry.Path, MtimeNS: entry.MtimeNS, Size: entry.Size}
	task.Key = key.String()

	if e.cfg.Checkpoint.Resume {
		if _, ok := e.seen[task.Key]; ok {
			e.metrics.SkippedResume.Add(1)
			return abi.StatusOK
		}
	}
	e.warmAhead()

	result, _, err := e.flight.Do(ctx, task.Key, func() (*cache.Entry, error) {
		return e.resolve(ctx, task, entry, key)
	})
	if err != nil {
		if ctx.Err() != nil {
			// Timed out or shutting down. An abandoned flight primary may
			// still finish and populate the caches, but nothing is written
			// to the shards on this path.
			return abi.StatusError
		}
		task.FailMsg = err.Error()
		return abi.StatusError
	}

	status := result.Result.Status
	if status == abi.StatusOK {
		if bugErr := result.Result.Check(); bugErr != nil {
			task.FailMsg = "internal bug: " + bugErr.Error()
			return abi.StatusParseError
		}
	}
	if status != abi.StatusOK {
		task.FailMsg = abi.CString(result.Result.ErrorMsg[:])
		return status
	}
	if ctx.Err() != nil {
		return abi.StatusError
	}

	task.SetState(dispatch.StateWriting)
	var stageRec *stages.Results
	if len(result.StageBlob) > 0 {
		if rec, decErr := stages.Decode(result.StageBlob); decErr == nil {
			stageRec = rec
		}
	}
	if err := e.out.Write(&output.Doc{
		Path:   entry.Path,
		Result: result.Result,
		Text:   result.Text,
		Stages: stageRec,
	}); err != nil {
		task.FailMsg = err.Error()
		return abi.StatusError
	}
	if err := e.journal.Append(task.Key, checkpoint.StatusDone, ""); err != nil {
		task.FailMsg = err.Error()
		return abi.StatusError
	}

	e.metrics.Succeeded.Add(1)
	e.metrics.Completed.Add(1)
	e.metrics.BytesRead.Add(entry.Size)
	return abi.StatusOK
}

// resolve produces the document's cache entry: L1, then conduit and L2, then
// a full parse plus stage run. Only ok results are cached, so a fixed file
// or a transient fault gets a fresh attempt on the next run.
func (e *Engine) resolve(ctx context.Context, task *dispatch.Task, entry manifest.Entry, key cache.Key) (*cache.Entry, error) {
	if cached, hit, err := e.l1.Get(key); err != nil {
		return nil, fmt.Errorf("L1 get: %w", err)
	} else if hit {
		return cached, nil
	}

	kind := kindFromHint(entry.Kind)
	contentHash := ""
	if e.cfg.Cache.ConduitEnabled {
		cres := e.cond.Process(entry.Path, conduit.Options{KnownSize: entry.Size, WantHash: true})
		if cres.Validation != abi.ValidationOK {
			return rejectedEntry(cres), nil
		}
		kind = cres.Kind
		contentHash = abi.CString(cres.ContentHash[:])

		if cached, hit := e.l2.Get(ctx, contentHash); hit {
			e.l1.Store(key, cached)
			return cached, nil
		}
	} else if kind == abi.KindUnknown {
		kind = kindFromExtension(entry.Path)
	}

	task.SetState(dispatch.StateParsing)
	a := <-e.adapters
	doc := a.Parse(ctx, adapter.Request{
		Path:        entry.Path,
		Kind:        kind,
		ContentHash: contentHash,
		Mask:        e.mask,
		Format:      e.format,
	})
	e.adapters <- a

	ce := &cache.Entry{Result: &doc.Result, Text: doc.Text}
	if doc.Result.Status != abi.StatusOK {
		return ce, nil
	}

	task.SetState(dispatch.StateStaging)
	if e.mask != abi.MaskNone {
		rec := e.pipeline.Run(e.mask, &stages.Input{
			Path:   entry.Path,
			Result: &doc.Result,
			Text:   doc.Text,
			Format: e.format,
		})
		ce.StageBlob = rec.Encode()
	}

	e.l1.Store(key, ce)
	e.metrics.CacheStores.Add(1)
	if contentHash != "" {
		e.l2.Put(ctx, contentHash, ce)
	}
	return ce, nil
}

// warmAhead keeps the prefetch window sliding over the upcoming entries.
func (e *Engine) warmAhead() {
	window := int64(e.cfg.Dispatch.PrefetchWindow)
	if window <= 0 {
		return
	}
	idx := e.nextDoc.Add(1) - 1 + window
	if idx < int64(len(e.own)) {
		e.prefetch.Enqueue(e.own[idx].Path)
	}
}

// rejectedEntry maps a conduit rejection to a terminal parse result.
func rejectedEntry(cres abi.ConduitResult) *cache.Entry {
	r := &abi.ParseResult{ContentKind: cres.Kind}
	switch cres.Validation {
	case abi.ValidationUnreadable:
		r.SetError(abi.StatusFileNotFound, "file not found or unreadable")
	case abi.ValidationTooSmall:
		r.SetError(abi.StatusParseError, "file below minimum usable size for its format")
	default:
		r.ContentKind = abi.KindUnknown
		r.SetError(abi.StatusUnsupportedFormat, "no recognized magic bytes")
	}
	return &cache.Entry{Result: r}
}

func kindFromHint(name string) abi.ContentKind {
	for k := abi.KindPDF; k <= abi.KindUnknown; k++ {
		if k.String() == name {
			return k
		}
	}
	return abi.KindUnknown
}

// kindFromExtension is the fallback classifier for conduit-disabled runs.
func kindFromExtension(path string) abi.ContentKind {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return abi.KindPDF
	case ".png", ".jpg", ".jpeg", ".gif", ".tif", ".tiff", ".webp":
		return abi.KindImage
	case ".mp3", ".flac", ".wav", ".ogg":
		return abi.KindAudio
	case ".mp4", ".m4v", ".mkv", ".webm", ".mov":
		return abi.KindVideo
	case ".epub":
		return abi.KindEPUB
	case ".gpkg", ".shp":
		return abi.KindGeospatial
	}
	return abi.KindUnknown
}
