// Package dispatch partitions the manifest across nodes and drives the
// worker pool. Each document moves through a small state machine; the fault
// handler around every attempt converts timeouts and panics into parse
// statuses and retries the retryable ones with backoff.
package dispatch

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hyperpolymath/docudactyl-sub001/internal/abi"
	"github.com/hyperpolymath/docudactyl-sub001/internal/manifest"
	"github.com/hyperpolymath/docudactyl-sub001/internal/report"
)

// State is a document's position in its lifecycle.
type State int32

const (
	StatePending State = iota
	StateReserved
	StateParsing
	StateStaging
	StateWriting
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateReserved:
		return "reserved"
	case StateParsing:
		return "parsing"
	case StateStaging:
		return "staging"
	case StateWriting:
		return "writing"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Task is one document moving through the pool. The process function
// advances the state as it hands the document between phases and may stash
// a failure message for the terminal-failure callback.
type Task struct {
	Entry    manifest.Entry
	Attempts int
	// Key is the document's cache key, set by the process function once the
	// file has been statted. The failure callback checkpoints under it.
	Key      string
	FailMsg  string
	TimedOut bool
	state    atomic.Int32
}

func (t *Task) State() State     { return State(t.state.Load()) }
func (t *Task) SetState(s State) { t.state.Store(int32(s)) }

// ProcessFunc runs one attempt on one document and reports its outcome.
// The context carries the per-attempt timeout; implementations should
// abandon work when it fires.
type ProcessFunc func(ctx context.Context, task *Task) abi.ParseStatus

// Options sizes the pool and the fault handler.
type Options struct {
	Workers    int
	ChunkSize  int
	Timeout    time.Duration
	MaxRetries int
	// RetryBackoff is the first retry delay; each further retry multiplies
	// it by backoffFactor.
	RetryBackoff time.Duration
	// OnFailure runs once per document that ends failed, including timed-out
	// documents whose process attempt was abandoned mid-flight. Documents cut
	// short by run-level cancellation are not reported; they are retried by a
	// resumed run.
	OnFailure func(task *Task, status abi.ParseStatus)
}

const backoffFactor = 4

// Partition returns the manifest slice this node owns: entries whose index
// is congruent to nodeID modulo numNodes. Every node computes the same
// assignment from the same manifest with no coordination.
func Partition(entries []manifest.Entry, nodeID, numNodes int) []manifest.Entry {
	if numNodes <= 1 {
		return entries
	}
	own := make([]manifest.Entry, 0, len(entries)/numNodes+1)
	for i, e := range entries {
		if i%numNodes == nodeID {
			own = append(own, e)
		}
	}
	return own
}

// Dispatcher fans tasks out to the worker pool.
type Dispatcher struct {
	opts    Options
	metrics *report.Metrics
	log     *zap.Logger
}

func New(opts Options, metrics *report.Metrics, log *zap.Logger) *Dispatcher {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.ChunkSize < 1 {
		opts.ChunkSize = 1
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = time.Second
	}
	return &Dispatcher{opts: opts, metrics: metrics, log: log}
}

// Run processes every entry and blocks until the pool drains or ctx fires.
// Closing drain stops new documents from starting while in-flight ones
// finish; cancelling ctx additionally aborts in-flight attempts. drain may
// be nil.
func (d *Dispatcher) Run(ctx context.Context, drain <-chan struct{}, entries []manifest.Entry, fn ProcessFunc) error {
	chunks := make(chan []manifest.Entry, d.opts.Workers)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(chunks)
		for off := 0; off < len(entries); off += d.opts.ChunkSize {
			end := min(off+d.opts.ChunkSize, len(entries))
			select {
			case chunks <- entries[off:end]:
			case <-drain:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	for i := 0; i < d.opts.Workers; i++ {
		g.Go(func() error {
			for chunk := range chunks {
				for i := range chunk {
					select {
					case <-drain:
						return nil
					default:
					}
					if gctx.Err() != nil {
						return gctx.Err()
					}
					task := &Task{Entry: chunk[i]}
					d.runTask(gctx, task, fn)
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// runTask is the fault handler: it drives one document through its attempt
// loop and leaves it done or failed. A timeout surfaces as status error but
// is terminal: the pathological document is not worth another wall-clock
// budget.
func (d *Dispatcher) runTask(ctx context.Context, task *Task, fn ProcessFunc) {
	task.SetState(StateReserved)
	for {
		task.Attempts++
		status, timedOut := d.attempt(ctx, task, fn)
		if status == abi.StatusOK {
			task.SetState(StateDone)
			return
		}
		if timedOut || !status.IsRetryable() || task.Attempts > d.opts.MaxRetries || ctx.Err() != nil {
			task.TimedOut = timedOut
			task.SetState(StateFailed)
			// Run-level cancellation is an interruption, not a document
			// fault. The document stays unrecorded so a resumed run
			// attempts it again; real timeouts are still recorded.
			if d.opts.OnFailure != nil && (timedOut || ctx.Err() == nil) {
				d.opts.OnFailure(task, status)
			}
			return
		}

		delay := d.opts.RetryBackoff
		for i := 1; i < task.Attempts; i++ {
			delay *= backoffFactor
		}
		d.metrics.Retries.Add(1)
		d.log.Warn("retrying document",
			zap.String("path", task.Entry.Path),
			zap.Stringer("class", status),
			zap.Int("attempt", task.Attempts),
			zap.Duration("backoff", delay))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			// Interrupted mid-backoff: same as above, leave it unrecorded.
			task.SetState(StateFailed)
			return
		}
	}
}

// attempt runs fn once under the per-document timeout. A panic inside fn is
// folded into a parse status; a timeout abandons the attempt goroutine.
func (d *Dispatcher) attempt(ctx context.Context, task *Task, fn ProcessFunc) (abi.ParseStatus, bool) {
	actx := ctx
	cancel := context.CancelFunc(func() {})
	if d.opts.Timeout > 0 {
		actx, cancel = context.WithTimeout(ctx, d.opts.Timeout)
	}
	defer cancel()

	task.SetState(StateParsing)
	done := make(chan abi.ParseStatus, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				d.log.Error("process panic",
					zap.String("path", task.Entry.Path),
					zap.Any("panic", rec))
				done <- abi.StatusParseError
			}
		}()
		done <- fn(actx, task)
	}()

	select {
	case status := <-done:
		return status, false
	case <-actx.Done():
		if ctx.Err() != nil {
			// Run-level shutdown, not a document fault.
			return abi.StatusError, false
		}
		d.metrics.Timeouts.Add(1)
		task.FailMsg = fmt.Sprintf("timeout after %s", d.opts.Timeout)
		d.log.Warn("document timed out",
			zap.String("path", task.Entry.Path),
			zap.Duration("timeout", d.opts.Timeout),
			zap.Int("attempt", task.Attempts))
		return abi.StatusError, true
	}
}
