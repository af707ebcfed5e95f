package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hyperpolymath/docudactyl-sub001/internal/abi"
	"github.com/hyperpolymath/docudactyl-sub001/internal/manifest"
	"github.com/hyperpolymath/docudactyl-sub001/internal/report"
)

func entries(n int) []manifest.Entry {
	out := make([]manifest.Entry, n)
	for i := range out {
		out[i] = manifest.Entry{Path: fmt.Sprintf("/corpus/%04d.pdf", i)}
	}
	return out
}

func newDispatcher(opts Options) (*Dispatcher, *report.Metrics) {
	var m report.Metrics
	return New(opts, &m, zap.NewNop()), &m
}

func TestPartitionCoversAllEntriesExactlyOnce(t *testing.T) {
	all := entries(103)
	const numNodes = 4

	seen := make(map[string]int)
	for node := 0; node < numNodes; node++ {
		for _, e := range Partition(all, node, numNodes) {
			seen[e.Path]++
		}
	}
	require.Len(t, seen, len(all))
	for path, n := range seen {
		assert.Equal(t, 1, n, path)
	}
}

func TestPartitionDeterministic(t *testing.T) {
	all := entries(50)
	a := Partition(all, 2, 3)
	b := Partition(all, 2, 3)
	assert.Equal(t, a, b)
	assert.Equal(t, all, Partition(all, 0, 1))
}

func TestRunProcessesEveryEntry(t *testing.T) {
	d, _ := newDispatcher(Options{Workers: 4, ChunkSize: 8})
	var count atomic.Int64
	var mu sync.Mutex
	paths := make(map[string]bool)

	err := d.Run(context.Background(), nil, entries(100), func(_ context.Context, task *Task) abi.ParseStatus {
		count.Add(1)
		mu.Lock()
		paths[task.Entry.Path] = true
		mu.Unlock()
		return abi.StatusOK
	})
	require.NoError(t, err)
	assert.Equal(t, int64(100), count.Load())
	assert.Len(t, paths, 100)
}

func TestRetryableFailureRetriedWithBackoff(t *testing.T) {
	d, m := newDispatcher(Options{
		Workers: 1, ChunkSize: 1, MaxRetries: 2, RetryBackoff: time.Millisecond,
	})
	var attempts atomic.Int64

	err := d.Run(context.Background(), nil, entries(1), func(_ context.Context, _ *Task) abi.ParseStatus {
		if attempts.Add(1) < 3 {
			return abi.StatusOutOfMemory
		}
		return abi.StatusOK
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), attempts.Load())
	assert.Equal(t, int64(2), m.Retries.Load())
}

func TestTerminalFailureNotRetried(t *testing.T) {
	d, m := newDispatcher(Options{
		Workers: 1, ChunkSize: 1, MaxRetries: 2, RetryBackoff: time.Millisecond,
	})
	var attempts atomic.Int64

	err := d.Run(context.Background(), nil, entries(1), func(_ context.Context, _ *Task) abi.ParseStatus {
		attempts.Add(1)
		return abi.StatusParseError
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), attempts.Load())
	assert.Equal(t, int64(0), m.Retries.Load())
}

func TestRetriesExhaustedLeavesTaskFailed(t *testing.T) {
	d, _ := newDispatcher(Options{
		Workers: 1, ChunkSize: 1, MaxRetries: 2, RetryBackoff: time.Millisecond,
	})
	var attempts atomic.Int64

	err := d.Run(context.Background(), nil, entries(1), func(_ context.Context, _ *Task) abi.ParseStatus {
		attempts.Add(1)
		return abi.StatusError
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), attempts.Load())
}

func TestTimeoutIsTerminal(t *testing.T) {
	var failed []*Task
	var failStatus abi.ParseStatus
	opts := Options{
		Workers: 1, ChunkSize: 1, MaxRetries: 2,
		Timeout: 20 * time.Millisecond, RetryBackoff: time.Millisecond,
		OnFailure: func(task *Task, status abi.ParseStatus) {
			failed = append(failed, task)
			failStatus = status
		},
	}
	d, m := newDispatcher(opts)
	var attempts atomic.Int64

	err := d.Run(context.Background(), nil, entries(1), func(ctx context.Context, _ *Task) abi.ParseStatus {
		attempts.Add(1)
		<-ctx.Done()
		return abi.StatusError
	})
	require.NoError(t, err)
	// Terminal on the first timeout: the retry budget does not apply.
	assert.Equal(t, int64(1), attempts.Load())
	assert.Equal(t, int64(1), m.Timeouts.Load())
	require.Len(t, failed, 1)
	assert.True(t, failed[0].TimedOut)
	assert.Contains(t, failed[0].FailMsg, "timeout")
	assert.Equal(t, abi.StatusError, failStatus)
	assert.Equal(t, StateFailed, failed[0].State())
}

func TestOnFailureCalledOnceAfterRetriesExhausted(t *testing.T) {
	var calls atomic.Int64
	opts := Options{
		Workers: 1, ChunkSize: 1, MaxRetries: 1, RetryBackoff: time.Millisecond,
		OnFailure: func(*Task, abi.ParseStatus) { calls.Add(1) },
	}
	d, _ := newDispatcher(opts)

	err := d.Run(context.Background(), nil, entries(1), func(context.Context, *Task) abi.ParseStatus {
		return abi.StatusError
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), calls.Load())
}

func TestPanicInProcessIsContained(t *testing.T) {
	d, _ := newDispatcher(Options{Workers: 2, ChunkSize: 4})
	var count atomic.Int64

	err := d.Run(context.Background(), nil, entries(10), func(_ context.Context, task *Task) abi.ParseStatus {
		count.Add(1)
		if task.Entry.Path == "/corpus/0003.pdf" {
			panic("worker exploded")
		}
		return abi.StatusOK
	})
	require.NoError(t, err)
	assert.Equal(t, int64(10), count.Load())
}

func TestCancellationStopsHandoff(t *testing.T) {
	d, _ := newDispatcher(Options{Workers: 1, ChunkSize: 1})
	ctx, cancel := context.WithCancel(context.Background())
	var count atomic.Int64

	err := d.Run(ctx, nil, entries(1000), func(_ context.Context, _ *Task) abi.ParseStatus {
		if count.Add(1) == 5 {
			cancel()
		}
		return abi.StatusOK
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, count.Load(), int64(1000))
}

func TestCancellationDoesNotRecordFailures(t *testing.T) {
	// Shutdown interrupts documents; it does not condemn them. OnFailure
	// must stay silent so nothing terminal is checkpointed and a resumed
	// run picks the interrupted documents up again.
	var failures atomic.Int64
	opts := Options{
		Workers: 1, ChunkSize: 1, MaxRetries: 2, RetryBackoff: time.Millisecond,
		OnFailure: func(*Task, abi.ParseStatus) { failures.Add(1) },
	}
	d, _ := newDispatcher(opts)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := d.Run(ctx, nil, entries(3), func(_ context.Context, _ *Task) abi.ParseStatus {
		cancel()
		return abi.StatusError
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(0), failures.Load())
}

func TestCancellationDuringBackoffNotRecorded(t *testing.T) {
	var failures atomic.Int64
	opts := Options{
		Workers: 1, ChunkSize: 1, MaxRetries: 2, RetryBackoff: time.Hour,
		OnFailure: func(*Task, abi.ParseStatus) { failures.Add(1) },
	}
	d, _ := newDispatcher(opts)
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := d.Run(ctx, nil, entries(1), func(_ context.Context, _ *Task) abi.ParseStatus {
		return abi.StatusOutOfMemory
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(0), failures.Load())
}

func TestDrainFinishesInFlightOnly(t *testing.T) {
	d, _ := newDispatcher(Options{Workers: 1, ChunkSize: 1})
	drain := make(chan struct{})
	var count atomic.Int64

	err := d.Run(context.Background(), drain, entries(1000), func(_ context.Context, _ *Task) abi.ParseStatus {
		if count.Add(1) == 3 {
			close(drain)
		}
		return abi.StatusOK
	})
	require.NoError(t, err, "drain is a clean stop, not an error")
	assert.Equal(t, int64(3), count.Load())
}

func TestStateTransitions(t *testing.T) {
	d, _ := newDispatcher(Options{Workers: 1, ChunkSize: 1})
	var observed []State

	err := d.Run(context.Background(), nil, entries(1), func(_ context.Context, task *Task) abi.ParseStatus {
		observed = append(observed, task.State())
		task.SetState(StateStaging)
		task.SetState(StateWriting)
		return abi.StatusOK
	})
	require.NoError(t, err)
	assert.Equal(t, []State{StateParsing}, observed)
}
