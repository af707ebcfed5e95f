package manifest

import (
	"os"

	"go.uber.org/zap"
)

// prefetchReadCap bounds how much of each upcoming file the prefetcher pulls
// through the page cache. Most documents in an archival corpus fit well
// under this; for larger ones warming the head still covers the conduit's
// sniff and the parser's first reads.
const prefetchReadCap = 1 << 20

// Prefetcher warms the page cache for upcoming manifest entries. It holds a
// sliding window of pending paths; enqueueing beyond the window drops the
// oldest benefit rather than blocking the dispatcher, because read-ahead is
// an optimization and must never become backpressure of its own.
type Prefetcher struct {
	queue chan string
	done  chan struct{}
	log   *zap.Logger
}

// NewPrefetcher starts the read-ahead worker. A window of zero or less
// disables prefetching; Enqueue becomes a no-op.
func NewPrefetcher(window int, log *zap.Logger) *Prefetcher {
	if window <= 0 {
		return &Prefetcher{log: log}
	}
	p := &Prefetcher{
		queue: make(chan string, window),
		done:  make(chan struct{}),
		log:   log,
	}
	go p.loop()
	return p
}

// Enqueue registers an upcoming path. Never blocks; when the window is full
// the entry is simply not warmed.
func (p *Prefetcher) Enqueue(path string) {
	if p.queue == nil {
		return
	}
	select {
	case p.queue <- path:
	default:
	}
}

// Close stops the worker after draining pending entries.
func (p *Prefetcher) Close() {
	if p.queue == nil {
		return
	}
	close(p.queue)
	<-p.done
}

func (p *Prefetcher) loop() {
	defer close(p.done)
	buf := make([]byte, 64*1024)
	for path := range p.queue {
		f, err := os.Open(path)
		if err != nil {
			continue // the worker will report the real failure
		}
		var read int64
		for read < prefetchReadCap {
			n, err := f.Read(buf)
			read += int64(n)
			if err != nil {
				break
			}
		}
		f.Close()
	}
}
