// Package cache implements the two-level result cache: an embedded per-node
// store keyed by (path, mtime, size) and an optional cross-node store keyed
// by content hash. Both hold the same value: the 952-byte ParseResult image,
// the extracted text, and the framed stage-results record, so a cache hit
// can rematerialize the full output without touching the source file.
package cache

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/hyperpolymath/docudactyl-sub001/internal/abi"
)

var resultsBucket = []byte("results")

// Entry is a cached document result.
type Entry struct {
	Result    *abi.ParseResult
	Text      []byte // extracted content, may be empty
	StageBlob []byte // framed StageResults record, may be empty
}

// Encode packs an entry into its stored form: the ParseResult image, a
// length-prefixed text section, then the stage record (self-framing).
func (e *Entry) Encode() []byte {
	blob := e.Result.Marshal()
	out := make([]byte, 0, len(blob)+4+len(e.Text)+len(e.StageBlob))
	out = append(out, blob...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(e.Text)))
	out = append(out, e.Text...)
	out = append(out, e.StageBlob...)
	return out
}

// DecodeEntry unpacks a stored value.
func DecodeEntry(v []byte) (*Entry, error) {
	if len(v) < abi.ParseResultSize+4 {
		return nil, fmt.Errorf("cache: entry is %d bytes, smaller than a ParseResult", len(v))
	}
	r, err := abi.UnmarshalParseResult(v[:abi.ParseResultSize])
	if err != nil {
		return nil, err
	}
	e := &Entry{Result: r}
	rest := v[abi.ParseResultSize:]
	textLen := int(binary.BigEndian.Uint32(rest))
	rest = rest[4:]
	if textLen > len(rest) {
		return nil, fmt.Errorf("cache: entry text length %d exceeds %d stored bytes", textLen, len(rest))
	}
	if textLen > 0 {
		e.Text = append([]byte(nil), rest[:textLen]...)
	}
	if rest = rest[textLen:]; len(rest) > 0 {
		e.StageBlob = append([]byte(nil), rest...)
	}
	return e, nil
}

// storeReq is one write submitted to the single-writer loop.
type storeReq struct {
	key  []byte
	val  []byte
	done chan error // nil for fire-and-forget
}

// writeBatchMax bounds how many pending stores one transaction absorbs.
const writeBatchMax = 128

// L1 is the embedded per-node store. bbolt gives it memory-mapped reads,
// one writer with any number of concurrent readers, and per-transaction
// durability. All writes funnel through a single goroutine fed by storeCh,
// so workers never contend on the write lock.
type L1 struct {
	db      *bolt.DB
	log     *zap.Logger
	storeCh chan storeReq
	closing chan struct{}
	drained chan struct{}

	hits   atomic.Int64
	misses atomic.Int64
	stores atomic.Int64
}

// OpenL1 opens (creating if needed) the node's result store under dir.
// sizeMB seeds the initial mmap so a large run does not grow the map
// incrementally. Failure here is catastrophic for the node (exit code 3).
func OpenL1(dir string, sizeMB int, log *zap.Logger) (*L1, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("cache: creating L1 dir %s: %w", dir, err)
	}
	path := filepath.Join(dir, "results.db")
	db, err := bolt.Open(path, 0644, &bolt.Options{
		Timeout:         5 * time.Second,
		InitialMmapSize: sizeMB << 20,
	})
	if err != nil {
		return nil, fmt.Errorf("cache: opening L1 store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(resultsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: initializing L1 bucket: %w", err)
	}

	l1 := &L1{
		db:      db,
		log:     log,
		storeCh: make(chan storeReq, writeBatchMax*2),
		closing: make(chan struct{}),
		drained: make(chan struct{}),
	}
	go l1.writeLoop()
	return l1, nil
}

// Get looks up a key. The boolean is false on miss.
func (l *L1) Get(key Key) (*Entry, bool, error) {
	var entry *Entry
	err := l.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(resultsBucket).Get([]byte(key.String()))
		if v == nil {
			return nil
		}
		// v aliases the mmap and is only valid inside the transaction;
		// DecodeEntry copies everything it keeps.
		e, err := DecodeEntry(v)
		if err != nil {
			return err
		}
		entry = e
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if entry == nil {
		l.misses.Add(1)
		return nil, false, nil
	}
	l.hits.Add(1)
	return entry, true, nil
}

// Store submits a write to the writer loop and returns without waiting.
// Use StoreSync when durability must precede the next step.
func (l *L1) Store(key Key, e *Entry) {
	select {
	case l.storeCh <- storeReq{key: []byte(key.String()), val: e.Encode()}:
	case <-l.closing:
	}
}

// StoreSync submits a write and blocks until it is committed.
func (l *L1) StoreSync(key Key, e *Entry) error {
	done := make(chan error, 1)
	select {
	case l.storeCh <- storeReq{key: []byte(key.String()), val: e.Encode(), done: done}:
		return <-done
	case <-l.closing:
		return fmt.Errorf("cache: L1 store is closing")
	}
}

// Count returns the entry cardinality without scanning.
func (l *L1) Count() (int, error) {
	var n int
	err := l.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(resultsBucket).Stats().KeyN
		return nil
	})
	return n, err
}

// Stats reports hit/miss/store counters for the run report.
func (l *L1) Stats() (hits, misses, stores int64) {
	return l.hits.Load(), l.misses.Load(), l.stores.Load()
}

// Close drains pending writes and closes the store.
func (l *L1) Close() error {
	close(l.closing)
	<-l.drained
	return l.db.Close()
}

// writeLoop is the designated single writer. It batches whatever is pending
// into one transaction, which keeps per-document write cost low at high
// throughput while preserving per-transaction durability.
func (l *L1) writeLoop() {
	defer close(l.drained)
	for {
		var first storeReq
		select {
		case first = <-l.storeCh:
		case <-l.closing:
			l.flushRemaining()
			return
		}

		batch := []storeReq{first}
	fill:
		for len(batch) < writeBatchMax {
			select {
			case req := <-l.storeCh:
				batch = append(batch, req)
			default:
				break fill
			}
		}
		l.commit(batch)
	}
}

func (l *L1) flushRemaining() {
	for {
		select {
		case req := <-l.storeCh:
			l.commit([]storeReq{req})
		default:
			return
		}
	}
}

func (l *L1) commit(batch []storeReq) {
	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(resultsBucket)
		for _, req := range batch {
			if err := b.Put(req.key, req.val); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		l.log.Error("L1 batch commit failed", zap.Int("batch", len(batch)), zap.Error(err))
	} else {
		l.stores.Add(int64(len(batch)))
	}
	for _, req := range batch {
		if req.done != nil {
			req.done <- err
		}
	}
}
