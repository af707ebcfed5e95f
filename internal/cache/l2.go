package cache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// l2OpTimeout bounds every L2 round trip. The L2 store is advisory; a slow
// or absent endpoint must never stall the document path.
const l2OpTimeout = 2 * time.Second

// l2TTL ages entries out of the shared store. Content-hash keys cannot go
// stale, so the TTL only bounds storage, not correctness.
const l2TTL = 30 * 24 * time.Hour

// L2 is the optional cross-node store, keyed by 64-hex content hash over
// RESP2. All operations are best-effort: errors downgrade the run to
// L1-only behavior and are counted, not propagated.
type L2 struct {
	client *redis.Client
	log    *zap.Logger

	hits    atomic.Int64
	misses  atomic.Int64
	stores  atomic.Int64
	skipped atomic.Int64 // operations dropped due to transient errors
}

// NewL2 connects to the configured endpoint. addr is "host:port"; an empty
// addr yields a nil L2, which every method treats as a permanent miss.
func NewL2(addr string, log *zap.Logger) *L2 {
	if addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Protocol:     2, // RESP2 per the cache wire contract
		DialTimeout:  l2OpTimeout,
		ReadTimeout:  l2OpTimeout,
		WriteTimeout: l2OpTimeout,
	})
	return &L2{client: client, log: log}
}

// Get probes the store by content hash. Transient errors report as a miss.
func (l *L2) Get(ctx context.Context, contentHash string) (*Entry, bool) {
	if l == nil {
		return nil, false
	}
	ctx, cancel := context.WithTimeout(ctx, l2OpTimeout)
	defer cancel()

	v, err := l.client.Get(ctx, contentHash).Bytes()
	if err == redis.Nil {
		l.misses.Add(1)
		return nil, false
	}
	if err != nil {
		l.skipped.Add(1)
		l.log.Debug("L2 get failed, treating as miss", zap.Error(err))
		return nil, false
	}
	e, err := DecodeEntry(v)
	if err != nil {
		// A corrupt shared entry is somebody else's bug; ignore it.
		l.skipped.Add(1)
		l.log.Warn("L2 entry undecodable, ignoring", zap.String("hash", contentHash), zap.Error(err))
		return nil, false
	}
	l.hits.Add(1)
	return e, true
}

// Put publishes a result for other nodes. Best-effort by contract.
func (l *L2) Put(ctx context.Context, contentHash string, e *Entry) {
	if l == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, l2OpTimeout)
	defer cancel()

	if err := l.client.Set(ctx, contentHash, e.Encode(), l2TTL).Err(); err != nil {
		l.skipped.Add(1)
		l.log.Debug("L2 put failed, continuing L1-only", zap.Error(err))
		return
	}
	l.stores.Add(1)
}

// Stats reports counters for the run report.
func (l *L2) Stats() (hits, misses, stores, skipped int64) {
	if l == nil {
		return 0, 0, 0, 0
	}
	return l.hits.Load(), l.misses.Load(), l.stores.Load(), l.skipped.Load()
}

// Close releases the client connection pool.
func (l *L2) Close() error {
	if l == nil {
		return nil
	}
	return l.client.Close()
}
