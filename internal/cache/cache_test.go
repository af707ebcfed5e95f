package cache

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hyperpolymath/docudactyl-sub001/internal/abi"
)

func TestKeyRoundTrip(t *testing.T) {
	cases := []Key{
		{Path: "/data/a.pdf", MtimeNS: 1700000000123456789, Size: 4096},
		{Path: "/weird|path|with|pipes.pdf", MtimeNS: 42, Size: 0},
		{Path: "rel/path.epub", MtimeNS: -1, Size: 1 << 40},
	}
	for _, k := range cases {
		back, err := ParseKey(k.String())
		require.NoError(t, err, k.String())
		assert.Equal(t, k, back)
	}

	_, err := ParseKey("nopipes")
	assert.Error(t, err)
	_, err = ParseKey("a|b|notanumber")
	assert.Error(t, err)
}

func okResult(t *testing.T) *abi.ParseResult {
	t.Helper()
	r := &abi.ParseResult{Status: abi.StatusOK, ContentKind: abi.KindPDF, PageCount: 3, WordCount: 100}
	require.NoError(t, r.SetSHA256(strings.Repeat("ab", 32)))
	abi.PutCString(r.MimeType[:], "application/pdf")
	return r
}

func TestEntryEncodeDecode(t *testing.T) {
	e := &Entry{
		Result:    okResult(t),
		Text:      []byte("the extracted body text"),
		StageBlob: []byte("stage-record-bytes"),
	}
	back, err := DecodeEntry(e.Encode())
	require.NoError(t, err)
	assert.Equal(t, *e.Result, *back.Result)
	assert.Equal(t, e.Text, back.Text)
	assert.Equal(t, e.StageBlob, back.StageBlob)

	// Text and stage blob are both optional.
	bare := &Entry{Result: okResult(t)}
	back, err = DecodeEntry(bare.Encode())
	require.NoError(t, err)
	assert.Empty(t, back.Text)
	assert.Empty(t, back.StageBlob)

	_, err = DecodeEntry(make([]byte, 100))
	assert.Error(t, err)
}

func TestL1StoreAndGet(t *testing.T) {
	l1, err := OpenL1(t.TempDir(), 16, zap.NewNop())
	require.NoError(t, err)
	defer l1.Close()

	key := Key{Path: "/corpus/doc.pdf", MtimeNS: 12345, Size: 678}
	_, hit, err := l1.Get(key)
	require.NoError(t, err)
	assert.False(t, hit)

	entry := &Entry{Result: okResult(t), StageBlob: []byte{1, 2, 3}}
	require.NoError(t, l1.StoreSync(key, entry))

	got, hit, err := l1.Get(key)
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, *entry.Result, *got.Result)
	assert.Equal(t, entry.StageBlob, got.StageBlob)

	n, err := l1.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	hits, misses, stores := l1.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)
	assert.Equal(t, int64(1), stores)
}

func TestL1SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	key := Key{Path: "/corpus/doc.pdf", MtimeNS: 1, Size: 2}

	l1, err := OpenL1(dir, 16, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, l1.StoreSync(key, &Entry{Result: okResult(t)}))
	require.NoError(t, l1.Close())

	l1, err = OpenL1(dir, 16, zap.NewNop())
	require.NoError(t, err)
	defer l1.Close()
	_, hit, err := l1.Get(key)
	require.NoError(t, err)
	assert.True(t, hit, "entries must survive restart")
}

func TestL1AsyncStoreDrainsOnClose(t *testing.T) {
	dir := t.TempDir()
	l1, err := OpenL1(dir, 16, zap.NewNop())
	require.NoError(t, err)

	for i := 0; i < 300; i++ {
		key := Key{Path: "/corpus/doc.pdf", MtimeNS: int64(i), Size: 1}
		l1.Store(key, &Entry{Result: okResult(t)})
	}
	require.NoError(t, l1.Close())

	l1, err = OpenL1(dir, 16, zap.NewNop())
	require.NoError(t, err)
	defer l1.Close()
	n, err := l1.Count()
	require.NoError(t, err)
	assert.Equal(t, 300, n, "async stores must be committed by Close")
}

func TestFlightDeduplicates(t *testing.T) {
	var f Flight
	var calls atomic.Int64
	release := make(chan struct{})

	fn := func() (*Entry, error) {
		calls.Add(1)
		<-release
		return &Entry{Result: okResult(t)}, nil
	}

	const waiters = 8
	var wg sync.WaitGroup
	results := make([]*Entry, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, _, err := f.Do(context.Background(), "same-key", fn)
			assert.NoError(t, err)
			results[i] = e
		}(i)
	}

	// Let the goroutines pile onto the flight before releasing the primary.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load(), "fn must run once per key")
	for _, e := range results {
		require.NotNil(t, e)
	}
}

func TestFlightWaiterTimeoutDoesNotCancelPrimary(t *testing.T) {
	var f Flight
	primaryDone := make(chan struct{})

	go func() {
		_, _, err := f.Do(context.Background(), "slow-key", func() (*Entry, error) {
			time.Sleep(200 * time.Millisecond)
			return &Entry{Result: okResult(t)}, nil
		})
		assert.NoError(t, err)
		close(primaryDone)
	}()

	// Give the primary a moment to claim the key.
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, _, err := f.Do(ctx, "slow-key", func() (*Entry, error) {
		t.Error("waiter must join the existing flight, not start its own")
		return nil, nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	select {
	case <-primaryDone:
	case <-time.After(time.Second):
		t.Fatal("primary did not complete after waiter timeout")
	}
}

func TestL2NilIsAlwaysMiss(t *testing.T) {
	var l2 *L2
	_, hit := l2.Get(context.Background(), strings.Repeat("ab", 32))
	assert.False(t, hit)
	l2.Put(context.Background(), strings.Repeat("ab", 32), &Entry{Result: okResult(t)})
	h, m, s, sk := l2.Stats()
	assert.Zero(t, h+m+s+sk)
	assert.NoError(t, l2.Close())
}
