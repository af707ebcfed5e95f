package cache

import (
	"context"

	"golang.org/x/sync/singleflight"
)

// Flight deduplicates concurrent parses of the same L1 key within a node.
// The first caller becomes the primary and runs fn to completion; later
// callers block on the same in-flight result. A waiter whose context expires
// gives up alone: the primary's work is never cancelled on a waiter's behalf.
type Flight struct {
	g singleflight.Group
}

// Do runs fn under the key's flight. shared is true when the value was
// produced by another caller's invocation.
func (f *Flight) Do(ctx context.Context, key string, fn func() (*Entry, error)) (entry *Entry, shared bool, err error) {
	ch := f.g.DoChan(key, func() (interface{}, error) {
		return fn()
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		return res.Val.(*Entry), res.Shared, nil
	case <-ctx.Done():
		// Only the waiter gives up. The primary keeps running and will
		// publish its result for any later lookup.
		return nil, false, ctx.Err()
	}
}
