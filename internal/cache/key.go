package cache

import (
	"fmt"
	"strconv"
	"strings"
)

// Key is the L1 cache key: canonical path plus mtime and size. It stays
// stable across runs as long as the file is untouched, which is exactly the
// staleness guarantee the caches promise.
type Key struct {
	Path    string
	MtimeNS int64
	Size    int64
}

// String renders the key in its journal/store form: path|mtimeNS|size.
func (k Key) String() string {
	var b strings.Builder
	b.Grow(len(k.Path) + 42)
	b.WriteString(k.Path)
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(k.MtimeNS, 10))
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(k.Size, 10))
	return b.String()
}

// ParseKey is the inverse of Key.String. Paths may contain '|' so the split
// is anchored at the last two separators.
func ParseKey(s string) (Key, error) {
	j := strings.LastIndexByte(s, '|')
	if j <= 0 {
		return Key{}, fmt.Errorf("cache: malformed key %q", s)
	}
	i := strings.LastIndexByte(s[:j], '|')
	if i <= 0 {
		return Key{}, fmt.Errorf("cache: malformed key %q", s)
	}
	mtime, err := strconv.ParseInt(s[i+1:j], 10, 64)
	if err != nil {
		return Key{}, fmt.Errorf("cache: malformed mtime in key %q: %w", s, err)
	}
	size, err := strconv.ParseInt(s[j+1:], 10, 64)
	if err != nil {
		return Key{}, fmt.Errorf("cache: malformed size in key %q: %w", s, err)
	}
	return Key{Path: s[:i], MtimeNS: mtime, Size: size}, nil
}
