// Package conduit is the per-file preprocessor in front of the parser
// adapter: one stat, one header read, a verdict. It keeps obviously invalid
// input away from the native backends and precomputes the content hash the
// caches key on, so the hot path never opens a file twice for the same
// purpose.
package conduit

import (
	"encoding/hex"
	"io"
	"os"

	"github.com/minio/sha256-simd"
	"go.uber.org/zap"

	"github.com/hyperpolymath/docudactyl-sub001/internal/abi"
)

// Conduit preprocesses manifest entries before dispatch to the adapter.
type Conduit struct {
	log *zap.Logger
}

// New creates a conduit.
func New(log *zap.Logger) *Conduit {
	return &Conduit{log: log}
}

// Options controls one Process call.
type Options struct {
	// KnownSize skips the stat when the enriched manifest already carries the
	// file size. Negative means unknown.
	KnownSize int64
	// WantHash streams the whole file once through SHA-256 and records the
	// digest in the result.
	WantHash bool
}

// Process stats, sniffs, validates, and optionally hashes one file. The
// returned record is always meaningful; an unreadable file yields
// ValidationUnreadable rather than an error, because a bad document is a
// per-document outcome, not an infrastructure failure.
func (c *Conduit) Process(path string, opts Options) abi.ConduitResult {
	res := abi.ConduitResult{Kind: abi.KindUnknown, FileSize: -1}

	if opts.KnownSize >= 0 {
		res.FileSize = opts.KnownSize
	} else {
		info, err := os.Stat(path)
		if err != nil {
			res.Validation = abi.ValidationUnreadable
			return res
		}
		res.FileSize = info.Size()
	}

	f, err := os.Open(path)
	if err != nil {
		res.Validation = abi.ValidationUnreadable
		return res
	}
	defer f.Close()

	hdr := make([]byte, SniffLen)
	n, err := io.ReadFull(f, hdr)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		res.Validation = abi.ValidationUnreadable
		return res
	}
	hdr = hdr[:n]

	format := Classify(hdr)
	if format == nil {
		res.Validation = abi.ValidationBadMagic
		return res
	}
	res.Kind = format.Kind

	if res.FileSize < format.MinSize {
		res.Validation = abi.ValidationTooSmall
		return res
	}
	if format.Kind == abi.KindImage {
		if w, h, ok := imageDims(format, hdr); ok && (w < minImageDim || h < minImageDim) {
			c.log.Debug("image below minimum dimensions",
				zap.String("path", path), zap.Int("width", w), zap.Int("height", h))
			res.Validation = abi.ValidationTooSmall
			return res
		}
	}

	if opts.WantHash {
		// sha256-simd picks the SHA-extension implementation at runtime when
		// the CPU has one; otherwise it behaves like crypto/sha256.
		h := sha256.New()
		h.Write(hdr)
		if _, err := io.Copy(h, f); err != nil {
			res.Validation = abi.ValidationUnreadable
			return res
		}
		digest := hex.EncodeToString(h.Sum(nil))
		copy(res.ContentHash[:], digest)
		res.ContentHash[64] = 0
	}

	res.Validation = abi.ValidationOK
	return res
}

// Hash streams a file through SHA-256 independent of classification. The
// cache layer uses this when the conduit is disabled but a content hash is
// still needed for L2.
func Hash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
