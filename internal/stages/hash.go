package stages

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"math/bits"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/hyperpolymath/docudactyl-sub001/internal/abi"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
)

// stagePerceptualHash computes the 8x8 average hash: downsample to an 8x8
// grayscale grid, threshold each cell against the grid mean, and pack the 64
// bits row-major into 16 hex characters.
func stagePerceptualHash(_ *Pipeline, in *Input, r *Results) error {
	data, err := in.Source()
	if err != nil {
		return err
	}
	h, err := averageHash(data)
	if err != nil {
		return err
	}
	r.PerceptualHash = fmt.Sprintf("%016x", h)
	return nil
}

func averageHash(data []byte) (uint64, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("image decode: %w", err)
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return 0, fmt.Errorf("image has empty bounds")
	}

	var cells [64]uint64
	var total uint64
	for gy := 0; gy < 8; gy++ {
		for gx := 0; gx < 8; gx++ {
			// Nearest-pixel sample at the cell center.
			x := b.Min.X + (2*gx+1)*b.Dx()/16
			y := b.Min.Y + (2*gy+1)*b.Dy()/16
			cr, cg, cb, _ := img.At(x, y).RGBA()
			// ITU-R 601 luma, 16-bit channels.
			luma := (299*uint64(cr) + 587*uint64(cg) + 114*uint64(cb)) / 1000
			cells[gy*8+gx] = luma
			total += luma
		}
	}
	mean := total / 64

	var h uint64
	for i, luma := range cells {
		if luma > mean {
			h |= 1 << uint(63-i)
		}
	}
	return h, nil
}

// merkleLeafSize is the fixed leaf width of the content Merkle tree.
const merkleLeafSize = 4096

// stageMerkle builds a SHA-256 Merkle tree over fixed 4 KiB leaves. An odd
// node at any level is paired with itself. An empty file hashes one empty
// leaf so every document has a root.
func stageMerkle(_ *Pipeline, in *Input, r *Results) error {
	data, err := in.Source()
	if err != nil {
		return err
	}
	r.MerkleRoot = hex.EncodeToString(merkleRoot(data))
	return nil
}

func merkleRoot(data []byte) []byte {
	var level [][]byte
	if len(data) == 0 {
		sum := sha256.Sum256(nil)
		level = append(level, sum[:])
	}
	for off := 0; off < len(data); off += merkleLeafSize {
		end := min(off+merkleLeafSize, len(data))
		sum := sha256.Sum256(data[off:end])
		level = append(level, sum[:])
	}

	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			right := level[i]
			if i+1 < len(level) {
				right = level[i+1]
			}
			sum := sha256.Sum256(append(append([]byte{}, level[i]...), right...))
			next = append(next, sum[:])
		}
		level = next
	}
	return level[0]
}

// stagePREMIS emits the preservation-metadata triplet: fixity digest,
// object size, and format designation.
func stagePREMIS(_ *Pipeline, in *Input, r *Results) error {
	r.PremisFixity = abi.CString(in.Result.SHA256[:])
	r.PremisSize = in.Result.CharCount
	if fi := statSize(in.Path); fi >= 0 {
		r.PremisSize = fi
	}
	r.PremisFormat = abi.CString(in.Result.MimeType[:])
	return nil
}

// stageExactDedup registers the document's content hash and reports the
// first earlier path that carried the same bytes. First occurrence wins;
// the registry is node-local.
func stageExactDedup(p *Pipeline, in *Input, r *Results) error {
	sha := abi.CString(in.Result.SHA256[:])
	if sha == "" {
		return fmt.Errorf("document has no content hash")
	}
	r.ExactDupOf, r.ExactDuplicate = p.dedup.RecordExact(sha, in.Path)
	return nil
}

// nearDupMaxDistance is the Hamming threshold for calling two fingerprints
// near-duplicates, out of 64 bits.
const nearDupMaxDistance = 10

// stageNearDedup fingerprints the document (average hash for images,
// simhash over tokens for text) and scans the node-local registry for a
// fingerprint within the Hamming threshold.
func stageNearDedup(p *Pipeline, in *Input, r *Results) error {
	var fp uint64
	if in.kind() == abi.KindImage {
		data, err := in.Source()
		if err != nil {
			return err
		}
		fp, err = averageHash(data)
		if err != nil {
			return err
		}
	} else {
		fp = simhash(tokenize(string(in.Text)))
	}
	r.NearDupOf, r.NearDuplicate = p.dedup.RecordNear(fp, in.Path)
	return nil
}

// simhash folds 64-bit token hashes into one locality-sensitive fingerprint.
func simhash(tokens []string) uint64 {
	var weights [64]int
	for _, tok := range tokens {
		h := xxhash.Sum64String(tok)
		for bit := 0; bit < 64; bit++ {
			if h&(1<<uint(bit)) != 0 {
				weights[bit]++
			} else {
				weights[bit]--
			}
		}
	}
	var fp uint64
	for bit, w := range weights {
		if w > 0 {
			fp |= 1 << uint(bit)
		}
	}
	return fp
}

// dedupRegistryCap bounds the near-duplicate scan window per node.
const dedupRegistryCap = 100000

type nearEntry struct {
	fp   uint64
	path string
}

// DedupRegistry tracks content hashes and fingerprints seen by this node.
// Safe for concurrent use by all workers.
type DedupRegistry struct {
	mu    sync.Mutex
	exact map[string]string
	near  []nearEntry
}

func NewDedupRegistry() *DedupRegistry {
	return &DedupRegistry{exact: make(map[string]string)}
}

// RecordExact registers sha for path and returns the first path that
// already held it, if any.
func (d *DedupRegistry) RecordExact(sha, path string) (dupOf string, isDup bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if first, ok := d.exact[sha]; ok {
		return first, true
	}
	d.exact[sha] = path
	return "", false
}

// RecordNear registers the fingerprint and returns the closest earlier path
// within the Hamming threshold, if any.
func (d *DedupRegistry) RecordNear(fp uint64, path string) (dupOf string, isDup bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	best, bestDist := "", nearDupMaxDistance+1
	for _, e := range d.near {
		if dist := bits.OnesCount64(e.fp ^ fp); dist < bestDist {
			best, bestDist = e.path, dist
		}
	}
	if len(d.near) == dedupRegistryCap {
		copy(d.near, d.near[1:])
		d.near = d.near[:dedupRegistryCap-1]
	}
	d.near = append(d.near, nearEntry{fp: fp, path: path})
	if bestDist <= nearDupMaxDistance {
		return best, true
	}
	return "", false
}
