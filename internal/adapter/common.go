package adapter

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/hyperpolymath/docudactyl-sub001/internal/abi"
	"github.com/hyperpolymath/docudactyl-sub001/internal/conduit"
)

// maxInlineRead caps how much of a document a built-in backend pulls into
// memory. Larger files are parsed from their head; the native libraries this
// layer stands in for stream instead.
const maxInlineRead = 64 << 20

// readInput loads the document body, mapping open failures onto the ABI
// status taxonomy.
func readInput(path string, res *abi.ParseResult) ([]byte, bool) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			res.SetError(abi.StatusFileNotFound, "file not found: "+path)
		} else {
			res.SetError(abi.StatusError, "open failed: "+err.Error())
		}
		return nil, false
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		res.SetError(abi.StatusError, "stat failed: "+err.Error())
		return nil, false
	}
	n := info.Size()
	if n > maxInlineRead {
		n = maxInlineRead
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(f, buf); err != nil && n > 0 {
		res.SetError(abi.StatusError, "read failed: "+err.Error())
		return nil, false
	}
	return buf, true
}

// finishText fills the text-derived fields and the content hash, then marks
// the result ok. The conduit's hash is authoritative when present; a backend
// only computes one for the conduit-disabled path.
func finishText(doc *Document, req Request, text []byte) {
	doc.Text = text
	doc.Result.WordCount = int64(countWords(text))
	doc.Result.CharCount = int64(utf8.RuneCount(text))

	hash := req.ContentHash
	if hash == "" {
		if h, err := conduit.Hash(req.Path); err == nil {
			hash = h
		}
	}
	if hash != "" {
		_ = doc.Result.SetSHA256(hash)
		doc.Result.Status = abi.StatusOK
		return
	}
	doc.Result.SetError(abi.StatusError, "content hash unavailable for "+req.Path)
}

func countWords(text []byte) int {
	n := 0
	inWord := false
	for _, r := range string(text) {
		if unicode.IsSpace(r) {
			inWord = false
		} else if !inWord {
			inWord = true
			n++
		}
	}
	return n
}

// collapseSpace squeezes runs of whitespace, used by the extractors when
// reassembling text from container fragments.
func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
