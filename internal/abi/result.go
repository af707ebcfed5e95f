package abi

import (
	"bytes"
	"fmt"
	"unsafe"
)

// Byte capacities of the fixed character fields in ParseResult.
const (
	SHA256Cap   = 65 // 64 hex digits + NUL
	ErrorMsgCap = 256
	TitleCap    = 256
	AuthorCap   = 256
	MimeTypeCap = 64
)

// ParseResult is the record returned by value from every native parse call.
// The layout is frozen at exactly 952 bytes with 8-byte alignment; padding
// fields are explicit so that Go's layout matches the C declaration.
type ParseResult struct {
	Status      ParseStatus // offset 0
	ContentKind ContentKind // offset 4
	PageCount   int32       // offset 8
	_           [4]byte
	WordCount   int64   // offset 16
	CharCount   int64   // offset 24
	DurationSec float64 // offset 32
	ParseTimeMS float64 // offset 40
	SHA256      [SHA256Cap]byte // offset 48, NUL-terminated hex
	_           [7]byte
	ErrorMsg    [ErrorMsgCap]byte // offset 120
	Title       [TitleCap]byte    // offset 376
	Author      [AuthorCap]byte   // offset 632
	MimeType    [MimeTypeCap]byte // offset 888
}

// ParseResultSize is the frozen wire size of ParseResult.
const ParseResultSize = 952

// Layout is part of the ABI: refuse to compile if the struct drifts.
var _ [unsafe.Sizeof(ParseResult{}) - ParseResultSize]byte
var _ [ParseResultSize - unsafe.Sizeof(ParseResult{})]byte
var _ [unsafe.Alignof(ParseResult{}) - 8]byte
var _ [8 - unsafe.Alignof(ParseResult{})]byte

// Validation is the conduit's verdict on a file before parsing.
type Validation int32

const (
	ValidationOK Validation = iota
	ValidationTooSmall
	ValidationBadMagic
	ValidationUnreadable
)

func (v Validation) String() string {
	switch v {
	case ValidationOK:
		return "ok"
	case ValidationTooSmall:
		return "too-small"
	case ValidationBadMagic:
		return "bad-magic"
	case ValidationUnreadable:
		return "unreadable"
	}
	return fmt.Sprintf("Validation(%d)", int32(v))
}

// ConduitResult is the fixed 88-byte preprocessing record: detected kind,
// validation verdict, observed size, and the content hash when one was
// requested (empty hash field otherwise).
type ConduitResult struct {
	Kind        ContentKind // offset 0
	Validation  Validation  // offset 4
	FileSize    int64       // offset 8
	ContentHash [SHA256Cap]byte // offset 16
	_           [7]byte
}

// ConduitResultSize is the frozen wire size of ConduitResult.
const ConduitResultSize = 88

var _ [unsafe.Sizeof(ConduitResult{}) - ConduitResultSize]byte
var _ [ConduitResultSize - unsafe.Sizeof(ConduitResult{})]byte

// AssertLayout re-checks the frozen offsets at runtime. The adapter calls this
// once at initialization so a miscompiled build fails loudly before any
// document is touched.
func AssertLayout() error {
	var r ParseResult
	offsets := []struct {
		name string
		got  uintptr
		want uintptr
	}{
		{"status", unsafe.Offsetof(r.Status), 0},
		{"content_kind", unsafe.Offsetof(r.ContentKind), 4},
		{"page_count", unsafe.Offsetof(r.PageCount), 8},
		{"word_count", unsafe.Offsetof(r.WordCount), 16},
		{"char_count", unsafe.Offsetof(r.CharCount), 24},
		{"duration_sec", unsafe.Offsetof(r.DurationSec), 32},
		{"parse_time_ms", unsafe.Offsetof(r.ParseTimeMS), 40},
		{"sha256", unsafe.Offsetof(r.SHA256), 48},
		{"error_msg", unsafe.Offsetof(r.ErrorMsg), 120},
		{"title", unsafe.Offsetof(r.Title), 376},
		{"author", unsafe.Offsetof(r.Author), 632},
		{"mime_type", unsafe.Offsetof(r.MimeType), 888},
	}
	for _, o := range offsets {
		if o.got != o.want {
			return fmt.Errorf("abi: ParseResult.%s at offset %d, contract requires %d", o.name, o.got, o.want)
		}
	}
	if s := unsafe.Sizeof(r); s != ParseResultSize {
		return fmt.Errorf("abi: sizeof(ParseResult) = %d, contract requires %d", s, ParseResultSize)
	}
	var c ConduitResult
	if s := unsafe.Sizeof(c); s != ConduitResultSize {
		return fmt.Errorf("abi: sizeof(ConduitResult) = %d, contract requires %d", s, ConduitResultSize)
	}
	return nil
}

// CString extracts a NUL-terminated fixed-capacity field as a Go string.
func CString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

// PutCString copies s into a fixed-capacity field, truncating to capacity-1
// bytes and guaranteeing NUL termination. Returns the number of bytes stored.
func PutCString(dst []byte, s string) int {
	n := len(s)
	if n > len(dst)-1 {
		n = len(dst) - 1
	}
	copy(dst[:n], s[:n])
	dst[n] = 0
	// Clear any stale tail so records compare bytewise.
	for i := n + 1; i < len(dst); i++ {
		dst[i] = 0
	}
	return n
}

// SetError records a status and a truncated message on the result.
func (r *ParseResult) SetError(status ParseStatus, msg string) {
	r.Status = status
	PutCString(r.ErrorMsg[:], msg)
}

// SetSHA256 stores a 64-hex content hash. Short or oversized input is
// rejected so a malformed backend cannot smuggle a bad hash past the contract.
func (r *ParseResult) SetSHA256(hexDigest string) error {
	if len(hexDigest) != 64 {
		return fmt.Errorf("abi: sha256 digest must be 64 hex chars, got %d", len(hexDigest))
	}
	PutCString(r.SHA256[:], hexDigest)
	return nil
}

// isHex64 reports whether the hash field holds exactly 64 lowercase-or-upper
// hex digits followed by NUL.
func isHex64(b []byte) bool {
	if len(b) < 65 || b[64] != 0 {
		return false
	}
	for _, c := range b[:64] {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// Check validates the internal consistency of a result coming back across the
// adapter boundary. A violation here is an internal bug, not a document
// failure: status ok requires a known content kind and a well-formed hash.
func (r *ParseResult) Check() error {
	if !r.Status.Valid() {
		return fmt.Errorf("abi: impossible status %d", int32(r.Status))
	}
	if !r.ContentKind.Valid() {
		return fmt.Errorf("abi: impossible content kind %d", int32(r.ContentKind))
	}
	if r.Status == StatusOK {
		if r.ContentKind == KindUnknown {
			return fmt.Errorf("abi: status ok with content kind unknown")
		}
		if !isHex64(r.SHA256[:]) {
			return fmt.Errorf("abi: status ok with malformed sha256 field")
		}
		if CString(r.MimeType[:]) == "" {
			return fmt.Errorf("abi: status ok with empty mime type")
		}
	}
	return nil
}

// Marshal serializes the record to its frozen 952-byte wire image.
func (r *ParseResult) Marshal() []byte {
	buf := make([]byte, ParseResultSize)
	// The struct layout is the wire layout; copy the memory image directly.
	copy(buf, (*(*[ParseResultSize]byte)(unsafe.Pointer(r)))[:])
	return buf
}

// UnmarshalParseResult reconstructs a record from its wire image.
func UnmarshalParseResult(b []byte) (*ParseResult, error) {
	if len(b) != ParseResultSize {
		return nil, fmt.Errorf("abi: ParseResult blob is %d bytes, want %d", len(b), ParseResultSize)
	}
	r := new(ParseResult)
	copy((*(*[ParseResultSize]byte)(unsafe.Pointer(r)))[:], b)
	return r, nil
}
