// Package abi defines the fixed-layout records and enumerations shared with the
// native parser layer. Sizes, offsets, and integer mappings are part of the
// public contract: they are asserted at compile time below and again at adapter
// initialization, and must hold on any 64-bit platform where int32=4, int64=8,
// f64=8, char=1.
package abi

import "fmt"

// ContentKind identifies the detected document family. The integer values cross
// the adapter boundary and must never be renumbered.
type ContentKind int32

const (
	KindPDF ContentKind = iota
	KindImage
	KindAudio
	KindVideo
	KindEPUB
	KindGeospatial
	KindUnknown
)

// NumContentKinds is the cardinality of the ContentKind enumeration.
const NumContentKinds = 7

var contentKindNames = [NumContentKinds]string{
	"pdf", "image", "audio", "video", "epub", "geospatial", "unknown",
}

func (k ContentKind) String() string {
	if k < 0 || int(k) >= NumContentKinds {
		return fmt.Sprintf("ContentKind(%d)", int32(k))
	}
	return contentKindNames[k]
}

// Valid reports whether k is one of the seven declared variants.
func (k ContentKind) Valid() bool {
	return k >= 0 && int(k) < NumContentKinds
}

// ContentKindFromInt maps an adapter-side integer back to a ContentKind.
// The mapping is the inverse of the constant block above.
func ContentKindFromInt(v int32) (ContentKind, bool) {
	k := ContentKind(v)
	return k, k.Valid()
}

// ParseStatus is the terminal status of one parse invocation.
type ParseStatus int32

const (
	StatusOK ParseStatus = iota
	StatusError
	StatusFileNotFound
	StatusParseError
	StatusNullPointer
	StatusUnsupportedFormat
	StatusOutOfMemory
)

// NumParseStatuses is the cardinality of the ParseStatus enumeration.
const NumParseStatuses = 7

var parseStatusNames = [NumParseStatuses]string{
	"ok", "error", "file-not-found", "parse-error",
	"null-pointer", "unsupported-format", "out-of-memory",
}

func (s ParseStatus) String() string {
	if s < 0 || int(s) >= NumParseStatuses {
		return fmt.Sprintf("ParseStatus(%d)", int32(s))
	}
	return parseStatusNames[s]
}

// Valid reports whether s is one of the seven declared variants.
func (s ParseStatus) Valid() bool {
	return s >= 0 && int(s) < NumParseStatuses
}

// ParseStatusFromInt maps an adapter-side integer back to a ParseStatus.
func ParseStatusFromInt(v int32) (ParseStatus, bool) {
	s := ParseStatus(v)
	return s, s.Valid()
}

// IsRetryable reports whether a document with this status may be re-attempted.
// Only generic errors and out-of-memory conditions qualify; everything else is
// terminal for the document.
func (s ParseStatus) IsRetryable() bool {
	return s == StatusError || s == StatusOutOfMemory
}

// OutputFormat selects the serialization of extracted content.
type OutputFormat int32

const (
	FormatScheme OutputFormat = iota // S-expression
	FormatJSON                       // UTF-8 JSON
	FormatCSV                        // tabular with header row
)

func (f OutputFormat) String() string {
	switch f {
	case FormatScheme:
		return "scheme"
	case FormatJSON:
		return "json"
	case FormatCSV:
		return "csv"
	}
	return fmt.Sprintf("OutputFormat(%d)", int32(f))
}

// ParseOutputFormat resolves a CLI-facing format name.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch s {
	case "scheme":
		return FormatScheme, nil
	case "json":
		return FormatJSON, nil
	case "csv":
		return FormatCSV, nil
	}
	return 0, fmt.Errorf("unknown output format %q (want scheme, json, or csv)", s)
}
