package abi

import (
	"strings"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentKindRoundTrip(t *testing.T) {
	seen := make(map[int32]bool)
	for i := int32(0); i < NumContentKinds; i++ {
		k, ok := ContentKindFromInt(i)
		require.True(t, ok, "value %d must map to a kind", i)
		assert.Equal(t, i, int32(k), "mapping must be the identity on 0..6")
		assert.False(t, seen[int32(k)], "mapping must be injective")
		seen[int32(k)] = true
	}
	_, ok := ContentKindFromInt(7)
	assert.False(t, ok)
	_, ok = ContentKindFromInt(-1)
	assert.False(t, ok)
}

func TestParseStatusRoundTrip(t *testing.T) {
	for i := int32(0); i < NumParseStatuses; i++ {
		s, ok := ParseStatusFromInt(i)
		require.True(t, ok)
		assert.Equal(t, i, int32(s))
	}
	_, ok := ParseStatusFromInt(99)
	assert.False(t, ok)
}

func TestRetryableStatuses(t *testing.T) {
	for i := int32(0); i < NumParseStatuses; i++ {
		s := ParseStatus(i)
		want := s == StatusError || s == StatusOutOfMemory
		assert.Equal(t, want, s.IsRetryable(), "status %s", s)
	}
}

func TestParseResultLayout(t *testing.T) {
	require.NoError(t, AssertLayout())
	assert.Equal(t, uintptr(ParseResultSize), unsafe.Sizeof(ParseResult{}))
	assert.Equal(t, uintptr(8), unsafe.Alignof(ParseResult{}))
	assert.Equal(t, uintptr(ConduitResultSize), unsafe.Sizeof(ConduitResult{}))
}

func TestCStringTruncation(t *testing.T) {
	var r ParseResult
	long := strings.Repeat("x", 400)
	r.SetError(StatusParseError, long)
	got := CString(r.ErrorMsg[:])
	assert.Len(t, got, ErrorMsgCap-1, "message truncates to 255 bytes + NUL")
	assert.Equal(t, byte(0), r.ErrorMsg[ErrorMsgCap-1])

	// A shorter overwrite must clear the stale tail.
	r.SetError(StatusError, "short")
	assert.Equal(t, "short", CString(r.ErrorMsg[:]))
	for _, b := range r.ErrorMsg[6:] {
		assert.Equal(t, byte(0), b)
	}
}

func TestCheckOKInvariants(t *testing.T) {
	var r ParseResult
	r.Status = StatusOK
	r.ContentKind = KindPDF
	require.NoError(t, r.SetSHA256(strings.Repeat("ab", 32)))
	PutCString(r.MimeType[:], "application/pdf")
	assert.NoError(t, r.Check())

	r.ContentKind = KindUnknown
	assert.Error(t, r.Check(), "ok result may not carry kind unknown")

	r.ContentKind = KindPDF
	r.SHA256[10] = 'z'
	assert.Error(t, r.Check(), "ok result needs a 64-hex digest")
}

func TestSetSHA256RejectsBadLength(t *testing.T) {
	var r ParseResult
	assert.Error(t, r.SetSHA256("abcd"))
	assert.Error(t, r.SetSHA256(strings.Repeat("a", 65)))
}

func TestParseResultMarshalRoundTrip(t *testing.T) {
	var r ParseResult
	r.Status = StatusOK
	r.ContentKind = KindEPUB
	r.PageCount = 42
	r.WordCount = 1234
	r.CharCount = 6789
	r.DurationSec = 1.5
	r.ParseTimeMS = 88.25
	require.NoError(t, r.SetSHA256(strings.Repeat("0f", 32)))
	PutCString(r.Title[:], "A Title")
	PutCString(r.Author[:], "An Author")
	PutCString(r.MimeType[:], "application/epub+zip")

	blob := r.Marshal()
	require.Len(t, blob, ParseResultSize)
	back, err := UnmarshalParseResult(blob)
	require.NoError(t, err)
	assert.Equal(t, r, *back)

	_, err = UnmarshalParseResult(blob[:100])
	assert.Error(t, err)
}

func TestStageMaskPresets(t *testing.T) {
	fastBits := []int{StageLanguage, StageReadability, StageKeywords, StageCitations,
		StagePREMIS, StageMerkle, StageExactDedup}
	assert.Equal(t, len(fastBits), MaskFast.Count())
	for _, b := range fastBits {
		assert.True(t, MaskFast.Has(b), "fast preset must include %s", StageName(b))
	}

	assert.True(t, MaskFast.SubsetOf(MaskAnalysis))
	assert.True(t, MaskAnalysis.SubsetOf(MaskAll))
	assert.Equal(t, NumStages, MaskAll.Count())
	assert.True(t, MaskAnalysis.Has(StagePerceptualHash))
	assert.True(t, MaskAnalysis.Has(StageSubtitles))
	assert.False(t, MaskAnalysis.Has(StageWhisper))
}

func TestParseStageMask(t *testing.T) {
	cases := []struct {
		in   string
		want StageMask
		ok   bool
	}{
		{"none", MaskNone, true},
		{"fast", MaskFast, true},
		{"analysis", MaskAnalysis, true},
		{"all", MaskAll, true},
		{"0x7", StageMask(7), true},
		{"1023", StageMask(1023), true},
		{"0x100000", 0, false}, // bit 20 is unassigned
		{"bogus", 0, false},
	}
	for _, tc := range cases {
		got, err := ParseStageMask(tc.in)
		if tc.ok {
			require.NoError(t, err, tc.in)
			assert.Equal(t, tc.want, got, tc.in)
		} else {
			assert.Error(t, err, tc.in)
		}
	}
}
