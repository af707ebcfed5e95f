// Package stages runs the per-document analytical battery: up to 20 stages
// selected by bitmask, executed in fixed slot order, each isolated so one
// failure never stops the rest. The output is a StageResults record with a
// frozen binary framing; fields are addressed by stage slot, absence is a
// cleared mask bit, and new stages append a slot without renumbering.
package stages

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/hyperpolymath/docudactyl-sub001/internal/abi"
)

// Status of one stage slot within a record.
type Status uint8

const (
	StatusOK Status = iota
	StatusSkipped      // dependency not satisfied for this document
	StatusNotAvailable // optional backend absent
	StatusFailed       // stage ran and errored; fields are zero
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusSkipped:
		return "skipped"
	case StatusNotAvailable:
		return "not_available"
	case StatusFailed:
		return "failed"
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

// Results is one document's stage output. ExecutedMask has a bit set only
// for slots that completed ok; it is always a subset of RequestedMask.
type Results struct {
	RequestedMask abi.StageMask
	ExecutedMask  abi.StageMask
	Statuses      [abi.NumStages]Status
	Reasons       [abi.NumStages]string

	// Slot 0: language
	Language       string
	LangConfidence float64
	// Slot 1: readability (Flesch-Kincaid grade)
	Readability float64
	// Slot 2: keywords, frequency desc then lexicographic asc, max 20
	Keywords []string
	// Slot 3: citations
	Citations []string
	// Slot 4: OCR confidence
	OCRConfidence float64
	// Slot 5: 8x8 average hash, 16 hex chars
	PerceptualHash string
	// Slot 6: table of contents entries
	TOC []string
	// Slot 7: multi-language OCR language list
	OCRLanguages []string
	// Slot 8: subtitle stream descriptors
	Subtitles []string
	// Slot 9: PREMIS fixity
	PremisFixity string
	PremisSize   int64
	PremisFormat string
	// Slot 10: Merkle root, hex
	MerkleRoot string
	// Slot 11: exact duplicate
	ExactDuplicate bool
	ExactDupOf     string
	// Slot 12: near duplicate
	NearDuplicate bool
	NearDupOf     string
	// Slot 13: normalized coordinates
	HasCoordinates bool
	Latitude       float64
	Longitude      float64
	// Slot 14: named entities
	Entities []string
	// Slot 15: transcription
	Transcript string
	// Slot 16: image classification label
	ImageLabel string
	// Slot 17: layout region count
	LayoutRegions int32
	// Slot 18: handwriting OCR text
	Handwriting string
	// Slot 19: conversion target
	ConvertedTo string
}

// recordMagic frames one StageResults record.
var recordMagic = [4]byte{'D', 'S', 'R', '1'}

type encoder struct{ buf []byte }

func (e *encoder) u8(v uint8)      { e.buf = append(e.buf, v) }
func (e *encoder) u16(v uint16)    { e.buf = binary.BigEndian.AppendUint16(e.buf, v) }
func (e *encoder) u32(v uint32)    { e.buf = binary.BigEndian.AppendUint32(e.buf, v) }
func (e *encoder) u64(v uint64)    { e.buf = binary.BigEndian.AppendUint64(e.buf, v) }
func (e *encoder) f64(v float64)   { e.u64(math.Float64bits(v)) }
func (e *encoder) i64(v int64)     { e.u64(uint64(v)) }
func (e *encoder) str(s string)    { e.u32(uint32(len(s))); e.buf = append(e.buf, s...) }
func (e *encoder) strs(ss []string) {
	e.u16(uint16(len(ss)))
	for _, s := range ss {
		e.str(s)
	}
}
func (e *encoder) boolByte(b bool) {
	if b {
		e.u8(1)
	} else {
		e.u8(0)
	}
}

// Encode serializes the record: magic, total length, requested mask,
// executed mask, then one slot block per requested stage in ascending slot
// order. An ok slot carries its typed payload; any other status carries a
// length-prefixed reason.
func (r *Results) Encode() []byte {
	var e encoder
	e.buf = make([]byte, 0, 256)
	e.buf = append(e.buf, recordMagic[:]...)
	e.u32(0) // length back-patched below
	e.u64(uint64(r.RequestedMask))
	e.u64(uint64(r.ExecutedMask))

	for slot := 0; slot < abi.NumStages; slot++ {
		if !r.RequestedMask.Has(slot) {
			continue
		}
		status := r.Statuses[slot]
		e.u8(uint8(status))
		if status != StatusOK {
			e.str(r.Reasons[slot])
			continue
		}
		r.encodeSlot(&e, slot)
	}

	binary.BigEndian.PutUint32(e.buf[4:8], uint32(len(e.buf)))
	return e.buf
}

func (r *Results) encodeSlot(e *encoder, slot int) {
	switch slot {
	case abi.StageLanguage:
		e.str(r.Language)
		e.f64(r.LangConfidence)
	case abi.StageReadability:
		e.f64(r.Readability)
	case abi.StageKeywords:
		e.strs(r.Keywords)
	case abi.StageCitations:
		e.strs(r.Citations)
	case abi.StageOCRConfidence:
		e.f64(r.OCRConfidence)
	case abi.StagePerceptualHash:
		e.str(r.PerceptualHash)
	case abi.StageTOC:
		e.strs(r.TOC)
	case abi.StageMultiLangOCR:
		e.strs(r.OCRLanguages)
	case abi.StageSubtitles:
		e.strs(r.Subtitles)
	case abi.StagePREMIS:
		e.str(r.PremisFixity)
		e.i64(r.PremisSize)
		e.str(r.PremisFormat)
	case abi.StageMerkle:
		e.str(r.MerkleRoot)
	case abi.StageExactDedup:
		e.boolByte(r.ExactDuplicate)
		e.str(r.ExactDupOf)
	case abi.StageNearDedup:
		e.boolByte(r.NearDuplicate)
		e.str(r.NearDupOf)
	case abi.StageCoordinates:
		e.boolByte(r.HasCoordinates)
		e.f64(r.Latitude)
		e.f64(r.Longitude)
	case abi.StageNER:
		e.strs(r.Entities)
	case abi.StageWhisper:
		e.str(r.Transcript)
	case abi.StageImageClassify:
		e.str(r.ImageLabel)
	case abi.StageLayout:
		e.u32(uint32(r.LayoutRegions))
	case abi.StageHandwriting:
		e.str(r.Handwriting)
	case abi.StageFormatConvert:
		e.str(r.ConvertedTo)
	}
}

type decoder struct {
	buf []byte
	off int
	err error
}

func (d *decoder) need(n int) bool {
	if d.err != nil {
		return false
	}
	if d.off+n > len(d.buf) {
		d.err = fmt.Errorf("stages: record truncated at offset %d", d.off)
		return false
	}
	return true
}
func (d *decoder) u8() uint8 {
	if !d.need(1) {
		return 0
	}
	v := d.buf[d.off]
	d.off++
	return v
}
func (d *decoder) u16() uint16 {
	if !d.need(2) {
		return 0
	}
	v := binary.BigEndian.Uint16(d.buf[d.off:])
	d.off += 2
	return v
}
func (d *decoder) u32() uint32 {
	if !d.need(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(d.buf[d.off:])
	d.off += 4
	return v
}
func (d *decoder) u64() uint64 {
	if !d.need(8) {
		return 0
	}
	v := binary.BigEndian.Uint64(d.buf[d.off:])
	d.off += 8
	return v
}
func (d *decoder) f64() float64 { return math.Float64frombits(d.u64()) }
func (d *decoder) i64() int64   { return int64(d.u64()) }
func (d *decoder) str() string {
	n := int(d.u32())
	if !d.need(n) {
		return ""
	}
	s := string(d.buf[d.off : d.off+n])
	d.off += n
	return s
}
func (d *decoder) strs() []string {
	n := int(d.u16())
	if n == 0 {
		return nil
	}
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, d.str())
	}
	return out
}
func (d *decoder) boolByte() bool { return d.u8() != 0 }

// Decode parses one framed record. It accepts records whose requested mask
// includes slots this build does not know, as long as they are above the
// known range: unknown trailing slots cannot be decoded and stop the walk.
func Decode(b []byte) (*Results, error) {
	d := &decoder{buf: b}
	if !d.need(8) {
		return nil, d.err
	}
	if [4]byte(b[:4]) != recordMagic {
		return nil, fmt.Errorf("stages: bad record magic %q", b[:4])
	}
	d.off = 4
	length := int(d.u32())
	if length != len(b) {
		return nil, fmt.Errorf("stages: record length %d does not match frame %d", length, len(b))
	}

	r := &Results{}
	r.RequestedMask = abi.StageMask(d.u64())
	r.ExecutedMask = abi.StageMask(d.u64())
	if !r.ExecutedMask.SubsetOf(r.RequestedMask) {
		return nil, fmt.Errorf("stages: executed mask %x exceeds requested %x",
			uint64(r.ExecutedMask), uint64(r.RequestedMask))
	}

	for slot := 0; slot < abi.NumStages && d.err == nil; slot++ {
		if !r.RequestedMask.Has(slot) {
			continue
		}
		status := Status(d.u8())
		r.Statuses[slot] = status
		if status != StatusOK {
			r.Reasons[slot] = d.str()
			continue
		}
		r.decodeSlot(d, slot)
	}
	if d.err != nil {
		return nil, d.err
	}
	return r, nil
}

func (r *Results) decodeSlot(d *decoder, slot int) {
	switch slot {
	case abi.StageLanguage:
		r.Language = d.str()
		r.LangConfidence = d.f64()
	case abi.StageReadability:
		r.Readability = d.f64()
	case abi.StageKeywords:
		r.Keywords = d.strs()
	case abi.StageCitations:
		r.Citations = d.strs()
	case abi.StageOCRConfidence:
		r.OCRConfidence = d.f64()
	case abi.StagePerceptualHash:
		r.PerceptualHash = d.str()
	case abi.StageTOC:
		r.TOC = d.strs()
	case abi.StageMultiLangOCR:
		r.OCRLanguages = d.strs()
	case abi.StageSubtitles:
		r.Subtitles = d.strs()
	case abi.StagePREMIS:
		r.PremisFixity = d.str()
		r.PremisSize = d.i64()
		r.PremisFormat = d.str()
	case abi.StageMerkle:
		r.MerkleRoot = d.str()
	case abi.StageExactDedup:
		r.ExactDuplicate = d.boolByte()
		r.ExactDupOf = d.str()
	case abi.StageNearDedup:
		r.NearDuplicate = d.boolByte()
		r.NearDupOf = d.str()
	case abi.StageCoordinates:
		r.HasCoordinates = d.boolByte()
		r.Latitude = d.f64()
		r.Longitude = d.f64()
	case abi.StageNER:
		r.Entities = d.strs()
	case abi.StageWhisper:
		r.Transcript = d.str()
	case abi.StageImageClassify:
		r.ImageLabel = d.str()
	case abi.StageLayout:
		r.LayoutRegions = int32(d.u32())
	case abi.StageHandwriting:
		r.Handwriting = d.str()
	case abi.StageFormatConvert:
		r.ConvertedTo = d.str()
	}
}
