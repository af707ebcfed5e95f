package abi

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

// StageMask selects analytical stages as a 64-bit bitfield. Bits 0..19 are
// assigned below; new stages append a bit and are never renumbered.
type StageMask uint64

// Stage bit positions. The order here is also the pipeline execution order.
const (
	StageLanguage       = iota // 0: language detection
	StageReadability           // 1: Flesch-Kincaid grade
	StageKeywords              // 2: frequency-ranked keyword extraction
	StageCitations             // 3: DOI/arXiv/ISBN citation mining
	StageOCRConfidence         // 4: OCR confidence scoring
	StagePerceptualHash        // 5: 8x8 average hash
	StageTOC                   // 6: table-of-contents extraction
	StageMultiLangOCR          // 7: multi-language OCR
	StageSubtitles             // 8: subtitle-stream enumeration
	StagePREMIS                // 9: PREMIS fixity metadata
	StageMerkle                // 10: Merkle root over 4 KiB leaves
	StageExactDedup            // 11: exact duplicate detection
	StageNearDedup             // 12: near-duplicate detection
	StageCoordinates           // 13: geospatial coordinate normalization
	StageNER                   // 14: named-entity recognition
	StageWhisper               // 15: speech transcription
	StageImageClassify         // 16: image classification
	StageLayout                // 17: layout analysis
	StageHandwriting           // 18: handwriting OCR
	StageFormatConvert         // 19: format conversion

	NumStages // 20
)

var stageNames = [NumStages]string{
	"language", "readability", "keywords", "citations", "ocr-confidence",
	"perceptual-hash", "toc", "multilang-ocr", "subtitles", "premis",
	"merkle", "exact-dedup", "near-dedup", "coordinates", "ner",
	"whisper", "image-classify", "layout", "handwriting-ocr", "format-convert",
}

// StageName returns the canonical name of a stage bit.
func StageName(bit int) string {
	if bit < 0 || bit >= NumStages {
		return fmt.Sprintf("stage-%d", bit)
	}
	return stageNames[bit]
}

// Bit returns the mask with only the given stage selected.
func Bit(stage int) StageMask {
	return StageMask(1) << uint(stage)
}

// Named stage presets.
const (
	// MaskNone runs no stages.
	MaskNone StageMask = 0
	// MaskFast is the cheap text-analysis battery.
	MaskFast = StageMask(1)<<StageLanguage |
		StageMask(1)<<StageReadability |
		StageMask(1)<<StageKeywords |
		StageMask(1)<<StageCitations |
		StageMask(1)<<StagePREMIS |
		StageMask(1)<<StageMerkle |
		StageMask(1)<<StageExactDedup
	// MaskAnalysis adds the image/media analytics on top of fast.
	MaskAnalysis = MaskFast |
		StageMask(1)<<StageOCRConfidence |
		StageMask(1)<<StagePerceptualHash |
		StageMask(1)<<StageTOC |
		StageMask(1)<<StageNearDedup |
		StageMask(1)<<StageCoordinates |
		StageMask(1)<<StageSubtitles
	// MaskAll enables every assigned stage bit.
	MaskAll = StageMask(1)<<NumStages - 1
)

// Has reports whether the stage bit is set.
func (m StageMask) Has(stage int) bool {
	return m&Bit(stage) != 0
}

// Count returns the number of selected stages.
func (m StageMask) Count() int {
	return bits.OnesCount64(uint64(m))
}

// SubsetOf reports whether every bit of m is also set in other.
func (m StageMask) SubsetOf(other StageMask) bool {
	return m&^other == 0
}

func (m StageMask) String() string {
	if m == 0 {
		return "none"
	}
	var names []string
	for i := 0; i < NumStages; i++ {
		if m.Has(i) {
			names = append(names, stageNames[i])
		}
	}
	if extra := m &^ MaskAll; extra != 0 {
		names = append(names, fmt.Sprintf("0x%x", uint64(extra)))
	}
	return strings.Join(names, ",")
}

// ParseStageMask resolves a stages-config value: a preset name or an explicit
// mask in decimal or 0x-prefixed hex.
func ParseStageMask(s string) (StageMask, error) {
	switch s {
	case "none", "":
		return MaskNone, nil
	case "fast":
		return MaskFast, nil
	case "analysis":
		return MaskAnalysis, nil
	case "all":
		return MaskAll, nil
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), base(s), 64)
	if err != nil {
		return 0, fmt.Errorf("stages-config %q is not a preset or a mask: %w", s, err)
	}
	m := StageMask(v)
	if !m.SubsetOf(MaskAll) {
		return 0, fmt.Errorf("stages-config %q sets bits above the %d assigned stages", s, NumStages)
	}
	return m, nil
}

func base(s string) int {
	if strings.HasPrefix(s, "0x") {
		return 16
	}
	return 10
}
