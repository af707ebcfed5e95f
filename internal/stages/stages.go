package stages

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/hyperpolymath/docudactyl-sub001/internal/abi"
	"github.com/hyperpolymath/docudactyl-sub001/internal/adapter"
)

// maxSourceRead bounds how much of a file the hashing stages load at once.
const maxSourceRead = 256 << 20

// Input is one parsed document handed to the pipeline.
type Input struct {
	Path   string
	Result *abi.ParseResult
	Text   []byte
	Format abi.OutputFormat

	src     []byte
	srcErr  error
	srcDone bool
}

// Source returns the raw file bytes, read once and memoized across stages.
func (in *Input) Source() ([]byte, error) {
	if !in.srcDone {
		in.srcDone = true
		fi, err := os.Stat(in.Path)
		if err == nil && fi.Size() > maxSourceRead {
			err = fmt.Errorf("file %d bytes exceeds stage read limit", fi.Size())
		}
		if err != nil {
			in.srcErr = err
		} else {
			in.src, in.srcErr = os.ReadFile(in.Path)
		}
	}
	return in.src, in.srcErr
}

func (in *Input) kind() abi.ContentKind { return in.Result.ContentKind }
func (in *Input) hasText() bool         { return in.Result.WordCount > 0 }

// stageFn runs one stage against a document, filling its field group in r.
// A non-nil error marks the slot failed; the bool reports dependency fit.
type stageFn func(p *Pipeline, in *Input, r *Results) error

type stageDef struct {
	fn stageFn
	// fit returns "" when the stage applies to this document, else the
	// skip reason recorded in the slot.
	fit func(p *Pipeline, in *Input) string
	// needsML / needsGPUOCR gate on optional backends discovered at startup.
	needsML     bool
	needsGPUOCR bool
}

// Pipeline executes the stage battery. One Pipeline is shared by all
// workers of a node; the dedup registry behind it is safe for concurrent
// use, everything else is stateless.
type Pipeline struct {
	caps  adapter.Capabilities
	dedup *DedupRegistry
	log   *zap.Logger
	defs  [abi.NumStages]stageDef
}

func New(caps adapter.Capabilities, log *zap.Logger) *Pipeline {
	p := &Pipeline{
		caps:  caps,
		dedup: NewDedupRegistry(),
		log:   log,
	}
	p.defs = [abi.NumStages]stageDef{
		abi.StageLanguage:       {fn: stageLanguage, fit: fitText},
		abi.StageReadability:    {fn: stageReadability, fit: fitText},
		abi.StageKeywords:       {fn: stageKeywords, fit: fitText},
		abi.StageCitations:      {fn: stageCitations, fit: fitText},
		abi.StageOCRConfidence:  {fn: stageOCRConfidence, fit: fitVisual, needsGPUOCR: true},
		abi.StagePerceptualHash: {fn: stagePerceptualHash, fit: fitImage},
		abi.StageTOC:            {fn: stageTOC, fit: fitText},
		abi.StageMultiLangOCR:   {fn: stageMultiLangOCR, fit: fitVisual, needsGPUOCR: true},
		abi.StageSubtitles:      {fn: stageSubtitles, fit: fitMedia},
		abi.StagePREMIS:         {fn: stagePREMIS},
		abi.StageMerkle:         {fn: stageMerkle},
		abi.StageExactDedup:     {fn: stageExactDedup},
		abi.StageNearDedup:      {fn: stageNearDedup, fit: fitNearDedup},
		abi.StageCoordinates:    {fn: stageCoordinates, fit: fitCoordinates},
		abi.StageNER:            {fn: stageNER, fit: fitText, needsML: true},
		abi.StageWhisper:        {fn: stageWhisper, fit: fitMedia, needsML: true},
		abi.StageImageClassify:  {fn: stageImageClassify, fit: fitImage, needsML: true},
		abi.StageLayout:         {fn: stageLayout, fit: fitVisual, needsML: true},
		abi.StageHandwriting:    {fn: stageHandwriting, fit: fitVisual, needsGPUOCR: true},
		abi.StageFormatConvert:  {fn: stageFormatConvert},
	}
	return p
}

// Run executes the requested stages in slot order. Stage failures are
// contained per slot: a panic or error marks that slot failed and the walk
// continues. The executed mask only ever covers ok slots.
func (p *Pipeline) Run(mask abi.StageMask, in *Input) *Results {
	r := &Results{RequestedMask: mask}
	for slot := 0; slot < abi.NumStages; slot++ {
		if !mask.Has(slot) {
			continue
		}
		status, reason := p.runSlot(slot, in, r)
		r.Statuses[slot] = status
		r.Reasons[slot] = reason
		if status == StatusOK {
			r.ExecutedMask |= abi.Bit(slot)
		} else if status == StatusFailed {
			p.log.Warn("stage failed",
				zap.String("stage", abi.StageName(slot)),
				zap.String("path", in.Path),
				zap.String("reason", reason))
		}
	}
	return r
}

func (p *Pipeline) runSlot(slot int, in *Input, r *Results) (status Status, reason string) {
	def := p.defs[slot]
	if def.needsML && !p.caps.ML {
		return StatusNotAvailable, "ML backend not present"
	}
	if def.needsGPUOCR && !p.caps.GPUOCR {
		return StatusNotAvailable, "GPU OCR backend not present"
	}
	if def.fit != nil {
		if why := def.fit(p, in); why != "" {
			return StatusSkipped, why
		}
	}

	defer func() {
		if rec := recover(); rec != nil {
			status, reason = StatusFailed, fmt.Sprintf("stage panic: %v", rec)
		}
	}()
	if err := def.fn(p, in, r); err != nil {
		return StatusFailed, err.Error()
	}
	return StatusOK, ""
}

func fitText(_ *Pipeline, in *Input) string {
	if !in.hasText() {
		return "document has no extracted text"
	}
	return ""
}

func fitImage(_ *Pipeline, in *Input) string {
	if in.kind() != abi.KindImage {
		return "document is not an image"
	}
	return ""
}

func fitVisual(_ *Pipeline, in *Input) string {
	switch in.kind() {
	case abi.KindImage, abi.KindPDF:
		return ""
	}
	return "document has no rasterizable pages"
}

func fitMedia(_ *Pipeline, in *Input) string {
	switch in.kind() {
	case abi.KindAudio, abi.KindVideo:
		return ""
	}
	return "document has no media streams"
}

func fitNearDedup(_ *Pipeline, in *Input) string {
	if in.kind() == abi.KindImage || in.hasText() {
		return ""
	}
	return "document has neither image content nor extracted text"
}

func fitCoordinates(_ *Pipeline, in *Input) string {
	switch in.kind() {
	case abi.KindGeospatial, abi.KindImage:
		return ""
	}
	if in.hasText() {
		return ""
	}
	return "document carries no location data"
}
