package adapter

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// Optional backend library names probed at startup. These are capability
// discovery, not link-time dependencies: when the shared object is missing
// the related stages report not_available and the run proceeds.
const (
	mlLibName     = "libdocml.so"
	gpuOCRLibName = "libgpuocr.so"
)

// Capabilities records which optional backends a worker can reach.
type Capabilities struct {
	ML     bool
	GPUOCR bool
	// MLModelDir is where the ML backend found its models, for the report.
	MLModelDir string
}

// Probe searches the model directory and the conventional library locations
// for the optional backend shared objects.
func Probe(modelDir string, log *zap.Logger) Capabilities {
	caps := Capabilities{}
	searchDirs := []string{modelDir, "/usr/local/lib", "/usr/lib"}
	if env := os.Getenv("DOCUDACTYL_LIB_PATH"); env != "" {
		searchDirs = append([]string{env}, searchDirs...)
	}

	for _, dir := range searchDirs {
		if dir == "" {
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, mlLibName)); err == nil && !caps.ML {
			caps.ML = true
			caps.MLModelDir = modelDir
			log.Info("ML backend discovered", zap.String("dir", dir))
		}
		if _, err := os.Stat(filepath.Join(dir, gpuOCRLibName)); err == nil && !caps.GPUOCR {
			caps.GPUOCR = true
			log.Info("GPU OCR backend discovered", zap.String("dir", dir))
		}
	}
	if !caps.ML {
		log.Debug("ML backend not present, ML stages will report not_available")
	}
	if !caps.GPUOCR {
		log.Debug("GPU OCR backend not present, OCR stages will report not_available")
	}
	return caps
}
