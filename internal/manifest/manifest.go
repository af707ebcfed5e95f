// Package manifest ingests the work list. Two formats are accepted: plain
// (one filesystem path per line) and enriched (one JSON object per line with
// precomputed size/mtime and an optional kind hint). The format is
// auto-detected from the first non-empty line.
package manifest

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Entry is one unit of work. Size and MtimeNS are -1/0 in plain mode and the
// conduit stats the file instead; in enriched mode they come from the
// manifest and the stat on the hot path is skipped.
type Entry struct {
	Path    string `json:"path"`
	Size    int64  `json:"size"`
	MtimeNS int64  `json:"mtime"`
	Kind    string `json:"kind,omitempty"`
}

// Format is the detected manifest flavor.
type Format int

const (
	FormatPlain Format = iota
	FormatEnriched
)

func (f Format) String() string {
	if f == FormatEnriched {
		return "enriched"
	}
	return "plain"
}

// Loader reads and filters manifests.
type Loader struct {
	include []string
	exclude []string
	log     *zap.Logger
}

// NewLoader creates a loader with optional doublestar include/exclude
// patterns matched against each entry path.
func NewLoader(include, exclude []string, log *zap.Logger) *Loader {
	return &Loader{include: include, exclude: exclude, log: log}
}

// Load reads the manifest at path. Lines that fail enriched decoding are
// counted and skipped rather than aborting a 170M-line ingest; an unreadable
// file is fatal to the run (exit code 2 at the top level).
func (l *Loader) Load(path string) ([]Entry, Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, FormatPlain, fmt.Errorf("manifest unreadable: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var entries []Entry
	format := FormatPlain
	detected := false
	badLines := 0

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !detected {
			if strings.HasPrefix(line, "{") {
				format = FormatEnriched
			}
			detected = true
		}

		var e Entry
		if format == FormatEnriched {
			if err := json.UnmarshalFromString(line, &e); err != nil || e.Path == "" {
				badLines++
				continue
			}
		} else {
			e = Entry{Path: line, Size: -1}
		}

		if !l.keep(e.Path) {
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, format, fmt.Errorf("manifest read failed at line %d: %w", len(entries)+badLines, err)
	}
	if badLines > 0 {
		l.log.Warn("manifest lines skipped", zap.Int("count", badLines), zap.String("path", path))
	}
	return entries, format, nil
}

func (l *Loader) keep(path string) bool {
	p := filepath.ToSlash(path)
	for _, pattern := range l.exclude {
		if ok, err := doublestar.Match(pattern, p); err == nil && ok {
			return false
		}
	}
	if len(l.include) == 0 {
		return true
	}
	for _, pattern := range l.include {
		if ok, err := doublestar.Match(pattern, p); err == nil && ok {
			return true
		}
	}
	return false
}

// BroadcastFile is where the driver locale materializes the manifest for
// broadcast mode. Non-driver locales read this instead of the source
// manifest, so only one node pays the shared-filesystem read.
func BroadcastFile(outputDir string) string {
	return filepath.Join(outputDir, "manifest.bcast")
}

// WriteBroadcast serializes entries in enriched form for the other locales.
// The write lands under a temp name and renames into place so readers never
// observe a partial file.
func WriteBroadcast(path string, entries []Entry) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("broadcast write: %w", err)
	}
	w := bufio.NewWriterSize(f, 1<<20)
	enc := json.NewEncoder(w)
	for i := range entries {
		if err := enc.Encode(&entries[i]); err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("broadcast encode: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("broadcast flush: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("broadcast sync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
