// Package output materializes extraction results into per-kind shard files.
// Each content kind gets its own shard sequence so consumers can ingest one
// format family without filtering; stage records ride in a parallel .stages
// stream next to each shard.
package output

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/hyperpolymath/docudactyl-sub001/internal/abi"
	"github.com/hyperpolymath/docudactyl-sub001/internal/stages"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config sizes the writer. Zero values take the listed defaults.
type Config struct {
	Dir         string
	Node        int // locale ID, part of every shard filename
	Format      abi.OutputFormat
	BufferBytes int           // per-shard buffer, default 4 MiB
	RotateBytes int64         // shard rotation threshold, default 1 GiB
	FlushEvery  time.Duration // background flush cadence, default 5s
}

const (
	defaultBufferBytes = 4 << 20
	defaultRotateBytes = 1 << 30
	defaultFlushEvery  = 5 * time.Second
)

// Doc is one finished document handed to the writer.
type Doc struct {
	Path   string
	Result *abi.ParseResult
	Text   []byte
	Stages *stages.Results
}

// Writer fans documents out to per-kind shards. Safe for concurrent use;
// writes to one shard are serialized under the writer lock.
type Writer struct {
	cfg    Config
	log    *zap.Logger
	mu     sync.Mutex
	shards map[abi.ContentKind]*shard
	closed bool
	stop   chan struct{}
	wg     sync.WaitGroup
}

type shard struct {
	kind    abi.ContentKind
	seq     int
	f       *os.File
	w       *bufio.Writer
	sf      *os.File // parallel stage stream
	sw      *bufio.Writer
	written int64
	hasCSV  bool // header row emitted for this shard file
}

func New(cfg Config, log *zap.Logger) (*Writer, error) {
	if cfg.BufferBytes <= 0 {
		cfg.BufferBytes = defaultBufferBytes
	}
	if cfg.RotateBytes <= 0 {
		cfg.RotateBytes = defaultRotateBytes
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = defaultFlushEvery
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("output dir: %w", err)
	}

	w := &Writer{
		cfg:    cfg,
		log:    log,
		shards: make(map[abi.ContentKind]*shard),
		stop:   make(chan struct{}),
	}
	w.wg.Add(1)
	go w.flushLoop()
	return w, nil
}

func (w *Writer) flushLoop() {
	defer w.wg.Done()
	t := time.NewTicker(w.cfg.FlushEvery)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := w.Flush(); err != nil {
				w.log.Warn("background shard flush failed", zap.Error(err))
			}
		case <-w.stop:
			return
		}
	}
}

func (w *Writer) ext() string {
	switch w.cfg.Format {
	case abi.FormatScheme:
		return "scm"
	case abi.FormatCSV:
		return "csv"
	}
	return "json"
}

func (w *Writer) shardFor(kind abi.ContentKind) (*shard, error) {
	s := w.shards[kind]
	if s == nil {
		s = &shard{kind: kind}
		if err := w.openShard(s); err != nil {
			return nil, err
		}
		w.shards[kind] = s
	}
	if s.written >= w.cfg.RotateBytes {
		if err := w.rotate(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// openShard claims the first unused sequence number for the kind. Earlier
// runs may have left shards behind; a resumed run must append new shards
// next to them, never truncate what the checkpoint already covers.
func (w *Writer) openShard(s *shard) error {
	var f *os.File
	for {
		name := filepath.Join(w.cfg.Dir, w.base(s)+"."+w.ext())
		var err error
		f, err = os.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			break
		}
		if errors.Is(err, fs.ErrExist) {
			s.seq++
			continue
		}
		return fmt.Errorf("open shard: %w", err)
	}
	// The stage stream pairs the claimed data file, so any leftover from a
	// crash between the two creates is safe to overwrite.
	sf, err := os.Create(filepath.Join(w.cfg.Dir, w.base(s)+".stages"))
	if err != nil {
		f.Close()
		return fmt.Errorf("open stage stream: %w", err)
	}
	s.f, s.w = f, bufio.NewWriterSize(f, w.cfg.BufferBytes)
	s.sf, s.sw = sf, bufio.NewWriterSize(sf, w.cfg.BufferBytes)
	s.written = 0
	s.hasCSV = false
	return nil
}

func (w *Writer) base(s *shard) string {
	return fmt.Sprintf("%s-%d-%04d", s.kind, w.cfg.Node, s.seq)
}

func (w *Writer) rotate(s *shard) error {
	if err := closeShard(s); err != nil {
		return err
	}
	s.seq++
	w.log.Info("shard rotated",
		zap.Stringer("kind", s.kind), zap.Int("seq", s.seq))
	return w.openShard(s)
}

func closeShard(s *shard) error {
	if s.f == nil {
		return nil
	}
	var firstErr error
	for _, step := range []func() error{s.w.Flush, s.f.Close, s.sw.Flush, s.sf.Close} {
		if err := step(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.f, s.w, s.sf, s.sw = nil, nil, nil, nil
	return firstErr
}

// Write appends one document to its kind's shard and its stage record to
// the parallel stream.
func (w *Writer) Write(doc *Doc) error {
	line, err := w.encode(doc)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("output writer closed")
	}
	s, err := w.shardFor(doc.Result.ContentKind)
	if err != nil {
		return err
	}
	if w.cfg.Format == abi.FormatCSV && !s.hasCSV {
		hdr := strings.Join(csvHeader, ",") + "\n"
		if _, err := s.w.WriteString(hdr); err != nil {
			return err
		}
		s.written += int64(len(hdr))
		s.hasCSV = true
	}
	if _, err := s.w.Write(line); err != nil {
		return fmt.Errorf("shard write: %w", err)
	}
	s.written += int64(len(line))

	if doc.Stages != nil {
		if _, err := s.sw.Write(doc.Stages.Encode()); err != nil {
			return fmt.Errorf("stage stream write: %w", err)
		}
	}
	return nil
}

type record struct {
	Path        string  `json:"path"`
	Kind        string  `json:"kind"`
	Status      string  `json:"status"`
	SHA256      string  `json:"sha256"`
	Title       string  `json:"title,omitempty"`
	Author      string  `json:"author,omitempty"`
	Mime        string  `json:"mime"`
	Pages       int32   `json:"pages"`
	Words       int64   `json:"words"`
	Chars       int64   `json:"chars"`
	DurationSec float64 `json:"duration_sec,omitempty"`
	ParseTimeMS float64 `json:"parse_time_ms"`
	Error       string  `json:"error,omitempty"`
	Text        string  `json:"text,omitempty"`
}

func newRecord(doc *Doc) record {
	r := doc.Result
	return record{
		Path:        doc.Path,
		Kind:        r.ContentKind.String(),
		Status:      r.Status.String(),
		SHA256:      abi.CString(r.SHA256[:]),
		Title:       abi.CString(r.Title[:]),
		Author:      abi.CString(r.Author[:]),
		Mime:        abi.CString(r.MimeType[:]),
		Pages:       r.PageCount,
		Words:       r.WordCount,
		Chars:       r.CharCount,
		DurationSec: r.DurationSec,
		ParseTimeMS: r.ParseTimeMS,
		Error:       abi.CString(r.ErrorMsg[:]),
		Text:        string(doc.Text),
	}
}

var csvHeader = []string{
	"path", "kind", "status", "sha256", "title", "author", "mime",
	"pages", "words", "chars", "duration_sec", "parse_time_ms", "error", "text",
}

func (w *Writer) encode(doc *Doc) ([]byte, error) {
	rec := newRecord(doc)
	switch w.cfg.Format {
	case abi.FormatJSON:
		line, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("record marshal: %w", err)
		}
		return append(line, '\n'), nil
	case abi.FormatCSV:
		var sb strings.Builder
		cw := csv.NewWriter(&sb)
		if err := cw.Write([]string{
			rec.Path, rec.Kind, rec.Status, rec.SHA256, rec.Title, rec.Author,
			rec.Mime,
			strconv.FormatInt(int64(rec.Pages), 10),
			strconv.FormatInt(rec.Words, 10),
			strconv.FormatInt(rec.Chars, 10),
			strconv.FormatFloat(rec.DurationSec, 'f', -1, 64),
			strconv.FormatFloat(rec.ParseTimeMS, 'f', -1, 64),
			rec.Error, rec.Text,
		}); err != nil {
			return nil, err
		}
		cw.Flush()
		return []byte(sb.String()), nil
	case abi.FormatScheme:
		return encodeScheme(rec), nil
	}
	return nil, fmt.Errorf("unknown output format %d", w.cfg.Format)
}

// encodeScheme renders one document as a single-line S-expression.
func encodeScheme(rec record) []byte {
	var sb strings.Builder
	sb.WriteString("(document")
	field := func(name, val string) {
		if val == "" {
			return
		}
		sb.WriteString(" (")
		sb.WriteString(name)
		sb.WriteString(" \"")
		sb.WriteString(schemeEscape(val))
		sb.WriteString("\")")
	}
	num := func(name string, val string) {
		sb.WriteString(" (")
		sb.WriteString(name)
		sb.WriteByte(' ')
		sb.WriteString(val)
		sb.WriteByte(')')
	}
	field("path", rec.Path)
	field("kind", rec.Kind)
	field("status", rec.Status)
	field("sha256", rec.SHA256)
	field("title", rec.Title)
	field("author", rec.Author)
	field("mime", rec.Mime)
	num("pages", strconv.FormatInt(int64(rec.Pages), 10))
	num("words", strconv.FormatInt(rec.Words, 10))
	num("chars", strconv.FormatInt(rec.Chars, 10))
	num("parse-time-ms", strconv.FormatFloat(rec.ParseTimeMS, 'f', 3, 64))
	if rec.DurationSec != 0 {
		num("duration-sec", strconv.FormatFloat(rec.DurationSec, 'f', 3, 64))
	}
	field("error", rec.Error)
	field("text", rec.Text)
	sb.WriteString(")\n")
	return []byte(sb.String())
}

func schemeEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	return s
}

// Flush pushes all buffered shard data to the OS. Callers flush before
// checkpointing so a recorded document is never behind an unwritten shard.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var firstErr error
	for _, s := range w.shards {
		if s.w == nil {
			continue
		}
		if err := s.w.Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := s.sw.Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close stops the flush loop and closes every shard.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()
	close(w.stop)
	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	var firstErr error
	for _, s := range w.shards {
		if err := closeShard(s); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
