// Package adapter fronts the native parser layer: one stable entry point per
// content kind, dispatching by the conduit's detected kind and translating
// every backend failure into a ParseStatus on the fixed-layout result record.
// A backend can reject a document; it is never allowed to take the process
// down with it.
//
// The built-in backends registered here are shallow reference parsers that
// extract text and metadata directly from the container formats. A real
// native library (PDF renderer, OCR engine, AV demuxer) slots in by
// implementing Backend and registering for its kinds.
package adapter

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hyperpolymath/docudactyl-sub001/internal/abi"
)

// Request carries one parse invocation across the adapter boundary.
type Request struct {
	Path        string
	Kind        abi.ContentKind
	ContentHash string // conduit-precomputed 64-hex digest; empty if unhashed
	Mask        abi.StageMask
	Format      abi.OutputFormat
}

// Document is a parse outcome: the fixed-layout result record plus the
// extracted plain text the stage pipeline and output writer consume. Text
// stays on the Go side of the boundary; the record is the ABI.
type Document struct {
	Result abi.ParseResult
	Text   []byte
}

// Backend is one native parser behind the adapter.
type Backend interface {
	// Kinds lists the content kinds this backend claims.
	Kinds() []abi.ContentKind
	// Parse extracts one document. Implementations report failures through
	// the result record, not by panicking; the adapter traps panics anyway.
	Parse(ctx context.Context, req Request) Document
	// Version identifies the backend for the run report.
	Version() string
	Close() error
}

// Adapter is a per-worker handle over the backend registry. It is not
// thread-safe; each worker initializes its own at start and frees it at
// shutdown.
type Adapter struct {
	backends map[abi.ContentKind]Backend
	distinct []Backend
	caps     Capabilities
	log      *zap.Logger
}

// New builds a worker's adapter handle: asserts the ABI record layout,
// registers the built-in backends, and probes for the optional dynamic
// backends. Layout assertion failure is a build-level bug and fatal.
func New(modelDir string, log *zap.Logger) (*Adapter, error) {
	if err := abi.AssertLayout(); err != nil {
		return nil, fmt.Errorf("adapter init: %w", err)
	}
	a := &Adapter{
		backends: make(map[abi.ContentKind]Backend),
		caps:     Probe(modelDir, log),
		log:      log,
	}
	for _, b := range []Backend{
		newPDFBackend(),
		newImageBackend(),
		newMediaBackend(),
		newEPUBBackend(),
		newGeoBackend(),
	} {
		a.register(b)
	}
	return a, nil
}

func (a *Adapter) register(b Backend) {
	a.distinct = append(a.distinct, b)
	for _, k := range b.Kinds() {
		a.backends[k] = b
	}
}

// Capabilities reports which optional backends were discovered at startup.
func (a *Adapter) Capabilities() Capabilities {
	if a == nil {
		return Capabilities{}
	}
	return a.caps
}

// Versions lists backend version strings for the run report.
func (a *Adapter) Versions() []string {
	var out []string
	for _, b := range a.distinct {
		out = append(out, b.Version())
	}
	return out
}

// Parse dispatches to the backend claiming the request's kind. A nil handle
// returns status null-pointer per the ABI contract; an unclaimed kind
// returns unsupported-format; a panicking backend is trapped and reported
// as parse-error.
func (a *Adapter) Parse(ctx context.Context, req Request) (doc Document) {
	if a == nil {
		doc.Result.SetError(abi.StatusNullPointer, "parse called with null adapter handle")
		doc.Result.ContentKind = abi.KindUnknown
		return doc
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("backend panic trapped",
				zap.String("path", req.Path), zap.Any("panic", r))
			doc = Document{}
			doc.Result.ContentKind = req.Kind
			doc.Result.SetError(abi.StatusParseError, fmt.Sprintf("backend panic: %v", r))
		}
		doc.Result.ParseTimeMS = float64(time.Since(start).Microseconds()) / 1000.0
	}()

	backend, ok := a.backends[req.Kind]
	if !ok {
		doc.Result.ContentKind = req.Kind
		doc.Result.SetError(abi.StatusUnsupportedFormat,
			fmt.Sprintf("no backend claims content kind %s", req.Kind))
		return doc
	}

	doc = backend.Parse(ctx, req)
	return doc
}

// Close frees all backend handles. Safe on a nil adapter.
func (a *Adapter) Close() {
	if a == nil {
		return
	}
	for _, b := range a.distinct {
		if err := b.Close(); err != nil {
			a.log.Warn("backend close failed", zap.String("backend", b.Version()), zap.Error(err))
		}
	}
}
