package extraction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/zombor/expense-agent/internal/scanning"
	"golang.org/x/sync/errgroup"
)

const maxErrorMessage = 240

// Observer receives the outcome of every extraction attempt
type Observer interface {
	ObserveExtraction(backend scanning.Backend, status string, elapsed time.Duration)
}

// Upload is one receipt handed to the dispatcher
type Upload struct {
	Filename    string
	ContentType string
	Content     []byte
	// Provider names the only backend to try; empty means walk the preference order
	Provider scanning.Backend
}

// Dispatcher selects one backend per receipt and turns whatever happens into
// a status-tagged NormalizedReceipt
type Dispatcher struct {
	adapters    map[scanning.Backend]scanning.Analyzer
	configured  map[scanning.Backend]bool
	order       []scanning.Backend
	heuristic   scanning.Analyzer
	concurrency int
	observer    Observer
	now         func() time.Time
	logger      *slog.Logger
}

// DispatcherConfig describes which backends exist, which of them are usable
// and the order in which they are preferred
type DispatcherConfig struct {
	Adapters    []scanning.Analyzer
	Configured  map[scanning.Backend]bool
	Order       []scanning.Backend
	Concurrency int
	Observer    Observer
	Logger      *slog.Logger
}

// NewDispatcher creates a dispatcher. Backends missing from Order keep the
// default order after the listed ones.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	d := &Dispatcher{
		adapters:    make(map[scanning.Backend]scanning.Analyzer, len(cfg.Adapters)),
		configured:  make(map[scanning.Backend]bool, len(cfg.Configured)),
		heuristic:   scanning.Heuristic{},
		concurrency: cfg.Concurrency,
		observer:    cfg.Observer,
		now:         time.Now,
		logger:      cfg.Logger,
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.concurrency <= 0 {
		d.concurrency = 4
	}
	for _, a := range cfg.Adapters {
		d.adapters[a.Backend()] = a
	}
	for b, ok := range cfg.Configured {
		d.configured[b] = ok
	}

	seen := map[scanning.Backend]bool{}
	for _, b := range append(append([]scanning.Backend{}, cfg.Order...), scanning.Backends...) {
		if b == scanning.BackendHeuristic || seen[b] {
			continue
		}
		seen[b] = true
		d.order = append(d.order, b)
	}
	return d
}

// Order returns the effective backend preference order
func (d *Dispatcher) Order() []scanning.Backend {
	return append([]scanning.Backend(nil), d.order...)
}

// Select returns the backend that would be invoked for an upload naming
// provider, or BackendHeuristic when no network backend is usable
func (d *Dispatcher) Select(provider scanning.Backend) scanning.Backend {
	if provider != "" {
		return provider
	}
	for _, b := range d.order {
		if d.usable(b) {
			return b
		}
	}
	return scanning.BackendHeuristic
}

func (d *Dispatcher) usable(b scanning.Backend) bool {
	return d.configured[b] && d.adapters[b] != nil
}

// Extract runs exactly one backend for the upload and always returns a
// terminal record, except when ctx is cancelled, in which case no record is
// produced and ctx.Err() is returned.
func (d *Dispatcher) Extract(ctx context.Context, up Upload) (*NormalizedReceipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := d.now()
	doc := scanning.Document{Filename: up.Filename, ContentType: up.ContentType, Content: up.Content}
	backend := d.Select(up.Provider)

	var rec NormalizedReceipt
	switch {
	case backend == scanning.BackendHeuristic:
		rec = d.runHeuristic(ctx, doc)
		rec.Status = StatusExtractedPartial

	case !d.usable(backend):
		rec = d.fail(ctx, doc, &scanning.Fault{
			Backend: backend,
			Kind:    scanning.FaultUnavailable,
			Err:     errors.New("not configured"),
		})

	default:
		payload, err := d.invoke(ctx, d.adapters[backend], doc)
		if ctxErr := ctx.Err(); ctxErr != nil {
			d.logger.Info("extraction cancelled", "filename", up.Filename, "backend", backend)
			return nil, ctxErr
		}
		if err != nil {
			rec = d.fail(ctx, doc, scanning.AsFault(backend, err))
		} else {
			rec = Normalize(payload)
			rec.Status = SuccessStatus(backend)
		}
	}

	d.logger.Info("extracted receipt", "filename", up.Filename, "backend", backend, "status", rec.Status, "elapsed", d.now().Sub(start))
	if d.observer != nil {
		d.observer.ObserveExtraction(backend, string(rec.Status), d.now().Sub(start))
	}
	return &rec, nil
}

// invoke calls the adapter, converting a panic into an exception fault
func (d *Dispatcher) invoke(ctx context.Context, a scanning.Analyzer, doc scanning.Document) (payload *scanning.Payload, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("adapter panicked", "backend", a.Backend(), "panic", r)
			payload = nil
			err = &scanning.Fault{Backend: a.Backend(), Kind: scanning.FaultException, Err: fmt.Errorf("internal error: %v", r)}
		}
	}()
	payload, err = a.Analyze(ctx, doc)
	if err == nil && payload == nil {
		err = &scanning.Fault{Backend: a.Backend(), Kind: scanning.FaultAnalyze, Err: errors.New("empty result")}
	}
	return payload, err
}

// fail builds the record for a failed backend: heuristic fields under the
// backend's error status
func (d *Dispatcher) fail(ctx context.Context, doc scanning.Document, fault *scanning.Fault) NormalizedReceipt {
	d.logger.Warn("extraction backend failed", "filename", doc.Filename, "backend", fault.Backend, "kind", fault.Kind, "error", fault.Err)

	rec := d.runHeuristic(ctx, doc)
	rec.Status = ErrorStatus(fault.Backend, fault.Kind)
	rec.ErrorMessage = errorMessage(fault)
	rec.DebugFields["failed_backend"] = string(fault.Backend)
	return rec
}

func (d *Dispatcher) runHeuristic(ctx context.Context, doc scanning.Document) NormalizedReceipt {
	payload, _ := d.heuristic.Analyze(ctx, doc)
	rec := Normalize(payload)
	if rec.DebugFields == nil {
		rec.DebugFields = map[string]any{}
	}
	return rec
}

// errorMessage renders a fault as a single bounded line
func errorMessage(f *scanning.Fault) string {
	var msg string
	switch f.Kind {
	case scanning.FaultUnavailable:
		msg = fmt.Sprintf("%s is not configured", f.Backend.DisplayName())
	case scanning.FaultAnalyze:
		msg = fmt.Sprintf("%s could not analyze the document", f.Backend.DisplayName())
	default:
		msg = fmt.Sprintf("%s failed unexpectedly", f.Backend.DisplayName())
	}
	if f.Err != nil && f.Kind != scanning.FaultUnavailable {
		msg += ": " + f.Err.Error()
	}
	msg = strings.Join(strings.Fields(msg), " ")
	if len(msg) > maxErrorMessage {
		msg = strings.ToValidUTF8(msg[:maxErrorMessage], "") + "..."
	}
	return msg
}

// ExtractAll processes uploads concurrently. Results keep the order of
// uploads. It fails only when ctx is cancelled.
func (d *Dispatcher) ExtractAll(ctx context.Context, uploads []Upload) ([]NormalizedReceipt, error) {
	out := make([]NormalizedReceipt, len(uploads))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
	for i, up := range uploads {
		g.Go(func() error {
			rec, err := d.Extract(gctx, up)
			if err != nil {
				return err
			}
			out[i] = *rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
