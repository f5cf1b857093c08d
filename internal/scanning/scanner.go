package scanning

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Backend identifies one of the extraction adapters
type Backend string

const (
	BackendDocumentIntelligence Backend = "document_intelligence"
	BackendContentUnderstanding Backend = "content_understanding"
	BackendVision               Backend = "vision"
	BackendHeuristic            Backend = "heuristic"
)

// Backends lists the network backends in their default preference order
var Backends = []Backend{
	BackendDocumentIntelligence,
	BackendContentUnderstanding,
	BackendVision,
}

// ParseBackend maps a provider name to a Backend. Legacy names used by older
// clients are accepted. An empty or "auto" name returns "" with no error.
func ParseBackend(name string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "auto":
		return "", nil
	case "document_intelligence", "docintel":
		return BackendDocumentIntelligence, nil
	case "content_understanding", "cu":
		return BackendContentUnderstanding, nil
	case "vision", "gpt5_nano", "gemini", "ollama":
		return BackendVision, nil
	case "heuristic", "fallback":
		return BackendHeuristic, nil
	}
	return "", fmt.Errorf("unknown provider %q", name)
}

// Code is the short name used inside status strings (error_<code>_analyze)
func (b Backend) Code() string {
	switch b {
	case BackendDocumentIntelligence:
		return "docintel"
	case BackendContentUnderstanding:
		return "cu"
	case BackendVision:
		return "vision"
	}
	return string(b)
}

// DisplayName is used in user-facing error messages
func (b Backend) DisplayName() string {
	switch b {
	case BackendDocumentIntelligence:
		return "Document Intelligence"
	case BackendContentUnderstanding:
		return "Content Understanding"
	case BackendVision:
		return "Vision model"
	case BackendHeuristic:
		return "Filename heuristic"
	}
	return string(b)
}

// Document is a receipt upload handed to an adapter
type Document struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Payload is the raw, backend-specific result of an analysis. Fields holds the
// decoded field bag, Items the provider-reported line items and Raw the
// verbatim response body.
type Payload struct {
	Backend  Backend          `json:"backend"`
	Fields   map[string]any   `json:"fields,omitempty"`
	Items    []map[string]any `json:"items,omitempty"`
	Raw      json.RawMessage  `json:"raw,omitempty"`
	Attempts int              `json:"attempts,omitempty"`
}

// Analyzer is the capability shared by every extraction adapter.
// Implementations return a *Fault for every failure.
type Analyzer interface {
	Backend() Backend
	Analyze(ctx context.Context, doc Document) (*Payload, error)
}

// Clock abstracts time so poll loops can be driven by tests
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, returning ctx.Err() in the latter case
	Sleep(ctx context.Context, d time.Duration) error
}

// SystemClock is the wall clock
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now()
}

func (SystemClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
