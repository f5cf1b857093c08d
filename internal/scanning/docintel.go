package scanning

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const docIntelKeyHeader = "Ocp-Apim-Subscription-Key"

// DocumentIntelligenceConfig holds the connection settings for the document
// model backend
type DocumentIntelligenceConfig struct {
	Endpoint     string
	Key          string
	ModelID      string
	APIVersion   string
	Timeout      time.Duration
	MaxAttempts  int
	RetryBackoff time.Duration
	PollInterval time.Duration
	PollTimeout  time.Duration
}

// DocumentIntelligence analyzes receipts with a prebuilt or custom document
// model over the REST API
type DocumentIntelligence struct {
	cfg    DocumentIntelligenceConfig
	client *http.Client
	clock  Clock
}

// NewDocumentIntelligence creates an adapter using the default HTTP client and wall clock
func NewDocumentIntelligence(cfg DocumentIntelligenceConfig) *DocumentIntelligence {
	return NewDocumentIntelligenceWithDeps(cfg, &http.Client{}, SystemClock{})
}

// NewDocumentIntelligenceWithDeps creates an adapter with custom dependencies (useful for testing)
func NewDocumentIntelligenceWithDeps(cfg DocumentIntelligenceConfig, client *http.Client, clock Clock) *DocumentIntelligence {
	if cfg.ModelID == "" {
		cfg.ModelID = "prebuilt-receipt"
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = "2024-11-30"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = cfg.Timeout
	}
	return &DocumentIntelligence{cfg: cfg, client: client, clock: clock}
}

func (d *DocumentIntelligence) Backend() Backend {
	return BackendDocumentIntelligence
}

type docIntelResult struct {
	Status        string `json:"status"`
	AnalyzeResult *struct {
		Content   string `json:"content"`
		Documents []struct {
			DocType    string         `json:"docType"`
			Confidence float64        `json:"confidence"`
			Fields     map[string]any `json:"fields"`
		} `json:"documents"`
	} `json:"analyzeResult"`
}

// Analyze submits the document and follows the operation until it completes.
// Submissions answered with 429 or 5xx are retried with exponential backoff.
func (d *DocumentIntelligence) Analyze(ctx context.Context, doc Document) (*Payload, error) {
	if d.cfg.Endpoint == "" || d.cfg.Key == "" {
		return nil, unavailable(BackendDocumentIntelligence, "endpoint or key not configured")
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	reqBody, err := json.Marshal(map[string]string{
		"base64Source": base64.StdEncoding.EncodeToString(doc.Content),
	})
	if err != nil {
		return nil, exception(BackendDocumentIntelligence, fmt.Errorf("marshaling request: %w", err))
	}

	body, attempts, err := d.submit(ctx, reqBody)
	if err != nil {
		return nil, err
	}

	var result docIntelResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, rejected(BackendDocumentIntelligence, fmt.Errorf("decoding analyze result: %w", err))
	}
	if result.AnalyzeResult == nil || len(result.AnalyzeResult.Documents) == 0 {
		return nil, rejected(BackendDocumentIntelligence, errors.New("no documents recognized"))
	}

	fields := result.AnalyzeResult.Documents[0].Fields
	if fields == nil {
		fields = map[string]any{}
	}

	return &Payload{
		Backend:  BackendDocumentIntelligence,
		Fields:   fields,
		Items:    documentItems(fields),
		Raw:      json.RawMessage(body),
		Attempts: attempts,
	}, nil
}

// submit posts the analyze request and returns the completed operation body
// along with the number of submission attempts made
func (d *DocumentIntelligence) submit(ctx context.Context, reqBody []byte) ([]byte, int, error) {
	endpoint := fmt.Sprintf("%s/documentintelligence/documentModels/%s:analyze?api-version=%s",
		strings.TrimRight(d.cfg.Endpoint, "/"), url.PathEscape(d.cfg.ModelID), url.QueryEscape(d.cfg.APIVersion))

	var lastErr error
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			backoff := d.cfg.RetryBackoff * time.Duration(1<<(attempt-2))
			slog.Warn("retrying document intelligence submission", "attempt", attempt, "backoff", backoff, "error", lastErr)
			if err := d.clock.Sleep(ctx, backoff); err != nil {
				return nil, attempt - 1, exception(BackendDocumentIntelligence, err)
			}
		}

		body, retry, err := d.submitOnce(ctx, endpoint, reqBody)
		if err == nil {
			return body, attempt, nil
		}
		if !retry || isContextErr(ctx.Err()) {
			return nil, attempt, err
		}
		lastErr = err
	}
	return nil, d.cfg.MaxAttempts, lastErr
}

func (d *DocumentIntelligence) submitOnce(ctx context.Context, endpoint string, reqBody []byte) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, false, exception(BackendDocumentIntelligence, fmt.Errorf("creating request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(docIntelKeyHeader, d.cfg.Key)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, true, exception(BackendDocumentIntelligence, fmt.Errorf("calling analyze API: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, true, exception(BackendDocumentIntelligence, fmt.Errorf("reading response: %w", err))
		}
		return body, false, nil
	case resp.StatusCode == http.StatusAccepted:
		location := resp.Header.Get("Operation-Location")
		if location == "" {
			return nil, false, rejected(BackendDocumentIntelligence, errors.New("accepted without operation-location"))
		}
		p := &poller{
			backend:   BackendDocumentIntelligence,
			client:    d.client,
			clock:     d.clock,
			keyHeader: docIntelKeyHeader,
			key:       d.cfg.Key,
			interval:  d.cfg.PollInterval,
			timeout:   d.cfg.PollTimeout,
		}
		body, _, err := p.wait(ctx, location)
		return body, false, err
	case transient(resp.StatusCode):
		return nil, true, statusFault(BackendDocumentIntelligence, resp)
	default:
		return nil, false, statusFault(BackendDocumentIntelligence, resp)
	}
}
