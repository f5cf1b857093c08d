package scanning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ContentUnderstandingConfig holds the connection settings for the
// content-analysis backend
type ContentUnderstandingConfig struct {
	Endpoint     string
	Key          string
	AnalyzerID   string
	APIVersion   string
	PollInterval time.Duration
	PollTimeout  time.Duration
	MaxPolls     int
}

// ContentUnderstanding runs an analyzer asynchronously: the submission
// returns an operation handle which is then polled until it completes
type ContentUnderstanding struct {
	cfg    ContentUnderstandingConfig
	client *http.Client
	clock  Clock
}

// NewContentUnderstanding creates an adapter using the default HTTP client and wall clock
func NewContentUnderstanding(cfg ContentUnderstandingConfig) *ContentUnderstanding {
	return NewContentUnderstandingWithDeps(cfg, &http.Client{Timeout: 30 * time.Second}, SystemClock{})
}

// NewContentUnderstandingWithDeps creates an adapter with custom dependencies (useful for testing)
func NewContentUnderstandingWithDeps(cfg ContentUnderstandingConfig, client *http.Client, clock Clock) *ContentUnderstanding {
	if cfg.AnalyzerID == "" {
		cfg.AnalyzerID = "prebuilt-documentAnalyzer"
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = "2024-11-01-preview"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 120 * time.Second
	}
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = int(cfg.PollTimeout/cfg.PollInterval) + 1
	}
	return &ContentUnderstanding{cfg: cfg, client: client, clock: clock}
}

func (c *ContentUnderstanding) Backend() Backend {
	return BackendContentUnderstanding
}

type cuResult struct {
	Status string `json:"status"`
	Result struct {
		Contents []struct {
			Markdown string         `json:"markdown"`
			Fields   map[string]any `json:"fields"`
		} `json:"contents"`
	} `json:"result"`
}

// Analyze submits the raw bytes and polls the returned operation. Running out
// of polls or time is reported as an analyze fault.
func (c *ContentUnderstanding) Analyze(ctx context.Context, doc Document) (*Payload, error) {
	if c.cfg.Endpoint == "" || c.cfg.Key == "" {
		return nil, unavailable(BackendContentUnderstanding, "endpoint or key not configured")
	}

	location, err := c.submit(ctx, doc.Content)
	if err != nil {
		return nil, err
	}

	p := &poller{
		backend:   BackendContentUnderstanding,
		client:    c.client,
		clock:     c.clock,
		keyHeader: docIntelKeyHeader,
		key:       c.cfg.Key,
		interval:  c.cfg.PollInterval,
		timeout:   c.cfg.PollTimeout,
		maxPolls:  c.cfg.MaxPolls,
	}
	body, polls, err := p.wait(ctx, location)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, rejected(BackendContentUnderstanding, fmt.Errorf("decoding analyze result: %w", err))
	}
	var result cuResult
	_ = json.Unmarshal(body, &result)

	// Analyzers without a field schema only return content; the normalizer
	// walks the whole result in that case.
	fields, _ := raw["result"].(map[string]any)
	if len(result.Result.Contents) > 0 && len(result.Result.Contents[0].Fields) > 0 {
		fields = result.Result.Contents[0].Fields
	}
	if fields == nil {
		fields = raw
	}

	return &Payload{
		Backend:  BackendContentUnderstanding,
		Fields:   fields,
		Items:    documentItems(fields),
		Raw:      json.RawMessage(body),
		Attempts: polls,
	}, nil
}

func (c *ContentUnderstanding) submit(ctx context.Context, content []byte) (string, error) {
	endpoint := fmt.Sprintf("%s/contentunderstanding/analyzers/%s:analyze?api-version=%s",
		strings.TrimRight(c.cfg.Endpoint, "/"), url.PathEscape(c.cfg.AnalyzerID), url.QueryEscape(c.cfg.APIVersion))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(content))
	if err != nil {
		return "", exception(BackendContentUnderstanding, fmt.Errorf("creating request: %w", err))
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(docIntelKeyHeader, c.cfg.Key)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", exception(BackendContentUnderstanding, fmt.Errorf("calling analyze API: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return "", statusFault(BackendContentUnderstanding, resp)
	}

	location := resp.Header.Get("Operation-Location")
	if location == "" {
		return "", rejected(BackendContentUnderstanding, errors.New("no operation-location header in response"))
	}
	return location, nil
}
