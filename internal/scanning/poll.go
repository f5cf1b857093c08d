package scanning

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// maxErrorBody bounds how much of a failed response body ends up in an error
const maxErrorBody = 512

// operationStatus is the envelope shared by the long-running operation
// endpoints of both Azure document services
type operationStatus struct {
	Status string `json:"status"`
	Error  *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// poller follows an Operation-Location URL until it reaches a terminal state.
// It stops after maxPolls requests or once timeout has elapsed on the clock,
// whichever comes first.
type poller struct {
	backend   Backend
	client    *http.Client
	clock     Clock
	keyHeader string
	key       string
	interval  time.Duration
	timeout   time.Duration
	maxPolls  int
}

// wait returns the body of the succeeded operation
func (p *poller) wait(ctx context.Context, location string) ([]byte, int, error) {
	deadline := p.clock.Now().Add(p.timeout)
	polls := 0
	for p.maxPolls <= 0 || polls < p.maxPolls {
		if err := p.clock.Sleep(ctx, p.interval); err != nil {
			return nil, polls, exception(p.backend, err)
		}
		polls++

		body, err := p.fetch(ctx, location)
		if err != nil {
			return nil, polls, err
		}

		var op operationStatus
		if err := json.Unmarshal(body, &op); err != nil {
			return nil, polls, rejected(p.backend, fmt.Errorf("decoding operation status: %w", err))
		}

		switch strings.ToLower(op.Status) {
		case "succeeded":
			return body, polls, nil
		case "failed", "canceled", "cancelled":
			msg := op.Status
			if op.Error != nil && op.Error.Message != "" {
				msg = fmt.Sprintf("%s: %s", op.Status, op.Error.Message)
			}
			return nil, polls, rejected(p.backend, fmt.Errorf("operation %s", msg))
		}

		if !p.clock.Now().Before(deadline) {
			break
		}
	}
	return nil, polls, rejected(p.backend, fmt.Errorf("%w after %d polls", errPollExhausted, polls))
}

func (p *poller) fetch(ctx context.Context, location string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, exception(p.backend, fmt.Errorf("creating poll request: %w", err))
	}
	req.Header.Set(p.keyHeader, p.key)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, exception(p.backend, fmt.Errorf("polling operation: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusFault(p.backend, resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, exception(p.backend, fmt.Errorf("reading poll response: %w", err))
	}
	return body, nil
}

// statusFault converts an unexpected HTTP status into a fault. Client errors
// mean the service looked at the request and refused it.
func statusFault(b Backend, resp *http.Response) *Fault {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	err := fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return rejected(b, err)
	}
	return exception(b, err)
}

// transient reports whether a submission answered with status code is worth retrying
func transient(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}
