package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/skypro1111/convo-memory-service/internal/metrics"
)

// Error wraps an engine call failure with the transient/permanent
// classification the retry policy consumes. Transient failures (network
// errors, timeouts, 408/429/5xx) are worth retrying; everything else is a
// permanent rejection of the request.
type Error struct {
	Op        string
	Status    int
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: HTTP %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether the error is a retryable engine failure.
// Unclassified errors are treated as transient so an unknown failure mode
// never permanently fails a job.
func IsTransient(err error) bool {
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return engineErr.Transient
	}
	return true
}

// Config contains the connection settings for one external engine.
type Config struct {
	Endpoint      string
	APIKey        string
	Timeout       time.Duration
	MaxConcurrent int
	// Metrics receives per-call counters when set.
	Metrics *metrics.Metrics
}

// client is the shared HTTP plumbing of all engine clients: tuned transport,
// bearer auth, semaphore rate limiting and status-code classification.
type client struct {
	config     Config
	httpClient *http.Client
	semaphore  chan struct{}
}

func newClient(config Config) (*client, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 10
	}

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &client{
		config:     config,
		httpClient: httpClient,
		semaphore:  make(chan struct{}, config.MaxConcurrent),
	}, nil
}

// acquire blocks until a request slot is free or the context ends.
func (c *client) acquire(ctx context.Context) (release func(), err error) {
	select {
	case c.semaphore <- struct{}{}:
		return func() { <-c.semaphore }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// postJSON performs one JSON request/response round trip against a path
// under the engine endpoint and decodes the response into out.
func (c *client) postJSON(ctx context.Context, op, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return &Error{Op: op, Transient: false, Err: fmt.Errorf("marshal request: %w", err)}
	}
	return c.post(ctx, op, path, "application/json", bytes.NewReader(payload), out)
}

func (c *client) post(ctx context.Context, op, path, contentType string, body io.Reader, out any) error {
	started := time.Now()
	err := c.doPost(ctx, op, path, contentType, body, out)

	if c.config.Metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "permanent"
			if IsTransient(err) {
				outcome = "transient"
			}
		}
		c.config.Metrics.RecordEngineRequest(op, outcome, time.Since(started).Seconds())
	}
	return err
}

func (c *client) doPost(ctx context.Context, op, path, contentType string, body io.Reader, out any) error {
	release, err := c.acquire(ctx)
	if err != nil {
		return &Error{Op: op, Transient: true, Err: err}
	}
	defer release()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint+path, body)
	if err != nil {
		return &Error{Op: op, Transient: false, Err: fmt.Errorf("create request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "application/json")
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// network errors and client timeouts are retryable
		return &Error{Op: op, Transient: true, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Op: op, Transient: true, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Error{
			Op:        op,
			Status:    resp.StatusCode,
			Transient: retryableStatus(resp.StatusCode),
			Err:       fmt.Errorf("%s", truncate(respBody, 512)),
		}
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return &Error{Op: op, Transient: false, Err: fmt.Errorf("parse response: %w", err)}
		}
	}
	return nil
}

func retryableStatus(status int) bool {
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return true
	case status >= 500:
		return true
	}
	return false
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
