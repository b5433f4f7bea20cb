package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// RetryableError marks provider failures the caller may retry (network
// failures, 429s and 5xx responses). Permanent rejections are returned bare.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// HTTPClient is a Client over the provider's REST API.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewHTTPClient(baseURL, apiKey string, timeout time.Duration, logger *zap.Logger) *HTTPClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

func (c *HTTPClient) Create(ctx context.Context, spec Spec) (*Sandbox, error) {
	body, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("encode sandbox spec: %w", err)
	}

	var sandbox Sandbox
	if err := c.do(ctx, http.MethodPost, "/v1/sandboxes", bytes.NewReader(body), &sandbox); err != nil {
		return nil, err
	}
	if sandbox.ID == "" {
		return nil, fmt.Errorf("provider returned sandbox without id")
	}

	return &sandbox, nil
}

func (c *HTTPClient) Get(ctx context.Context, id string) (*Status, error) {
	var status Status
	if err := c.do(ctx, http.MethodGet, "/v1/sandboxes/"+id, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *HTTPClient) Delete(ctx context.Context, id string) error {
	err := c.do(ctx, http.MethodDelete, "/v1/sandboxes/"+id, nil, nil)
	if err != nil && isNotFound(err) {
		// Already gone; delete is idempotent.
		return nil
	}
	return err
}

// Restart implements the optional Restarter capability.
func (c *HTTPClient) Restart(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/v1/sandboxes/"+id+"/restart", nil, nil)
}

// Metrics implements the optional MetricsFetcher capability.
func (c *HTTPClient) Metrics(ctx context.Context, id string) (*Metrics, error) {
	var metrics Metrics
	if err := c.do(ctx, http.MethodGet, "/v1/sandboxes/"+id+"/metrics", nil, &metrics); err != nil {
		return nil, err
	}
	return &metrics, nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("provider returned status %d: %s", e.code, e.body)
}

func isNotFound(err error) bool {
	var se *statusError
	return errors.As(err, &se) && se.code == http.StatusNotFound
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body io.Reader, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &RetryableError{Err: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	data, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return &RetryableError{Err: fmt.Errorf("read response: %w", readErr)}
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return &RetryableError{Err: &statusError{code: resp.StatusCode, body: truncateBody(data)}}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{code: resp.StatusCode, body: truncateBody(data)}
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode provider response: %w", err)
		}
	}

	return nil
}

func truncateBody(data []byte) string {
	const max = 256
	s := string(data)
	if len(s) > max {
		return s[:max]
	}
	return s
}
