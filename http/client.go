package http

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
)

// StatusError is returned when the server answers with a non-2xx status.
// The body is kept so callers can decode structured error responses.
type StatusError struct {
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, string(e.Body))
}

// IsClientError reports whether the status is a 4xx.
func (e *StatusError) IsClientError() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// Client is a JSON HTTP client with capped exponential backoff retry.
// Transport failures and 5xx responses are retried; 4xx responses are
// returned immediately since retrying cannot change the outcome.
type Client struct {
	BaseURL       string
	HTTPClient    *http.Client
	RetryCount    int
	RetryInterval time.Duration
	MaxBackoff    time.Duration
}

// NewClient creates a client for the given base URL with default retry
// settings (3 retries, 500ms initial backoff doubled per attempt, capped
// at 8s).
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL:       strings.TrimRight(baseURL, "/"),
		HTTPClient:    &http.Client{Timeout: 10 * time.Second},
		RetryCount:    3,
		RetryInterval: 500 * time.Millisecond,
		MaxBackoff:    8 * time.Second,
	}
}

// PostJSON sends body as JSON to path and decodes the response into out
// when out is non-nil.
func (c *Client) PostJSON(ctx context.Context, path string, body, out interface{}) error {
	return c.doJSON(ctx, http.MethodPost, path, body, out)
}

// GetJSON fetches path and decodes the response into out when out is
// non-nil.
func (c *Client) GetJSON(ctx context.Context, path string, out interface{}) error {
	return c.doJSON(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	var lastErr error
	attempts := c.RetryCount + 1

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.backoff(attempt - 1)):
			}
		}

		respBody, err := c.doOnce(ctx, method, path, payload)
		if err == nil {
			if out != nil && len(respBody) > 0 {
				if err := json.Unmarshal(respBody, out); err != nil {
					return fmt.Errorf("failed to decode response: %w", err)
				}
			}
			return nil
		}

		// Client errors carry the final answer
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.IsClientError() {
			return err
		}

		lastErr = err
	}

	return fmt.Errorf("request failed after %d attempts: %w", attempts, lastErr)
}

func (c *Client) doOnce(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: respBody}
	}

	return respBody, nil
}

// backoff calculates the retry backoff for the given attempt, doubling
// the initial interval per attempt up to the configured cap.
func (c *Client) backoff(attempt int) time.Duration {
	d := c.RetryInterval * time.Duration(1<<uint(attempt))
	if c.MaxBackoff > 0 && d > c.MaxBackoff {
		return c.MaxBackoff
	}
	return d
}
