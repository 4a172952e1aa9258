package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(baseURL string) *Client {
	c := NewClient(baseURL)
	c.RetryInterval = time.Millisecond
	c.MaxBackoff = 5 * time.Millisecond
	return c
}

// TestClientRetriesServerErrors tests that 5xx responses are retried
func TestClientRetriesServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	}))
	defer server.Close()

	var out map[string]bool
	err := newTestClient(server.URL).PostJSON(context.Background(), "/workers/register", map[string]string{"worker_id": "wrk_1"}, &out)
	require.NoError(t, err)
	assert.True(t, out["ok"])
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

// TestClientDoesNotRetryClientErrors tests that 4xx responses fail fast
func TestClientDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"STATE_CONFLICT"}`))
	}))
	defer server.Close()

	err := newTestClient(server.URL).PostJSON(context.Background(), "/operations", map[string]string{}, nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusConflict, statusErr.StatusCode)
	assert.Contains(t, string(statusErr.Body), "STATE_CONFLICT")
}

// TestClientExhaustsRetries tests the terminal failure after all attempts
func TestClientExhaustsRetries(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	c.RetryCount = 2

	err := c.GetJSON(context.Background(), "/health", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

// TestClientGetJSON tests response decoding
func TestClientGetJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/operations/op_1", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"operation_id":"op_1","status":"RUNNING"}`))
	}))
	defer server.Close()

	var out struct {
		OperationID string `json:"operation_id"`
		Status      string `json:"status"`
	}
	err := newTestClient(server.URL).GetJSON(context.Background(), "/operations/op_1", &out)
	require.NoError(t, err)
	assert.Equal(t, "op_1", out.OperationID)
	assert.Equal(t, "RUNNING", out.Status)
}

// TestClientContextCancellation tests that a cancelled context stops retries
func TestClientContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	c.RetryInterval = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.GetJSON(ctx, "/health", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

// TestBackoff tests the capped exponential schedule
func TestBackoff(t *testing.T) {
	c := &Client{RetryInterval: 100 * time.Millisecond, MaxBackoff: 300 * time.Millisecond}

	assert.Equal(t, 100*time.Millisecond, c.backoff(0))
	assert.Equal(t, 200*time.Millisecond, c.backoff(1))
	assert.Equal(t, 300*time.Millisecond, c.backoff(2))
	assert.Equal(t, 300*time.Millisecond, c.backoff(5))
}
