package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"core.ktrdr.dev/db"
	"core.ktrdr.dev/executor"
	khttp "core.ktrdr.dev/http"
)

func newTestServer(t *testing.T, exec executor.Executor) (*Server, *runtimeHarness) {
	t.Helper()
	h := newRuntimeHarness(t, exec)
	return NewServer(h.runtime, khttp.DefaultServerConfig(), "test"), h
}

func doJSON(s *Server, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Echo.ServeHTTP(rec, req)
	return rec
}

// TestServer_StartDispatch tests the happy dispatch: ack once the claim
// lands, compute in the background.
func TestServer_StartDispatch(t *testing.T) {
	s, h := newTestServer(t, &stubExecutor{
		typ: db.TypeTraining,
		run: func(_ context.Context, _ executor.Session, _ json.RawMessage, _ *executor.ResumeContext) (json.RawMessage, error) {
			return json.RawMessage(`{"ok":true}`), nil
		},
	})

	rec := doJSON(s, http.MethodPost, "/training/start", `{"operation_id":"op_1","request_payload":{"epochs":3}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "op_1", resp["operation_id"])
	assert.Equal(t, "RUNNING", resp["status"])

	waitIdle(t, h.runtime)
	h.ops.mu.Lock()
	defer h.ops.mu.Unlock()
	assert.Contains(t, h.ops.completed, "op_1")
}

// TestServer_StartValidation tests dispatch body validation.
func TestServer_StartValidation(t *testing.T) {
	s, _ := newTestServer(t, &stubExecutor{typ: db.TypeTraining, run: nil})

	rec := doJSON(s, http.MethodPost, "/training/start", `{"request_payload":{}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(s, http.MethodPost, "/training/start", `{{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// TestServer_StartBusy tests the contractual 409 BUSY answer.
func TestServer_StartBusy(t *testing.T) {
	started := make(chan struct{})
	s, h := newTestServer(t, &stubExecutor{typ: db.TypeTraining, run: runUntilCancelled(started)})

	rec := doJSON(s, http.MethodPost, "/training/start", `{"operation_id":"op_1","request_payload":{}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	<-started

	rec = doJSON(s, http.MethodPost, "/training/start", `{"operation_id":"op_2","request_payload":{}}`)
	require.Equal(t, http.StatusConflict, rec.Code)

	var resp khttp.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "BUSY", resp.Error)

	require.True(t, h.runtime.CancelOperation("op_1"))
	waitIdle(t, h.runtime)
}

// TestServer_StartResumeWithoutCheckpoint tests that a resume dispatch
// for an operation with no checkpoint maps to 404 NO_CHECKPOINT.
func TestServer_StartResumeWithoutCheckpoint(t *testing.T) {
	s, _ := newTestServer(t, &stubExecutor{typ: db.TypeTraining, run: nil})

	rec := doJSON(s, http.MethodPost, "/training/start", `{"operation_id":"op_1"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)

	var resp khttp.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "NO_CHECKPOINT", resp.Error)
}

// TestServer_Cancel tests the cancel notification: 202 for the current
// operation, 404 for anything else.
func TestServer_Cancel(t *testing.T) {
	started := make(chan struct{})
	s, h := newTestServer(t, &stubExecutor{typ: db.TypeTraining, run: runUntilCancelled(started)})

	rec := doJSON(s, http.MethodPost, "/operations/op_1/cancel", "")
	assert.Equal(t, http.StatusNotFound, rec.Code, "nothing is running yet")

	require.NoError(t, h.runtime.StartOperation(context.Background(), "op_1", json.RawMessage(`{}`)))
	<-started

	rec = doJSON(s, http.MethodPost, "/operations/op_other/cancel", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(s, http.MethodPost, "/operations/op_1/cancel", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "CANCEL_REQUESTED", resp["status"])

	waitIdle(t, h.runtime)
}

// TestServer_StopIsIdempotent tests that stop answers 200 whether or
// not the operation is running here.
func TestServer_StopIsIdempotent(t *testing.T) {
	started := make(chan struct{})
	s, h := newTestServer(t, &stubExecutor{typ: db.TypeTraining, run: runUntilCancelled(started)})

	rec := doJSON(s, http.MethodPost, "/operations/op_1/stop", "")
	assert.Equal(t, http.StatusOK, rec.Code, "not running is the requested outcome")

	require.NoError(t, h.runtime.StartOperation(context.Background(), "op_1", json.RawMessage(`{}`)))
	<-started

	rec = doJSON(s, http.MethodPost, "/operations/op_1/stop", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	waitIdle(t, h.runtime)

	h.ops.mu.Lock()
	defer h.ops.mu.Unlock()
	assert.Empty(t, h.ops.cancelled, "stop must not write a terminal state")
}

// TestServer_Health tests the health endpoint detail block.
func TestServer_Health(t *testing.T) {
	s, _ := newTestServer(t, &stubExecutor{typ: db.TypeBacktesting, run: nil})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Echo.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp khttp.HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "ktrdr-worker", resp.Service)
	assert.Equal(t, "worker-1", resp.Details["worker_id"])
	assert.Equal(t, db.TypeBacktesting, resp.Details["operation_type"])
	assert.Equal(t, false, resp.Details["busy"])
}

// TestServer_RouteMatchesExecutorType tests that the start route is
// named after the hosted executor.
func TestServer_RouteMatchesExecutorType(t *testing.T) {
	s, _ := newTestServer(t, &stubExecutor{typ: db.TypeBacktesting, run: nil})

	rec := doJSON(s, http.MethodPost, "/training/start", `{"operation_id":"op_1","request_payload":{}}`)
	assert.Equal(t, http.StatusNotFound, rec.Code, "a backtesting worker serves no training route")
}
