package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"core.ktrdr.dev/common"
)

// TestHealthCheckHandler tests the standard health endpoint
func TestHealthCheckHandler(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := HealthCheckHandler("ktrdr-coordinator", "1.2.3")
	require.NoError(t, handler(c))

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "ktrdr-coordinator", resp.Service)
	assert.Equal(t, "1.2.3", resp.Version)
}

// TestCustomHTTPErrorHandler tests the error taxonomy to status mapping
func TestCustomHTTPErrorHandler(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantError  string
	}{
		{
			name:       "no checkpoint maps to 404",
			err:        &common.NoCheckpointError{OperationID: "op_1"},
			wantStatus: http.StatusNotFound,
			wantError:  "NO_CHECKPOINT",
		},
		{
			name:       "corrupted checkpoint maps to 422",
			err:        &common.CheckpointCorruptedError{OperationID: "op_1", Reason: "manifest mismatch"},
			wantStatus: http.StatusUnprocessableEntity,
			wantError:  "CHECKPOINT_CORRUPTED",
		},
		{
			name:       "state conflict maps to 409",
			err:        &common.StateConflictError{OperationID: "op_1", Requested: "RESUMING", Current: "RUNNING"},
			wantStatus: http.StatusConflict,
			wantError:  "STATE_CONFLICT",
		},
		{
			name:       "duplicate operation maps to 409",
			err:        &common.DuplicateOperationError{OperationID: "op_1"},
			wantStatus: http.StatusConflict,
			wantError:  "DUPLICATE_OPERATION",
		},
		{
			name:       "unresponsive worker maps to 502",
			err:        &common.WorkerUnresponsiveError{WorkerID: "wrk_1", Endpoint: "http://w:8091"},
			wantStatus: http.StatusBadGateway,
			wantError:  "WORKER_UNRESPONSIVE",
		},
		{
			name:       "echo errors pass through",
			err:        echo.NewHTTPError(http.StatusNotFound, "operation not found"),
			wantStatus: http.StatusNotFound,
			wantError:  http.StatusText(http.StatusNotFound),
		},
		{
			name:       "unknown errors map to 500",
			err:        assert.AnError,
			wantStatus: http.StatusInternalServerError,
			wantError:  http.StatusText(http.StatusInternalServerError),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			e.HTTPErrorHandler = CustomHTTPErrorHandler
			e.GET("/boom", func(c echo.Context) error { return tt.err })

			req := httptest.NewRequest(http.MethodGet, "/boom", nil)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantError, resp.Error)
		})
	}
}

// TestCustomHTTPErrorHandlerNoWorker tests the contractual 503 body
func TestCustomHTTPErrorHandlerNoWorker(t *testing.T) {
	e := echo.New()
	e.HTTPErrorHandler = CustomHTTPErrorHandler
	e.POST("/operations", func(c echo.Context) error {
		return &common.NoWorkerAvailableError{Capability: "training"}
	})

	req := httptest.NewRequest(http.MethodPost, "/operations", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp NoWorkerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "NO_WORKER", resp.Error)
	assert.Equal(t, "training", resp.Capability)
}

// TestNewEchoServer tests that the scaffold serves requests
func TestNewEchoServer(t *testing.T) {
	e := NewEchoServer(DefaultServerConfig())
	e.GET("/health", HealthCheckHandler("svc", "dev"))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}
