package worker

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"

	khttp "core.ktrdr.dev/http"
)

// dispatchRequest is the coordinator's start call. A missing
// request_payload marks a resume; the worker reloads the payload from
// the operation record and the state from the checkpoint.
type dispatchRequest struct {
	OperationID    string          `json:"operation_id"`
	RequestPayload json.RawMessage `json:"request_payload,omitempty"`
}

// Server is the worker's dispatch surface: one start route named after
// the hosted executor's operation type, cancel and stop notifications,
// and a health endpoint.
type Server struct {
	Echo    *echo.Echo
	runtime *Runtime
	cfg     khttp.ServerConfig
}

// NewServer builds the dispatch server for a runtime.
func NewServer(runtime *Runtime, cfg khttp.ServerConfig, version string) *Server {
	e := khttp.NewEchoServer(cfg)
	s := &Server{Echo: e, runtime: runtime, cfg: cfg}

	e.POST("/"+runtime.OperationType()+"/start", s.handleStart)
	e.POST("/operations/:id/cancel", s.handleCancel)
	e.POST("/operations/:id/stop", s.handleStop)
	e.GET("/health", khttp.HealthCheckHandlerWithDetails("ktrdr-worker", version, func() map[string]interface{} {
		details := map[string]interface{}{
			"worker_id":      runtime.WorkerID(),
			"operation_type": runtime.OperationType(),
			"busy":           runtime.Busy(),
		}
		if id := runtime.CurrentOperationID(); id != nil {
			details["current_operation_id"] = *id
		}
		return details
	}))

	return s
}

// Start serves until Shutdown or a listener error.
func (s *Server) Start() error {
	return khttp.StartServer(s.Echo, s.cfg)
}

// Shutdown stops accepting dispatches and drains in-flight requests.
func (s *Server) Shutdown() error {
	return khttp.GracefulShutdown(s.Echo, s.cfg.ShutdownTimeout)
}

// handleStart acks once the ownership claim lands; the computation
// keeps running after the response.
func (s *Server) handleStart(c echo.Context) error {
	var req dispatchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid dispatch body")
	}
	if req.OperationID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "operation_id is required")
	}

	if err := s.runtime.StartOperation(c.Request().Context(), req.OperationID, req.RequestPayload); err != nil {
		if err == ErrBusy {
			return c.JSON(http.StatusConflict, khttp.ErrorResponse{
				Error:   "BUSY",
				Message: "worker is running another operation",
			})
		}
		return err
	}

	return c.JSON(http.StatusOK, map[string]string{
		"operation_id": req.OperationID,
		"status":       "RUNNING",
	})
}

// handleCancel flags the current operation. An id that is not running
// here is a 404; the coordinator record decides what that means.
func (s *Server) handleCancel(c echo.Context) error {
	id := c.Param("id")
	if !s.runtime.CancelOperation(id) {
		return c.JSON(http.StatusNotFound, khttp.ErrorResponse{
			Error:   "NOT_RUNNING",
			Message: "operation " + id + " is not running on this worker",
		})
	}

	return c.JSON(http.StatusAccepted, map[string]string{
		"operation_id": id,
		"status":       "CANCEL_REQUESTED",
	})
}

// handleStop is idempotent: not running is the requested outcome.
func (s *Server) handleStop(c echo.Context) error {
	id := c.Param("id")
	s.runtime.StopOperation(id)

	return c.JSON(http.StatusOK, map[string]string{
		"operation_id": id,
		"status":       "STOPPED",
	})
}
