// Package http provides common HTTP server and client utilities for the
// KTRDR core services: standard middleware, health checks, error mapping
// and a retrying JSON client.
package http

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"core.ktrdr.dev/common"
)

// ServerConfig contains configuration for creating an Echo server
type ServerConfig struct {
	Host            string
	Port            int
	Debug           bool
	BodyLimit       string // e.g., "10M"
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string // For CORS
	RateLimit       float64  // Requests per second (0 = no limit)
}

// DefaultServerConfig returns a server config with sensible defaults
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:            "0.0.0.0",
		Port:            8080,
		Debug:           false,
		BodyLimit:       "10M",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		AllowedOrigins:  []string{"*"},
		RateLimit:       0,
	}
}

// NewEchoServer creates a new Echo server with standard middleware
func NewEchoServer(config ServerConfig) *echo.Echo {
	e := echo.New()

	e.HideBanner = true
	e.HidePort = true
	e.Debug = config.Debug

	// Logger middleware with standard format
	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "[${time_rfc3339}] ${status} ${method} ${uri} (${latency_human})\n",
	}))

	// Recover middleware for panic recovery
	e.Use(middleware.Recover())

	if config.BodyLimit != "" {
		e.Use(middleware.BodyLimit(config.BodyLimit))
	}

	if len(config.AllowedOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: config.AllowedOrigins,
			AllowMethods: []string{
				http.MethodGet,
				http.MethodPost,
				http.MethodPut,
				http.MethodDelete,
				http.MethodPatch,
				http.MethodOptions,
			},
			AllowHeaders: []string{
				echo.HeaderOrigin,
				echo.HeaderContentType,
				echo.HeaderAccept,
			},
		}))
	}

	e.Use(middleware.RequestID())

	if config.RateLimit > 0 {
		e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(
			rate.Limit(config.RateLimit),
		)))
	}

	e.HTTPErrorHandler = CustomHTTPErrorHandler

	return e
}

// HealthResponse represents a health check response
type HealthResponse struct {
	Status  string                 `json:"status"`
	Service string                 `json:"service,omitempty"`
	Version string                 `json:"version,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// HealthCheckHandler returns a standard health check handler
func HealthCheckHandler(serviceName, version string) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, HealthResponse{
			Status:  "healthy",
			Service: serviceName,
			Version: version,
		})
	}
}

// HealthCheckHandlerWithDetails returns a health check handler with custom details
func HealthCheckHandlerWithDetails(serviceName, version string, detailsFunc func() map[string]interface{}) echo.HandlerFunc {
	return func(c echo.Context) error {
		details := make(map[string]interface{})
		if detailsFunc != nil {
			details = detailsFunc()
		}

		return c.JSON(http.StatusOK, HealthResponse{
			Status:  "healthy",
			Service: serviceName,
			Version: version,
			Details: details,
		})
	}
}

// StartServer starts an Echo server with graceful shutdown support
func StartServer(e *echo.Echo, config ServerConfig) error {
	s := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}

	log.Printf("Starting server on %s:%d", config.Host, config.Port)
	return e.StartServer(s)
}

// GracefulShutdown performs a graceful shutdown of the Echo server
func GracefulShutdown(e *echo.Echo, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	log.Println("Shutting down server gracefully...")
	if err := e.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	log.Println("Server stopped")
	return nil
}

// ErrorResponse represents a standard error response
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Message string                 `json:"message,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// NoWorkerResponse is the contractual 503 body for dispatch without a
// matching worker.
type NoWorkerResponse struct {
	Error      string `json:"error"`
	Capability string `json:"capability"`
}

// CustomHTTPErrorHandler maps the coordination error taxonomy onto HTTP
// statuses: 404 no checkpoint, 409 state conflict or duplicate, 422
// corrupted checkpoint, 503 no worker, 502 unresponsive worker.
func CustomHTTPErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code := http.StatusInternalServerError
	resp := ErrorResponse{Message: err.Error()}

	var (
		noCheckpoint *common.NoCheckpointError
		corrupted    *common.CheckpointCorruptedError
		conflict     *common.StateConflictError
		duplicate    *common.DuplicateOperationError
		noWorker     *common.NoWorkerAvailableError
		unresponsive *common.WorkerUnresponsiveError
	)

	switch {
	case errors.As(err, &noCheckpoint):
		code = http.StatusNotFound
		resp.Error = "NO_CHECKPOINT"
	case errors.As(err, &corrupted):
		code = http.StatusUnprocessableEntity
		resp.Error = "CHECKPOINT_CORRUPTED"
		resp.Details = map[string]interface{}{"reason": corrupted.Reason}
	case errors.As(err, &conflict):
		code = http.StatusConflict
		resp.Error = "STATE_CONFLICT"
		if conflict.Current != "" {
			resp.Details = map[string]interface{}{"current_status": conflict.Current}
		}
	case errors.As(err, &duplicate):
		code = http.StatusConflict
		resp.Error = "DUPLICATE_OPERATION"
	case errors.As(err, &noWorker):
		writeJSON(c, http.StatusServiceUnavailable, NoWorkerResponse{
			Error:      "NO_WORKER",
			Capability: noWorker.Capability,
		})
		return
	case errors.As(err, &unresponsive):
		code = http.StatusBadGateway
		resp.Error = "WORKER_UNRESPONSIVE"
	default:
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if msg, ok := he.Message.(string); ok {
				resp.Message = msg
			}
		}
		resp.Error = http.StatusText(code)
	}

	if c.Request().Method == http.MethodHead {
		if err := c.NoContent(code); err != nil {
			log.Printf("Error sending error response: %v", err)
		}
		return
	}
	writeJSON(c, code, resp)
}

func writeJSON(c echo.Context, code int, body interface{}) {
	if err := c.JSON(code, body); err != nil {
		log.Printf("Error sending error response: %v", err)
	}
}
