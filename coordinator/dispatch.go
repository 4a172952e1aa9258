package coordinator

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

	"github.com/sirupsen/logrus"

	"core.ktrdr.dev/common"
	"core.ktrdr.dev/registry"
)

// dispatchAckTimeout bounds how long a dispatch waits for the worker's
// ownership claim. The worker acks once the claim lands and keeps
// computing after the response, so a slow ack means a broken worker,
// not a long operation.
const dispatchAckTimeout = 30 * time.Second

// ErrWorkerBusy is a worker's 409 refusal of a dispatch: it accepted
// another operation between selection and this call.
var ErrWorkerBusy = errors.New("worker refused dispatch: busy")

// Dispatcher is the coordinator-to-worker call surface. Start and
// Resume are never retried; a retry would only race the ownership
// claim, so the caller reverts and the client decides.
type Dispatcher interface {
	Start(ctx context.Context, w *registry.Worker, operationType, operationID string, payload json.RawMessage) error
	Resume(ctx context.Context, w *registry.Worker, operationType, operationID string) error
	Cancel(ctx context.Context, endpointURL, operationID string) error
	Stop(ctx context.Context, endpointURL, operationID string) error
}

// dispatchRequest mirrors the worker's start route body. A resume
// omits request_payload; the worker reloads it from the operation
// record and the state from the checkpoint.
type dispatchRequest struct {
	OperationID    string          `json:"operation_id"`
	RequestPayload json.RawMessage `json:"request_payload,omitempty"`
}

// WorkerDispatcher implements Dispatcher over plain HTTP. It also
// serves as the reconciler's stop notifier.
type WorkerDispatcher struct {
	client *http.Client
	log    *logrus.Entry
}

// NewDispatcher creates a dispatcher with the dispatch ack timeout.
func NewDispatcher() *WorkerDispatcher {
	return &WorkerDispatcher{
		client: &http.Client{Timeout: dispatchAckTimeout},
		log:    common.Logger.WithField("component", "dispatch"),
	}
}

// Start posts a new operation to the worker's start route.
func (d *WorkerDispatcher) Start(ctx context.Context, w *registry.Worker, operationType, operationID string, payload json.RawMessage) error {
	return d.dispatch(ctx, w, operationType, dispatchRequest{
		OperationID:    operationID,
		RequestPayload: payload,
	})
}

// Resume posts a resume dispatch: the operation id alone. The absent
// payload is the resume marker.
func (d *WorkerDispatcher) Resume(ctx context.Context, w *registry.Worker, operationType, operationID string) error {
	return d.dispatch(ctx, w, operationType, dispatchRequest{OperationID: operationID})
}

func (d *WorkerDispatcher) dispatch(ctx context.Context, w *registry.Worker, operationType string, req dispatchRequest) error {
	url := fmt.Sprintf("%s/%s/start", strings.TrimRight(w.EndpointURL, "/"), operationType)

	status, body, err := d.post(ctx, url, req)
	if err != nil {
		return &common.WorkerUnresponsiveError{WorkerID: w.WorkerID, Endpoint: w.EndpointURL, Err: err}
	}
	switch {
	case status >= 200 && status < 300:
		d.log.Infof("dispatched %s to worker %s", req.OperationID, w.WorkerID)
		return nil
	case status == http.StatusConflict:
		return ErrWorkerBusy
	default:
		return &common.WorkerUnresponsiveError{
			WorkerID: w.WorkerID,
			Endpoint: w.EndpointURL,
			Err:      fmt.Errorf("dispatch answered HTTP %d: %s", status, strings.TrimSpace(string(body))),
		}
	}
}

// Cancel notifies a worker that cancellation was requested. Best
// effort: the flag in the database is the contract, this call only
// shortens the time to the worker's next heartbeat. A 404 means the
// worker is not running the operation, which is the requested outcome.
func (d *WorkerDispatcher) Cancel(ctx context.Context, endpointURL, operationID string) error {
	url := fmt.Sprintf("%s/operations/%s/cancel", strings.TrimRight(endpointURL, "/"), operationID)

	status, body, err := d.post(ctx, url, nil)
	if err != nil {
		return err
	}
	if (status >= 200 && status < 300) || status == http.StatusNotFound {
		return nil
	}
	return fmt.Errorf("cancel answered HTTP %d: %s", status, strings.TrimSpace(string(body)))
}

// Stop tells a worker to abandon an operation without writing a
// terminal state. The database already holds the settled truth.
func (d *WorkerDispatcher) Stop(ctx context.Context, endpointURL, operationID string) error {
	url := fmt.Sprintf("%s/operations/%s/stop", strings.TrimRight(endpointURL, "/"), operationID)

	status, body, err := d.post(ctx, url, nil)
	if err != nil {
		return err
	}
	if status >= 200 && status < 300 {
		return nil
	}
	return fmt.Errorf("stop answered HTTP %d: %s", status, strings.TrimSpace(string(body)))
}

// post performs a single JSON POST. No retries at this layer.
func (d *WorkerDispatcher) post(ctx context.Context, url string, body interface{}) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to encode dispatch body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, reader)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return resp.StatusCode, nil, err
	}

	return resp.StatusCode, respBody, nil
}
