package registry

import (
	"encoding/json"
	"time"
)

// Directives returned to a registering worker after reconciliation.
const (
	// DirectiveContinue tells the worker to keep running its current
	// operation; the database agrees it owns it.
	DirectiveContinue = "CONTINUE"

	// DirectiveStop tells the worker to abandon its current operation
	// without writing a terminal state; the database already holds the
	// truth.
	DirectiveStop = "STOP"

	// DirectiveIdle tells the worker it has nothing to reconcile.
	DirectiveIdle = "IDLE"
)

// RegistrationPacket is what a worker sends when it registers or
// re-registers. CompletedOperations reports terminal outcomes reached
// while the coordinator was unreachable; CurrentOperationID reports
// in-flight work to reconcile.
type RegistrationPacket struct {
	WorkerID            string                 `json:"worker_id"`
	WorkerType          string                 `json:"worker_type"`
	EndpointURL         string                 `json:"endpoint_url"`
	Capabilities        map[string]interface{} `json:"capabilities,omitempty"`
	Version             string                 `json:"version,omitempty"`
	CurrentOperationID  *string                `json:"current_operation_id,omitempty"`
	CompletedOperations []CompletedOperation   `json:"completed_operations,omitempty"`
}

// CompletedOperation is one terminal outcome a worker reached while
// disconnected, replayed to the coordinator at re-registration.
type CompletedOperation struct {
	OperationID  string          `json:"operation_id"`
	Status       string          `json:"status"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorKind    string          `json:"error_kind,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CompletedAt  time.Time       `json:"completed_at"`
}

// RegistrationAck is the coordinator's answer to a registration. The
// directive applies to the worker's reported current operation.
type RegistrationAck struct {
	ReconciledCurrentOperationID *string `json:"reconciled_current_operation_id"`
	Directive                    string  `json:"directive"`
}

// HeartbeatRequest is the worker's periodic liveness report,
// optionally carrying debounced progress for its current operation.
type HeartbeatRequest struct {
	CurrentOperationID *string         `json:"current_operation_id,omitempty"`
	Progress           *ProgressReport `json:"progress,omitempty"`
}

// ProgressReport is a progress sample tagged with the ownership epoch
// the worker holds, so reports from a stale owner can be discarded.
type ProgressReport struct {
	Epoch   int64                  `json:"epoch"`
	Percent float64                `json:"percent"`
	Message string                 `json:"message,omitempty"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// HeartbeatAck piggybacks pending cancellation on the heartbeat
// response so workers learn about cancels without a second channel.
type HeartbeatAck struct {
	CancelRequested bool `json:"cancel_requested"`
}
