package common

import (
	"fmt"
	"time"
)

// Failure kinds recorded in the error document of a FAILED operation.
const (
	FailureOrphaned        = "ORPHANED"
	FailureNoWorker        = "NO_WORKER"
	FailureDomain          = "DOMAIN_EXCEPTION"
	FailureCheckpointWrite = "CHECKPOINT_WRITE_FAILED_ON_TERMINAL"
)

// Causes carried by CheckpointWriteError.
const (
	CheckpointCauseFilesystem = "filesystem"
	CheckpointCauseDatabase   = "database"
)

// NoCheckpointError is returned when resume is requested for an operation
// that has no stored checkpoint.
type NoCheckpointError struct {
	OperationID string
}

func (e *NoCheckpointError) Error() string {
	return fmt.Sprintf("no checkpoint for operation %s", e.OperationID)
}

// CheckpointCorruptedError is returned when the stored artifact set does not
// match the manifest recorded at save time.
type CheckpointCorruptedError struct {
	OperationID string
	Reason      string
}

func (e *CheckpointCorruptedError) Error() string {
	return fmt.Sprintf("checkpoint for operation %s is corrupted: %s", e.OperationID, e.Reason)
}

// CheckpointWriteError is returned when persisting a checkpoint fails; Cause
// distinguishes filesystem from database origin.
type CheckpointWriteError struct {
	OperationID string
	Cause       string
	Err         error
}

func (e *CheckpointWriteError) Error() string {
	return fmt.Sprintf("checkpoint write failed for operation %s (%s): %v", e.OperationID, e.Cause, e.Err)
}

func (e *CheckpointWriteError) Unwrap() error { return e.Err }

// StateConflictError is the compare-and-set refusal: the operation was not in
// a state that permits the requested transition.
type StateConflictError struct {
	OperationID string
	Requested   string
	Current     string
}

func (e *StateConflictError) Error() string {
	if e.Current == "" {
		return fmt.Sprintf("operation %s: transition to %s refused", e.OperationID, e.Requested)
	}
	return fmt.Sprintf("operation %s: transition to %s refused (status %s)", e.OperationID, e.Requested, e.Current)
}

// DuplicateOperationError is returned by create when the id already exists,
// terminal records included.
type DuplicateOperationError struct {
	OperationID string
}

func (e *DuplicateOperationError) Error() string {
	return fmt.Sprintf("operation %s already exists", e.OperationID)
}

// NoWorkerAvailableError is returned when no registered worker matches the
// required capability.
type NoWorkerAvailableError struct {
	Capability string
}

func (e *NoWorkerAvailableError) Error() string {
	return fmt.Sprintf("no worker available for capability %s", e.Capability)
}

// WorkerUnresponsiveError is returned when a dispatch, cancel or stop call to
// a worker times out or fails.
type WorkerUnresponsiveError struct {
	WorkerID string
	Endpoint string
	Err      error
}

func (e *WorkerUnresponsiveError) Error() string {
	return fmt.Sprintf("worker %s (%s) unresponsive: %v", e.WorkerID, e.Endpoint, e.Err)
}

func (e *WorkerUnresponsiveError) Unwrap() error { return e.Err }

// ReconciliationTimeoutError records a PENDING_RECONCILIATION grace window
// that expired without the owning worker reappearing.
type ReconciliationTimeoutError struct {
	OperationID string
	Waited      time.Duration
}

func (e *ReconciliationTimeoutError) Error() string {
	return fmt.Sprintf("reconciliation window for operation %s expired after %s", e.OperationID, e.Waited)
}

// DomainError wraps an opaque failure surfaced by a domain executor.
type DomainError struct {
	OperationID string
	Message     string
	Err         error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("operation %s failed: %s: %v", e.OperationID, e.Message, e.Err)
	}
	return fmt.Sprintf("operation %s failed: %s", e.OperationID, e.Message)
}

func (e *DomainError) Unwrap() error { return e.Err }
