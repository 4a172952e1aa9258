// Package executor hosts the domain executors the worker runtime
// drives. An executor owns the inner unit loop of one operation type
// and talks to the runtime through a Session: cancellation checks at
// its cadence points, debounced progress, and checkpoint builds. The
// executors here simulate their domains deterministically so that a
// resumed run reproduces the result of an uninterrupted one.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"core.ktrdr.dev/db"
)

// ErrCancelled is returned by an executor that observed a cancellation
// request at one of its cadence points. The runtime turns it into the
// CANCELLED terminal transition.
var ErrCancelled = errors.New("operation cancelled")

// Policy is the checkpoint cadence an operation runs under: a
// checkpoint fires when either interval is reached, whichever first.
type Policy struct {
	UnitInterval int
	TimeInterval time.Duration
}

// BuildFunc returns a consistent snapshot of executor state for
// checkpointing. The state must describe a completed unit boundary,
// never a half-finished one.
type BuildFunc func() (state interface{}, artifacts map[string][]byte, err error)

// Session is the harness contract an executor runs under. All methods
// are called from the executor's own goroutine except IsCancelRequested,
// which is an atomic flag read and safe from anywhere.
type Session interface {
	// IsCancelRequested reports whether cancellation was requested.
	// Cheap enough to call inside tight loops.
	IsCancelRequested() bool

	// UpdateProgress records a progress sample. Forwarding to the
	// coordinator is debounced; calling it every unit is fine.
	UpdateProgress(unit, total int, message string, context map[string]interface{})

	// MaybeCheckpoint persists a checkpoint if the policy says one is
	// due at this unit. Write failures are logged and swallowed; the
	// returned error is only ever the context's.
	MaybeCheckpoint(ctx context.Context, unit int) error

	// OnBuildCheckpoint registers the snapshot builder used for both
	// periodic and terminal checkpoints. Must be called before the
	// first unit completes.
	OnBuildCheckpoint(build BuildFunc)

	// Policy returns the checkpoint cadence for this operation.
	Policy() Policy
}

// ResumeContext carries a loaded checkpoint into an executor run. The
// request payload is the one preserved from the original submission.
type ResumeContext struct {
	State          json.RawMessage
	ArtifactDir    string
	RequestPayload json.RawMessage
}

// Executor runs one operation type from start or from a checkpoint.
type Executor interface {
	// Type is the operation type tag this executor serves.
	Type() string

	// Run executes the operation until completion, cancellation or
	// failure. It returns the result document on success, ErrCancelled
	// when it stopped at a cancellation check, or the domain error.
	Run(ctx context.Context, session Session, payload json.RawMessage, resume *ResumeContext) (json.RawMessage, error)
}

// ForType returns the executor serving an operation type, nil when the
// type is unknown.
func ForType(operationType string) Executor {
	switch operationType {
	case db.TypeTraining:
		return NewTrainer()
	case db.TypeBacktesting:
		return NewBacktester()
	default:
		return nil
	}
}
