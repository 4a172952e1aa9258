// Package worker runs one operation at a time on behalf of the
// coordinator: it hosts a domain executor inside the unit-loop
// harness, writes checkpoints through the shared store, reports
// progress and liveness over heartbeats, and re-registers itself after
// coordinator outages.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"core.ktrdr.dev/common"
	"core.ktrdr.dev/db"
	"core.ktrdr.dev/executor"
	"core.ktrdr.dev/progress"
)

// Session is the harness one operation runs inside. It implements
// executor.Session: the cancel flag is an atomic read, progress flows
// through the debouncer, and checkpoints go through the shared store
// with the policy deciding when a periodic one is due.
type Session struct {
	operationID   string
	operationType string
	epoch         int64
	policy        executor.Policy
	checkpoints   CheckpointStore
	emit          func(progress.Update)
	log           *logrus.Entry

	cancelled atomic.Bool
	stopped   atomic.Bool
	draining  atomic.Bool

	mu       sync.Mutex
	build    executor.BuildFunc
	lastUnit int
	lastAt   time.Time
	snapshot progressSnapshot
}

type progressSnapshot struct {
	Unit    int
	Total   int
	Message string
	Context map[string]interface{}
}

func newSession(operationID, operationType string, epoch int64, policy executor.Policy, checkpoints CheckpointStore, emit func(progress.Update)) *Session {
	return &Session{
		operationID:   operationID,
		operationType: operationType,
		epoch:         epoch,
		policy:        policy,
		checkpoints:   checkpoints,
		emit:          emit,
		lastAt:        time.Now(),
		log: common.Logger.WithFields(logrus.Fields{
			"component":    "worker",
			"operation_id": operationID,
		}),
	}
}

// OperationID returns the operation this session runs.
func (s *Session) OperationID() string { return s.operationID }

// Epoch returns the ownership epoch this session holds.
func (s *Session) Epoch() int64 { return s.epoch }

// IsCancelRequested reports whether the operation should stop at the
// executor's next cadence point. Stop requests count: the executor
// unwinds the same way, only the terminal handling differs.
func (s *Session) IsCancelRequested() bool {
	return s.cancelled.Load() || s.stopped.Load()
}

// RequestCancel asks the operation to stop and finalize as CANCELLED.
func (s *Session) RequestCancel() {
	s.cancelled.Store(true)
}

// RequestStop asks the operation to unwind without any terminal
// database write; the coordinator already holds the truth.
func (s *Session) RequestStop() {
	s.stopped.Store(true)
}

// MarkDraining flags a shutdown-initiated cancellation so the terminal
// checkpoint is typed SHUTDOWN instead of CANCELLATION.
func (s *Session) MarkDraining() {
	s.draining.Store(true)
	s.cancelled.Store(true)
}

// Stopped reports whether the session was told to unwind silently.
func (s *Session) Stopped() bool { return s.stopped.Load() }

// Draining reports whether the cancellation came from a shutdown.
func (s *Session) Draining() bool { return s.draining.Load() }

// Policy returns the checkpoint cadence for this operation.
func (s *Session) Policy() executor.Policy { return s.policy }

// OnBuildCheckpoint registers the snapshot builder.
func (s *Session) OnBuildCheckpoint(build executor.BuildFunc) {
	s.mu.Lock()
	s.build = build
	s.mu.Unlock()
}

// UpdateProgress records a progress sample and forwards it through the
// debouncer. The local snapshot always reflects the newest sample so
// checkpoint-time reads and heartbeats never see a stale unit.
func (s *Session) UpdateProgress(unit, total int, message string, context map[string]interface{}) {
	s.mu.Lock()
	s.snapshot = progressSnapshot{Unit: unit, Total: total, Message: message, Context: context}
	s.mu.Unlock()

	if s.emit == nil {
		return
	}
	percent := 0.0
	if total > 0 {
		percent = float64(unit) / float64(total) * 100
	}
	s.emit(progress.Update{
		OperationID: s.operationID,
		Epoch:       s.epoch,
		Percent:     percent,
		Message:     message,
		Context:     context,
	})
}

// Progress returns the most recent progress sample.
func (s *Session) Progress() (unit, total int, message string, context map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot.Unit, s.snapshot.Total, s.snapshot.Message, s.snapshot.Context
}

// MaybeCheckpoint writes a PERIODIC checkpoint when either policy
// interval has been reached since the last successful one. Write
// failures are logged and skipped; the next due tick retries.
func (s *Session) MaybeCheckpoint(ctx context.Context, unit int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	due := s.policy.UnitInterval > 0 && unit-s.lastUnit >= s.policy.UnitInterval
	if !due && s.policy.TimeInterval > 0 && time.Since(s.lastAt) >= s.policy.TimeInterval {
		due = true
	}
	s.mu.Unlock()
	if !due {
		return nil
	}

	if err := s.CheckpointNow(ctx, db.CheckpointPeriodic); err != nil {
		s.log.Warnf("periodic checkpoint at unit %d skipped: %v", unit, err)
		return nil
	}

	s.mu.Lock()
	s.lastUnit = unit
	s.lastAt = time.Now()
	s.mu.Unlock()

	return nil
}

// CheckpointNow builds and persists a checkpoint of the given type
// immediately, regardless of policy.
func (s *Session) CheckpointNow(ctx context.Context, checkpointType string) error {
	s.mu.Lock()
	build := s.build
	s.mu.Unlock()
	if build == nil {
		return fmt.Errorf("no checkpoint builder registered for %s", s.operationID)
	}

	state, artifacts, err := build()
	if err != nil {
		return fmt.Errorf("checkpoint build failed: %w", err)
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("checkpoint state does not marshal: %w", err)
	}

	return s.checkpoints.Save(ctx, s.operationID, checkpointType, raw, artifacts)
}
