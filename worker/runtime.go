package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"core.ktrdr.dev/checkpoint"
	"core.ktrdr.dev/common"
	"core.ktrdr.dev/db"
	"core.ktrdr.dev/events"
	"core.ktrdr.dev/executor"
	"core.ktrdr.dev/progress"
	"core.ktrdr.dev/registry"
)

// ErrBusy is returned when a dispatch arrives while another operation
// is running. The coordinator treats it as a selection miss, not a
// fault.
var ErrBusy = errors.New("worker is busy")

// OperationStore is the slice of the operations table a worker writes:
// the ownership claim and the terminal transitions. Satisfied by
// db.OperationStore.
type OperationStore interface {
	Get(ctx context.Context, id string) (*db.Operation, error)
	Start(ctx context.Context, id, owner string) (int64, error)
	Complete(ctx context.Context, id string, result json.RawMessage) error
	Fail(ctx context.Context, id, kind, message string, errCtx json.RawMessage) error
	CompleteCancel(ctx context.Context, id string, errCtx json.RawMessage) error
}

// CheckpointStore is the slice of the checkpoint engine a worker uses.
// Satisfied by checkpoint.Store.
type CheckpointStore interface {
	Save(ctx context.Context, operationID, checkpointType string, state json.RawMessage, artifacts map[string][]byte) error
	Load(ctx context.Context, operationID string, loadArtifacts bool) (*checkpoint.Checkpoint, error)
	Delete(ctx context.Context, operationID string) (bool, error)
	ArtifactDir(operationID string) string
}

// Runtime hosts one executor and runs one operation at a time. The
// dispatch ack is returned once the ownership claim lands; the
// computation continues in a background goroutine and reaches its
// terminal state without the dispatcher.
type Runtime struct {
	workerID    string
	exec        executor.Executor
	ops         OperationStore
	checkpoints CheckpointStore
	publisher   events.Publisher
	retention   *RetentionStore
	policy      executor.Policy
	deb         *progress.Debouncer
	log         *logrus.Entry

	mu       sync.Mutex
	session  *Session
	done     chan struct{}
	draining bool

	reportMu sync.Mutex
	report   *registry.ProgressReport
	reportOp string
}

// NewRuntime assembles a runtime around one executor. The publisher and
// retention store may be nil; defaultPolicy applies unless the request
// payload overrides it.
func NewRuntime(workerID string, exec executor.Executor, ops OperationStore, checkpoints CheckpointStore, publisher events.Publisher, retention *RetentionStore, defaultPolicy executor.Policy) *Runtime {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	r := &Runtime{
		workerID:    workerID,
		exec:        exec,
		ops:         ops,
		checkpoints: checkpoints,
		publisher:   publisher,
		retention:   retention,
		policy:      defaultPolicy,
		log: common.Logger.WithFields(logrus.Fields{
			"component": "worker",
			"worker_id": workerID,
		}),
	}
	r.deb = progress.NewDebouncer(0, r.keepLatest)
	r.deb.Start()
	return r
}

// WorkerID returns the identity this runtime claims operations under.
func (r *Runtime) WorkerID() string { return r.workerID }

// OperationType returns the operation type the hosted executor serves.
func (r *Runtime) OperationType() string { return r.exec.Type() }

// StartOperation claims the operation and launches it. An empty payload
// marks a resume: the request payload is reloaded from the operation
// record and the checkpoint provides the starting state. The returned
// error is nil once the ownership claim has landed; execution continues
// in the background.
func (r *Runtime) StartOperation(ctx context.Context, operationID string, payload json.RawMessage) error {
	if r.Busy() {
		return ErrBusy
	}

	var resume *executor.ResumeContext
	if len(payload) == 0 {
		cp, err := r.checkpoints.Load(ctx, operationID, true)
		if err != nil {
			return err
		}
		if cp == nil {
			return &common.NoCheckpointError{OperationID: operationID}
		}
		op, err := r.ops.Get(ctx, operationID)
		if err != nil {
			return err
		}
		if op == nil {
			return fmt.Errorf("operation %s has a checkpoint but no record", operationID)
		}
		payload = op.RequestPayload
		resume = &executor.ResumeContext{
			State:          cp.State,
			ArtifactDir:    cp.ArtifactDir,
			RequestPayload: op.RequestPayload,
		}
	}

	r.mu.Lock()
	if r.draining {
		r.mu.Unlock()
		return ErrBusy
	}
	if r.session != nil {
		r.mu.Unlock()
		return ErrBusy
	}

	epoch, err := r.ops.Start(ctx, operationID, r.workerID)
	if err != nil {
		r.mu.Unlock()
		return err
	}

	session := newSession(operationID, r.exec.Type(), epoch, policyFromPayload(payload, r.policy), r.checkpoints, r.deb.Update)
	done := make(chan struct{})
	r.session = session
	r.done = done
	r.mu.Unlock()

	r.log.WithFields(logrus.Fields{
		"operation_id": operationID,
		"epoch":        epoch,
		"resume":       resume != nil,
	}).Info("operation claimed")

	go r.run(session, done, payload, resume)

	return nil
}

// run executes the operation to a terminal state. It owns the session
// slot: the slot is cleared on exit so the next dispatch can land.
func (r *Runtime) run(s *Session, done chan struct{}, payload json.RawMessage, resume *executor.ResumeContext) {
	defer func() {
		r.mu.Lock()
		r.session = nil
		r.done = nil
		r.mu.Unlock()
		close(done)
	}()

	ctx := context.Background()
	log := r.log.WithField("operation_id", s.operationID)

	result, err := r.exec.Run(ctx, s, payload, resume)

	switch {
	case s.Stopped():
		// The coordinator holds the truth for this record already; any
		// write here would fight it.
		log.Info("operation stopped on coordinator directive, no terminal write")

	case err == nil:
		r.finishCompleted(ctx, s, result, log)

	case errors.Is(err, executor.ErrCancelled):
		r.finishCancelled(ctx, s, log)

	default:
		r.finishFailed(ctx, s, err, log)
	}
}

func (r *Runtime) finishCompleted(ctx context.Context, s *Session, result json.RawMessage, log *logrus.Entry) {
	if err := r.ops.Complete(ctx, s.operationID, result); err != nil {
		log.WithError(err).Warn("terminal COMPLETED transition refused")
	}
	if _, err := r.checkpoints.Delete(ctx, s.operationID); err != nil {
		log.WithError(err).Warn("checkpoint cleanup after completion failed")
	}
	r.retain(registry.CompletedOperation{
		OperationID: s.operationID,
		Status:      db.StatusCompleted,
		Result:      result,
		CompletedAt: time.Now().UTC(),
	})
	r.publish(events.TypeCompleted, s, db.StatusCompleted, nil)
	log.Info("operation completed")
}

func (r *Runtime) finishCancelled(ctx context.Context, s *Session, log *logrus.Entry) {
	checkpointType := db.CheckpointCancellation
	if s.Draining() {
		checkpointType = db.CheckpointShutdown
	}

	var errCtx json.RawMessage
	if err := s.CheckpointNow(ctx, checkpointType); err != nil {
		log.WithError(err).Error("terminal checkpoint write failed, cancelling anyway")
		errCtx, _ = json.Marshal(map[string]interface{}{
			"checkpoint_write_error": err.Error(),
			"checkpoint_type":        checkpointType,
		})
	}

	if err := r.ops.CompleteCancel(ctx, s.operationID, errCtx); err != nil {
		log.WithError(err).Warn("terminal CANCELLED transition refused")
	}
	r.retain(registry.CompletedOperation{
		OperationID: s.operationID,
		Status:      db.StatusCancelled,
		CompletedAt: time.Now().UTC(),
	})
	r.publish(events.TypeCancelled, s, db.StatusCancelled, nil)
	log.Info("operation cancelled")
}

func (r *Runtime) finishFailed(ctx context.Context, s *Session, cause error, log *logrus.Entry) {
	var errCtx json.RawMessage
	if err := s.CheckpointNow(ctx, db.CheckpointFailure); err != nil {
		log.WithError(err).Error("failure checkpoint write failed")
		errCtx, _ = json.Marshal(map[string]interface{}{
			"checkpoint_write_error": err.Error(),
			"checkpoint_type":        db.CheckpointFailure,
		})
	}

	if err := r.ops.Fail(ctx, s.operationID, common.FailureDomain, cause.Error(), errCtx); err != nil {
		log.WithError(err).Warn("terminal FAILED transition refused")
	}
	r.retain(registry.CompletedOperation{
		OperationID:  s.operationID,
		Status:       db.StatusFailed,
		ErrorKind:    common.FailureDomain,
		ErrorMessage: cause.Error(),
		CompletedAt:  time.Now().UTC(),
	})
	r.publish(events.TypeFailed, s, db.StatusFailed, map[string]interface{}{
		"error": cause.Error(),
	})
	log.WithError(cause).Warn("operation failed")
}

// CancelOperation flags the running operation for cooperative
// cancellation. It reports false when the id is not the current
// operation; the caller answers 404 and the coordinator record decides
// what that means.
func (r *Runtime) CancelOperation(operationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil || r.session.operationID != operationID {
		return false
	}
	r.session.RequestCancel()
	return true
}

// StopOperation tells the runtime to abandon the operation without a
// terminal write. Stopping an operation that is not running is a
// success: the requested outcome, not running, already holds.
func (r *Runtime) StopOperation(operationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil || r.session.operationID != operationID {
		return
	}
	r.session.RequestStop()
}

// CurrentOperationID returns the id of the running operation, or nil.
func (r *Runtime) CurrentOperationID() *string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil {
		return nil
	}
	id := r.session.operationID
	return &id
}

// CurrentSession returns the running session, or nil.
func (r *Runtime) CurrentSession() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session
}

// Busy reports whether an operation is running.
func (r *Runtime) Busy() bool {
	return r.CurrentSession() != nil
}

// HeartbeatPayload returns the current operation id plus any progress
// sample collected since the last heartbeat. The sample is consumed and
// only attached while it still belongs to the current operation.
func (r *Runtime) HeartbeatPayload() (*string, *registry.ProgressReport) {
	current := r.CurrentOperationID()

	r.reportMu.Lock()
	report, reportOp := r.report, r.reportOp
	r.report = nil
	r.reportOp = ""
	r.reportMu.Unlock()

	if current == nil || reportOp != *current {
		return current, nil
	}
	return current, report
}

// Drain stops intake, asks the running operation to wind down with a
// SHUTDOWN checkpoint and waits for it, up to the given grace. It
// returns false when the operation outlived the grace window.
func (r *Runtime) Drain(grace time.Duration) bool {
	r.mu.Lock()
	r.draining = true
	session, done := r.session, r.done
	r.mu.Unlock()

	defer r.deb.Stop(context.Background())

	if session == nil {
		return true
	}
	session.MarkDraining()

	select {
	case <-done:
		return true
	case <-time.After(grace):
		r.log.WithField("operation_id", session.operationID).
			Warn("operation did not drain in time")
		return false
	}
}

// RetainedOperations lists terminal outcomes still inside the retention
// window, for replay in a registration packet.
func (r *Runtime) RetainedOperations() []registry.CompletedOperation {
	if r.retention == nil {
		return nil
	}
	completed, err := r.retention.List()
	if err != nil {
		r.log.WithError(err).Warn("retention list failed")
		return nil
	}
	return completed
}

// keepLatest is the debouncer flush target: the newest collapsed sample
// is parked for the next heartbeat to carry.
func (r *Runtime) keepLatest(_ context.Context, u progress.Update) {
	r.reportMu.Lock()
	r.report = &registry.ProgressReport{
		Epoch:   u.Epoch,
		Percent: u.Percent,
		Message: u.Message,
		Context: u.Context,
	}
	r.reportOp = u.OperationID
	r.reportMu.Unlock()
}

func (r *Runtime) retain(op registry.CompletedOperation) {
	if r.retention == nil {
		return
	}
	if err := r.retention.Record(op); err != nil {
		r.log.WithError(err).Warn("retention record failed")
		return
	}
	if _, err := r.retention.Sweep(); err != nil {
		r.log.WithError(err).Warn("retention sweep failed")
	}
}

func (r *Runtime) publish(eventType string, s *Session, status string, detail map[string]interface{}) {
	err := r.publisher.PublishOperationEvent(events.Event{
		Type:          eventType,
		OperationID:   s.operationID,
		OperationType: s.operationType,
		Status:        status,
		Worker:        r.workerID,
		At:            time.Now().UTC(),
		Detail:        detail,
	})
	if err != nil {
		r.log.WithError(err).Warn("event publish failed")
	}
}

// payloadPolicy is the slice of a request payload that overrides the
// configured checkpoint cadence for one operation.
type payloadPolicy struct {
	UnitInterval *int     `json:"checkpoint_unit_interval"`
	TimeInterval *float64 `json:"checkpoint_time_interval_seconds"`
}

func policyFromPayload(payload json.RawMessage, def executor.Policy) executor.Policy {
	p := def
	if len(payload) == 0 {
		return p
	}
	var override payloadPolicy
	if err := json.Unmarshal(payload, &override); err != nil {
		return p
	}
	if override.UnitInterval != nil && *override.UnitInterval > 0 {
		p.UnitInterval = *override.UnitInterval
	}
	if override.TimeInterval != nil && *override.TimeInterval > 0 {
		p.TimeInterval = time.Duration(*override.TimeInterval * float64(time.Second))
	}
	return p
}
