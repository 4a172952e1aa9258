// Package reconciler restores agreement between the three layers of
// truth: the operations table, the registry's fleet view, and what
// workers actually report. The database always wins; workers are told
// to continue or stop, never asked what the record should say.
package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"core.ktrdr.dev/common"
	"core.ktrdr.dev/db"
	"core.ktrdr.dev/events"
	"core.ktrdr.dev/registry"
)

// OperationStore is the slice of db.OperationStore the reconciler
// drives. Every mutation below is a compare-and-set in the database.
type OperationStore interface {
	Get(ctx context.Context, id string) (*db.Operation, error)
	Start(ctx context.Context, id, owner string) (int64, error)
	Heartbeat(ctx context.Context, id, owner string) (refreshed bool, cancelRequested bool, err error)
	ApplyReportedTerminal(ctx context.Context, id, status string, result json.RawMessage, errKind, errMessage string) error
	FailOrphaned(ctx context.Context, id, message string) error
	MarkPendingReconciliation(ctx context.Context, id string) error
	RevertResume(ctx context.Context, id, prior string) error
	RecreateRunning(ctx context.Context, id, operationType, owner string) (int64, error)
	ListActive(ctx context.Context) ([]*db.Operation, error)
	ListRunningOwnedBy(ctx context.Context, owner string) ([]*db.Operation, error)
	PruneTerminalBefore(ctx context.Context, cutoff time.Time) ([]string, error)
}

// CheckpointStore removes checkpoints once their operation completed
// or was pruned.
type CheckpointStore interface {
	Delete(ctx context.Context, operationID string) (bool, error)
}

// StopNotifier tells a worker to abandon an operation without writing
// a terminal state. Implemented by the coordinator's dispatcher.
type StopNotifier interface {
	Stop(ctx context.Context, endpointURL, operationID string) error
}

// Config carries the reconciliation windows. Zero values fall back to
// the defaults below.
type Config struct {
	// Grace is how long a PENDING_RECONCILIATION operation waits for
	// its worker to reappear before it is failed as orphaned.
	Grace time.Duration

	// OrphanTimeout is the maximum heartbeat silence for a RUNNING
	// operation before it is failed as orphaned.
	OrphanTimeout time.Duration

	// SweepInterval is the cadence of the background sweep.
	SweepInterval time.Duration

	// Retention bounds how long terminal records are kept. Zero
	// disables pruning.
	Retention time.Duration
}

const (
	defaultGrace         = 60 * time.Second
	defaultOrphanTimeout = 60 * time.Second
	defaultSweepInterval = 15 * time.Second
)

// stopProbeRate caps how fast sweep stop probes go out so a large
// fleet of stale workers cannot flood outbound HTTP.
const stopProbeRate = 5

// Reconciler implements startup recovery, registration reconciliation
// and the periodic orphan sweep.
type Reconciler struct {
	ops         OperationStore
	checkpoints CheckpointStore
	fleet       *registry.Registry
	notifier    StopNotifier
	publisher   events.Publisher
	cfg         Config
	probes      *rate.Limiter
	log         *logrus.Entry
}

// New creates a reconciler. The notifier and publisher may be nil;
// stop probes and event publishing are then skipped.
func New(ops OperationStore, checkpoints CheckpointStore, fleet *registry.Registry, notifier StopNotifier, publisher events.Publisher, cfg Config) *Reconciler {
	if cfg.Grace <= 0 {
		cfg.Grace = defaultGrace
	}
	if cfg.OrphanTimeout <= 0 {
		cfg.OrphanTimeout = defaultOrphanTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}

	return &Reconciler{
		ops:         ops,
		checkpoints: checkpoints,
		fleet:       fleet,
		notifier:    notifier,
		publisher:   publisher,
		cfg:         cfg,
		probes:      rate.NewLimiter(stopProbeRate, stopProbeRate),
		log:         common.Logger.WithField("component", "reconciler"),
	}
}

// ReconcileStartup repairs the operations table after a coordinator
// restart. Worker-owned RUNNING operations are parked in
// PENDING_RECONCILIATION and given a grace window to be reclaimed;
// locally-owned ones died with the process and are failed immediately.
// RESUMING operations had a dispatch in flight that is now lost, so
// they revert to their prior terminal state.
func (r *Reconciler) ReconcileStartup(ctx context.Context) error {
	active, err := r.ops.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("startup reconciliation failed: %w", err)
	}

	parked, failed, reverted := 0, 0, 0
	for _, op := range active {
		switch op.Status {
		case db.StatusRunning:
			if op.Owner == db.OwnerBackendLocal {
				if err := r.ops.FailOrphaned(ctx, op.OperationID, "backend restarted during execution"); err != nil {
					r.log.Warnf("startup: could not orphan %s: %v", op.OperationID, err)
					continue
				}
				failed++
				r.publish(events.Event{Type: events.TypeOrphaned, OperationID: op.OperationID, OperationType: op.OperationType, Status: db.StatusFailed})
				continue
			}
			if err := r.ops.MarkPendingReconciliation(ctx, op.OperationID); err != nil {
				r.log.Warnf("startup: could not park %s: %v", op.OperationID, err)
				continue
			}
			parked++

		case db.StatusResuming:
			prior := op.ReconcileStatus
			if prior != db.StatusCancelled && prior != db.StatusFailed {
				prior = db.StatusFailed
			}
			if err := r.ops.RevertResume(ctx, op.OperationID, prior); err != nil {
				r.log.Warnf("startup: could not revert %s: %v", op.OperationID, err)
				continue
			}
			reverted++
		}
	}

	r.log.Infof("startup reconciliation: %d parked, %d orphaned, %d reverted", parked, failed, reverted)

	return nil
}

// ReconcileRegistration applies a worker's registration packet against
// the database and answers with a directive for its current operation.
// Completed operations are applied first so a report of "finished X,
// now running Y" never resurrects X. The caller must hold the
// per-worker registration lock.
func (r *Reconciler) ReconcileRegistration(ctx context.Context, packet *registry.RegistrationPacket) (*registry.RegistrationAck, error) {
	for _, c := range packet.CompletedOperations {
		r.applyReported(ctx, packet.WorkerID, c)
	}

	ack := &registry.RegistrationAck{Directive: registry.DirectiveIdle}
	if packet.CurrentOperationID == nil {
		r.markIdle(ctx, packet.WorkerID)
		return ack, nil
	}

	id := *packet.CurrentOperationID
	op, err := r.ops.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if op == nil {
		// The record is gone entirely, which only happens after a
		// backend data loss. The work is real, so adopt it.
		_, err := r.ops.RecreateRunning(ctx, id, packet.WorkerType, packet.WorkerID)
		if err == nil {
			r.log.Warnf("recreated operation %s reported by worker %s", id, packet.WorkerID)
			return r.ackContinue(ctx, packet.WorkerID, id, ack), nil
		}
		var dup *common.DuplicateOperationError
		if !errors.As(err, &dup) {
			return nil, err
		}
		if op, err = r.ops.Get(ctx, id); err != nil {
			return nil, err
		}
		if op == nil {
			return nil, fmt.Errorf("operation %s vanished during reconciliation", id)
		}
	}

	switch {
	case db.IsTerminal(op.Status):
		ack.Directive = registry.DirectiveStop
		r.markIdle(ctx, packet.WorkerID)

	case op.Status == db.StatusRunning && op.Owner == packet.WorkerID:
		if _, _, err := r.ops.Heartbeat(ctx, id, packet.WorkerID); err != nil {
			r.log.Warnf("heartbeat refresh for %s failed: %v", id, err)
		}
		return r.ackContinue(ctx, packet.WorkerID, id, ack), nil

	case op.Status == db.StatusRunning:
		// Owned by someone else. If that owner is still live the
		// claimant loses; if it is gone, the record is reclaimed by
		// parking it and starting a fresh ownership epoch.
		if r.ownerAlive(op.Owner, id) {
			r.log.Warnf("worker %s claims %s owned by live worker %s, stopping claimant", packet.WorkerID, id, op.Owner)
			ack.Directive = registry.DirectiveStop
			r.markIdle(ctx, packet.WorkerID)
			return ack, nil
		}
		if err := r.ops.MarkPendingReconciliation(ctx, id); err != nil {
			var conflict *common.StateConflictError
			if !errors.As(err, &conflict) {
				return nil, err
			}
		}
		return r.startForWorker(ctx, packet.WorkerID, id, ack)

	case op.Status == db.StatusPending || op.Status == db.StatusResuming || op.Status == db.StatusPendingReconciliation:
		return r.startForWorker(ctx, packet.WorkerID, id, ack)

	default:
		ack.Directive = registry.DirectiveStop
		r.markIdle(ctx, packet.WorkerID)
	}

	return ack, nil
}

// applyReported settles one terminal outcome replayed by a worker.
// Failures are logged and skipped; a single stale report must not
// abort the whole registration.
func (r *Reconciler) applyReported(ctx context.Context, workerID string, c registry.CompletedOperation) {
	op, err := r.ops.Get(ctx, c.OperationID)
	if err != nil {
		r.log.Warnf("reported terminal for %s unreadable: %v", c.OperationID, err)
		return
	}
	if op == nil {
		r.log.Warnf("worker %s reported terminal for unknown operation %s", workerID, c.OperationID)
		return
	}
	if db.IsTerminal(op.Status) {
		return
	}

	if err := r.ops.ApplyReportedTerminal(ctx, c.OperationID, c.Status, c.Result, c.ErrorKind, c.ErrorMessage); err != nil {
		r.log.Warnf("could not apply reported %s for %s: %v", c.Status, c.OperationID, err)
		return
	}

	if c.Status == db.StatusCompleted && r.checkpoints != nil {
		if _, err := r.checkpoints.Delete(ctx, c.OperationID); err != nil {
			r.log.Warnf("checkpoint cleanup for %s failed: %v", c.OperationID, err)
		}
	}

	r.publish(events.Event{
		Type:          eventTypeForStatus(c.Status),
		OperationID:   c.OperationID,
		OperationType: op.OperationType,
		Status:        c.Status,
		Worker:        workerID,
	})
	r.log.Infof("applied reported %s for %s from worker %s", c.Status, c.OperationID, workerID)
}

// ReconcileHeartbeat refreshes liveness for a worker and its current
// operation and reports whether cancellation is pending. A heartbeat
// arriving inside the grace window reclaims a PENDING_RECONCILIATION
// operation without waiting for a re-registration.
func (r *Reconciler) ReconcileHeartbeat(ctx context.Context, workerID string, req *registry.HeartbeatRequest) (*registry.HeartbeatAck, error) {
	if _, err := r.fleet.Heartbeat(ctx, workerID, req.CurrentOperationID); err != nil {
		return nil, err
	}

	ack := &registry.HeartbeatAck{}
	if req.CurrentOperationID == nil {
		return ack, nil
	}
	id := *req.CurrentOperationID

	refreshed, cancelRequested, err := r.ops.Heartbeat(ctx, id, workerID)
	if err != nil {
		return nil, err
	}
	if refreshed {
		ack.CancelRequested = cancelRequested
		return ack, nil
	}

	op, err := r.ops.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if op != nil && op.Status == db.StatusPendingReconciliation && op.Owner == workerID {
		if _, err := r.ops.Start(ctx, id, workerID); err == nil {
			r.log.Infof("operation %s reclaimed by heartbeat from %s", id, workerID)
			ack.CancelRequested = op.CancelRequested
		}
	}

	return ack, nil
}

// HandleDeregister settles operations a worker still owned when it
// deregistered. A clean shutdown cancels its operation before this
// point; anything left RUNNING was abandoned.
func (r *Reconciler) HandleDeregister(ctx context.Context, workerID string) {
	owned, err := r.ops.ListRunningOwnedBy(ctx, workerID)
	if err != nil {
		r.log.Warnf("deregister sweep for %s failed: %v", workerID, err)
		return
	}

	for _, op := range owned {
		if err := r.ops.FailOrphaned(ctx, op.OperationID, "worker deregistered mid-operation"); err != nil {
			r.log.Warnf("could not orphan %s after deregister: %v", op.OperationID, err)
			continue
		}
		r.publish(events.Event{Type: events.TypeOrphaned, OperationID: op.OperationID, OperationType: op.OperationType, Status: db.StatusFailed, Worker: workerID})
		r.log.Warnf("operation %s orphaned: worker %s deregistered", op.OperationID, workerID)
	}
}

// Sweep is one pass of the background reconciliation loop: expire
// grace windows, orphan heartbeat-silent operations, probe workers
// still busy on settled operations, and prune old terminal records.
func (r *Reconciler) Sweep(ctx context.Context) {
	now := time.Now().UTC()

	active, err := r.ops.ListActive(ctx)
	if err != nil {
		r.log.Warnf("sweep could not list operations: %v", err)
		return
	}

	for _, op := range active {
		switch op.Status {
		case db.StatusPendingReconciliation:
			waited := now.Sub(op.UpdatedAt)
			if waited <= r.cfg.Grace {
				continue
			}
			timeout := &common.ReconciliationTimeoutError{OperationID: op.OperationID, Waited: waited.Truncate(time.Second)}
			if err := r.ops.FailOrphaned(ctx, op.OperationID, timeout.Error()); err != nil {
				r.log.Warnf("sweep could not orphan %s: %v", op.OperationID, err)
				continue
			}
			r.publish(events.Event{Type: events.TypeOrphaned, OperationID: op.OperationID, OperationType: op.OperationType, Status: db.StatusFailed, Worker: op.Owner})
			r.log.Warnf("operation %s orphaned: %v", op.OperationID, timeout)

		case db.StatusRunning:
			silence := now.Sub(lastSignal(op))
			if silence <= r.cfg.OrphanTimeout {
				continue
			}
			msg := fmt.Sprintf("no heartbeat from %s for %s", op.Owner, silence.Truncate(time.Second))
			if err := r.ops.FailOrphaned(ctx, op.OperationID, msg); err != nil {
				r.log.Warnf("sweep could not orphan %s: %v", op.OperationID, err)
				continue
			}
			r.publish(events.Event{Type: events.TypeOrphaned, OperationID: op.OperationID, OperationType: op.OperationType, Status: db.StatusFailed, Worker: op.Owner})
			r.log.Warnf("operation %s orphaned: %s", op.OperationID, msg)
			if op.Owner != db.OwnerBackendLocal {
				if err := r.fleet.MarkUnresponsive(ctx, op.Owner); err != nil && !errors.Is(err, registry.ErrUnknownWorker) {
					r.log.Warnf("could not mark worker %s unresponsive: %v", op.Owner, err)
				}
			}
		}
	}

	r.probeStaleWorkers(ctx)
	r.pruneTerminal(ctx, now)
}

// probeStaleWorkers sends STOP to workers whose reported operation is
// already settled in the database, so an orphan-failed operation does
// not keep burning a worker that is in fact alive.
func (r *Reconciler) probeStaleWorkers(ctx context.Context) {
	if r.notifier == nil {
		return
	}

	for _, w := range r.fleet.List() {
		if w.CurrentOperationID == nil || w.State == registry.StateUnresponsive {
			continue
		}
		id := *w.CurrentOperationID

		op, err := r.ops.Get(ctx, id)
		if err != nil {
			r.log.Warnf("stop probe lookup for %s failed: %v", id, err)
			continue
		}
		settled := op == nil || db.IsTerminal(op.Status) ||
			(op.Status == db.StatusRunning && op.Owner != w.WorkerID)
		if !settled {
			continue
		}

		if err := r.probes.Wait(ctx); err != nil {
			return
		}
		if err := r.notifier.Stop(ctx, w.EndpointURL, id); err != nil {
			r.log.Warnf("stop probe to %s for %s failed: %v",
				w.WorkerID, id, &common.WorkerUnresponsiveError{WorkerID: w.WorkerID, Endpoint: w.EndpointURL, Err: err})
			continue
		}
		if err := r.fleet.MarkAvailable(ctx, w.WorkerID); err != nil {
			r.log.Warnf("could not release worker %s: %v", w.WorkerID, err)
		}
		r.log.Infof("stopped worker %s on settled operation %s", w.WorkerID, id)
	}
}

// pruneTerminal deletes terminal records older than the retention
// window and removes their checkpoints, artifacts included.
func (r *Reconciler) pruneTerminal(ctx context.Context, now time.Time) {
	if r.cfg.Retention <= 0 {
		return
	}

	ids, err := r.ops.PruneTerminalBefore(ctx, now.Add(-r.cfg.Retention))
	if err != nil {
		r.log.Warnf("retention prune failed: %v", err)
		return
	}
	for _, id := range ids {
		if r.checkpoints == nil {
			continue
		}
		if _, err := r.checkpoints.Delete(ctx, id); err != nil {
			r.log.Warnf("checkpoint cleanup for pruned %s failed: %v", id, err)
		}
	}
	if len(ids) > 0 {
		r.log.Infof("pruned %d terminal operations", len(ids))
	}
}

// Run executes the sweep on its configured interval until the context
// is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// startForWorker grants ownership of an operation to the registering
// worker. A compare-and-set refusal means another path settled the
// operation first; the worker is told to stop.
func (r *Reconciler) startForWorker(ctx context.Context, workerID, id string, ack *registry.RegistrationAck) (*registry.RegistrationAck, error) {
	epoch, err := r.ops.Start(ctx, id, workerID)
	if err != nil {
		var conflict *common.StateConflictError
		if errors.As(err, &conflict) {
			r.log.Warnf("could not grant %s to worker %s: %v", id, workerID, conflict)
			ack.Directive = registry.DirectiveStop
			r.markIdle(ctx, workerID)
			return ack, nil
		}
		return nil, err
	}

	r.publish(events.Event{Type: events.TypeStarted, OperationID: id, Status: db.StatusRunning, Worker: workerID, Detail: map[string]interface{}{"ownership_epoch": epoch}})
	r.log.Infof("operation %s granted to worker %s at epoch %d", id, workerID, epoch)

	return r.ackContinue(ctx, workerID, id, ack), nil
}

// ackContinue finalizes a CONTINUE answer and syncs the registry view.
func (r *Reconciler) ackContinue(ctx context.Context, workerID, id string, ack *registry.RegistrationAck) *registry.RegistrationAck {
	ack.Directive = registry.DirectiveContinue
	ack.ReconciledCurrentOperationID = &id
	if err := r.fleet.MarkBusy(ctx, workerID, id); err != nil {
		r.log.Warnf("could not mark worker %s busy: %v", workerID, err)
	}
	return ack
}

// markIdle clears the registry's busy marker after a STOP or IDLE
// answer so selection sees the worker as free again.
func (r *Reconciler) markIdle(ctx context.Context, workerID string) {
	if err := r.fleet.MarkAvailable(ctx, workerID); err != nil && !errors.Is(err, registry.ErrUnknownWorker) {
		r.log.Warnf("could not mark worker %s available: %v", workerID, err)
	}
}

// ownerAlive reports whether the recorded owner of an operation is a
// live registry entry still claiming that operation.
func (r *Reconciler) ownerAlive(owner, operationID string) bool {
	if owner == db.OwnerBackendLocal {
		return false
	}
	w := r.fleet.Get(owner)
	if w == nil || w.State == registry.StateUnresponsive || w.State == registry.StateDeregistered {
		return false
	}
	return w.CurrentOperationID != nil && *w.CurrentOperationID == operationID
}

func (r *Reconciler) publish(event events.Event) {
	if r.publisher == nil {
		return
	}
	if err := r.publisher.PublishOperationEvent(event); err != nil {
		r.log.Warnf("event publish failed: %v", err)
	}
}

// lastSignal is the newest liveness timestamp an operation carries.
func lastSignal(op *db.Operation) time.Time {
	if op.LastHeartbeatAt != nil {
		return *op.LastHeartbeatAt
	}
	if op.StartedAt != nil {
		return *op.StartedAt
	}
	return op.UpdatedAt
}

func eventTypeForStatus(status string) string {
	switch status {
	case db.StatusCompleted:
		return events.TypeCompleted
	case db.StatusCancelled:
		return events.TypeCancelled
	default:
		return events.TypeFailed
	}
}
