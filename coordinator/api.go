// Package coordinator assembles the coordination process: the
// operation lifecycle API, the worker fleet surface, the reconciler
// and the background sweeps, served over one echo server.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"core.ktrdr.dev/checkpoint"
	"core.ktrdr.dev/common"
	"core.ktrdr.dev/db"
	"core.ktrdr.dev/events"
	"core.ktrdr.dev/progress"
	"core.ktrdr.dev/registry"
)

// OperationStore is the slice of db.OperationStore the API drives.
type OperationStore interface {
	Create(ctx context.Context, id, operationType, owner string, payload json.RawMessage) (*db.Operation, error)
	Get(ctx context.Context, id string) (*db.Operation, error)
	List(ctx context.Context, filter db.ListFilter) ([]*db.Operation, error)
	RequestCancel(ctx context.Context, id string) (string, error)
	TryResume(ctx context.Context, id string) error
	RevertResume(ctx context.Context, id, prior string) error
	Fail(ctx context.Context, id, kind, message string, errCtx json.RawMessage) error
}

// CheckpointStore is the slice of checkpoint.Store the API surfaces.
type CheckpointStore interface {
	Load(ctx context.Context, operationID string, loadArtifacts bool) (*checkpoint.Checkpoint, error)
	Delete(ctx context.Context, operationID string) (bool, error)
	List(ctx context.Context, filter db.CheckpointFilter) ([]*db.CheckpointSummary, error)
}

// Reconciler is the slice of the reconciler behind the worker-facing
// routes.
type Reconciler interface {
	ReconcileRegistration(ctx context.Context, packet *registry.RegistrationPacket) (*registry.RegistrationAck, error)
	ReconcileHeartbeat(ctx context.Context, workerID string, req *registry.HeartbeatRequest) (*registry.HeartbeatAck, error)
	HandleDeregister(ctx context.Context, workerID string)
}

// Deps are the components the API serves.
type Deps struct {
	Operations  OperationStore
	Checkpoints CheckpointStore
	Fleet       *registry.Registry
	Reconciler  Reconciler
	Dispatcher  Dispatcher
	Progress    progress.Cache
	Debouncer   *progress.Debouncer
	Publisher   events.Publisher
}

// API implements the coordinator HTTP surface.
type API struct {
	ops         OperationStore
	checkpoints CheckpointStore
	fleet       *registry.Registry
	rec         Reconciler
	dispatcher  Dispatcher
	cache       progress.Cache
	deb         *progress.Debouncer
	publisher   events.Publisher
	log         *logrus.Entry
}

// NewAPI creates the API over its dependencies.
func NewAPI(deps Deps) *API {
	return &API{
		ops:         deps.Operations,
		checkpoints: deps.Checkpoints,
		fleet:       deps.Fleet,
		rec:         deps.Reconciler,
		dispatcher:  deps.Dispatcher,
		cache:       deps.Progress,
		deb:         deps.Debouncer,
		publisher:   deps.Publisher,
		log:         common.Logger.WithField("component", "api"),
	}
}

// RegisterRoutes mounts all coordinator routes on the given group,
// normally /api/v1.
func (a *API) RegisterRoutes(g *echo.Group) {
	g.POST("/operations", a.handleCreateOperation)
	g.GET("/operations", a.handleListOperations)
	g.GET("/operations/:id", a.handleGetOperation)
	g.DELETE("/operations/:id", a.handleCancelOperation)
	g.POST("/operations/:id/resume", a.handleResumeOperation)
	g.GET("/operations/:id/events", a.handleOperationEvents)

	g.GET("/checkpoints", a.handleListCheckpoints)
	g.GET("/checkpoints/:id", a.handleGetCheckpoint)
	g.DELETE("/checkpoints/:id", a.handleDeleteCheckpoint)

	g.GET("/workers", a.handleListWorkers)
	g.POST("/workers/register", a.handleRegisterWorker)
	g.POST("/workers/:id/heartbeat", a.handleWorkerHeartbeat)
	g.POST("/workers/:id/deregister", a.handleDeregisterWorker)
}

type createOperationRequest struct {
	OperationType  string          `json:"operation_type"`
	RequestPayload json.RawMessage `json:"request_payload"`
}

type createOperationResponse struct {
	OperationID string `json:"operation_id"`
	Status      string `json:"status"`
	WorkerID    string `json:"worker_id,omitempty"`
}

// handleCreateOperation creates a PENDING record, selects a worker and
// dispatches. The response status is RUNNING once the worker acked its
// claim. Without a worker the record settles FAILED/NO_WORKER and the
// client gets 503.
func (a *API) handleCreateOperation(c echo.Context) error {
	var req createOperationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.OperationType != db.TypeTraining && req.OperationType != db.TypeBacktesting {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown operation type: %q", req.OperationType))
	}
	payload := req.RequestPayload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	ctx := c.Request().Context()
	id := "op_" + uuid.NewString()

	op, err := a.ops.Create(ctx, id, req.OperationType, "", payload)
	if err != nil {
		return err
	}
	a.publish(events.Event{Type: events.TypeCreated, OperationID: id, OperationType: req.OperationType, Status: db.StatusPending})

	status, workerID, err := a.dispatchNew(ctx, op)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, createOperationResponse{
		OperationID: id,
		Status:      status,
		WorkerID:    workerID,
	})
}

// dispatchNew selects a worker and posts the start for a fresh
// operation. Selection misses and dispatch failures both settle the
// record as FAILED/NO_WORKER; a fresh PENDING operation has no
// checkpoint, so nothing resumable is lost.
func (a *API) dispatchNew(ctx context.Context, op *db.Operation) (string, string, error) {
	w, err := a.fleet.Select(op.OperationType, nil)
	if err != nil {
		var noWorker *common.NoWorkerAvailableError
		if errors.As(err, &noWorker) {
			a.failNoWorker(ctx, op, fmt.Sprintf("no %s worker available", op.OperationType))
		}
		return "", "", err
	}

	if err := a.dispatcher.Start(ctx, w, op.OperationType, op.OperationID, op.RequestPayload); err != nil {
		return a.settleDispatchFailure(ctx, op, w, err)
	}

	a.markBusy(ctx, w.WorkerID, op.OperationID)
	return db.StatusRunning, w.WorkerID, nil
}

// settleDispatchFailure resolves a failed start dispatch. The claim may
// have landed with the ack lost, in which case the record wins and the
// create succeeds; otherwise the record is failed and the client is
// told why no worker took the work.
func (a *API) settleDispatchFailure(ctx context.Context, op *db.Operation, w *registry.Worker, dispatchErr error) (string, string, error) {
	if errors.Is(dispatchErr, ErrWorkerBusy) {
		// Selection raced another dispatch. The worker's next heartbeat
		// resyncs its registry state; it is not unresponsive.
		a.failNoWorker(ctx, op, fmt.Sprintf("worker %s refused dispatch: busy", w.WorkerID))
		return "", "", &common.NoWorkerAvailableError{Capability: op.OperationType}
	}

	if err := a.fleet.MarkUnresponsive(ctx, w.WorkerID); err != nil && !errors.Is(err, registry.ErrUnknownWorker) {
		a.log.Warnf("could not mark worker %s unresponsive: %v", w.WorkerID, err)
	}

	if cur, err := a.ops.Get(ctx, op.OperationID); err == nil && cur != nil && cur.Status == db.StatusRunning {
		a.log.Warnf("dispatch ack for %s lost but the claim landed on %s", op.OperationID, cur.Owner)
		return db.StatusRunning, cur.Owner, nil
	}

	a.failNoWorker(ctx, op, fmt.Sprintf("dispatch to worker %s failed: %v", w.WorkerID, dispatchErr))
	return "", "", dispatchErr
}

// failNoWorker settles a fresh operation that could not be dispatched.
// A compare-and-set refusal means a worker claimed it after all; that
// path keeps the record.
func (a *API) failNoWorker(ctx context.Context, op *db.Operation, message string) {
	if err := a.ops.Fail(ctx, op.OperationID, common.FailureNoWorker, message, nil); err != nil {
		var conflict *common.StateConflictError
		if !errors.As(err, &conflict) {
			a.log.Warnf("could not fail %s: %v", op.OperationID, err)
		}
		return
	}
	a.dropSnapshot(ctx, op.OperationID)
	a.publish(events.Event{Type: events.TypeFailed, OperationID: op.OperationID, OperationType: op.OperationType, Status: db.StatusFailed})
}

// dropSnapshot clears the cached progress of a settled operation. The
// cache self-heals through epoch gating and TTL, so failures only log.
func (a *API) dropSnapshot(ctx context.Context, id string) {
	if err := a.cache.Remove(ctx, id); err != nil {
		a.log.Debugf("could not drop progress snapshot for %s: %v", id, err)
	}
}

// operationResponse decorates the database record with the live fleet
// view for RESUMING reads.
type operationResponse struct {
	*db.Operation
	DispatchedTo *workerRef `json:"dispatched_to,omitempty"`
}

type workerRef struct {
	WorkerID string `json:"worker_id"`
	State    string `json:"state"`
}

func (a *API) handleGetOperation(c echo.Context) error {
	ctx := c.Request().Context()

	op, err := a.ops.Get(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	if op == nil {
		return echo.NewHTTPError(http.StatusNotFound, "operation not found")
	}

	a.overlayProgress(ctx, op)

	resp := operationResponse{Operation: op}
	if op.Status == db.StatusResuming {
		if w := a.fleet.FindByOperation(op.OperationID); w != nil {
			resp.DispatchedTo = &workerRef{WorkerID: w.WorkerID, State: w.State}
		}
	}

	return c.JSON(http.StatusOK, resp)
}

// overlayProgress replaces the row's progress with the cached snapshot
// when the cache is fresher. The row lags by the write debounce; the
// overlay keeps pollers sub-second without extra table writes. Stale
// epochs and regressions never win.
func (a *API) overlayProgress(ctx context.Context, op *db.Operation) {
	if op.Status != db.StatusRunning {
		return
	}
	snap, err := a.cache.Get(ctx, op.OperationID)
	if err != nil || snap == nil {
		return
	}
	if snap.Epoch != 0 && snap.Epoch != op.OwnershipEpoch {
		return
	}
	if op.Progress.UpdatedAt != nil && !snap.UpdatedAt.After(*op.Progress.UpdatedAt) {
		return
	}
	if snap.Percent < op.Progress.Percent {
		return
	}

	op.Progress.Percent = snap.Percent
	op.Progress.Message = snap.Message
	if len(snap.Context) > 0 {
		if data, err := json.Marshal(snap.Context); err == nil {
			op.Progress.Context = data
		}
	}
	at := snap.UpdatedAt
	op.Progress.UpdatedAt = &at
}

func (a *API) handleListOperations(c echo.Context) error {
	filter := db.ListFilter{
		Type:  c.QueryParam("type"),
		Owner: c.QueryParam("owner"),
	}
	if raw := c.QueryParam("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				filter.Status = append(filter.Status, strings.ToUpper(s))
			}
		}
	}
	if raw := c.QueryParam("older_than"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "older_than must be a duration such as 24h")
		}
		cutoff := time.Now().UTC().Add(-d)
		filter.OlderThan = &cutoff
	}
	if raw := c.QueryParam("resumable"); raw != "" {
		resumable, err := strconv.ParseBool(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "resumable must be a boolean")
		}
		filter.Resumable = resumable
	}

	ops, err := a.ops.List(c.Request().Context(), filter)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"operations": ops,
		"count":      len(ops),
	})
}

// handleCancelOperation requests cancellation. Non-blocking: the flag
// lands in the record and the owning worker is nudged best-effort; its
// checkpoint-and-terminate finalizes the state. Terminal operations
// answer with their current status.
func (a *API) handleCancelOperation(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	op, err := a.ops.Get(ctx, id)
	if err != nil {
		return err
	}
	if op == nil {
		return echo.NewHTTPError(http.StatusNotFound, "operation not found")
	}

	status, err := a.ops.RequestCancel(ctx, id)
	if err != nil {
		return err
	}

	switch status {
	case db.StatusCancelled:
		a.dropSnapshot(ctx, id)
		a.publish(events.Event{Type: events.TypeCancelled, OperationID: id, OperationType: op.OperationType, Status: db.StatusCancelled})
	case db.StatusCancelRequested:
		a.publish(events.Event{Type: events.TypeCancelRequested, OperationID: id, OperationType: op.OperationType, Status: db.StatusRunning, Worker: op.Owner})
		a.notifyCancel(ctx, op)
	}

	return c.JSON(http.StatusAccepted, map[string]string{"status": status})
}

// notifyCancel nudges the owning worker so cancellation is observed
// before its next heartbeat. Failures are ignored; the flag in the
// database is the contract.
func (a *API) notifyCancel(ctx context.Context, op *db.Operation) {
	w := a.fleet.Get(op.Owner)
	if w == nil {
		w = a.fleet.FindByOperation(op.OperationID)
	}
	if w == nil {
		return
	}
	if err := a.dispatcher.Cancel(ctx, w.EndpointURL, op.OperationID); err != nil {
		a.log.Warnf("cancel notify to %s for %s failed: %v", w.WorkerID, op.OperationID, err)
	}
}

type resumeResponse struct {
	OperationID string      `json:"operation_id"`
	Status      string      `json:"status"`
	WorkerID    string      `json:"worker_id,omitempty"`
	ResumedFrom resumedFrom `json:"resumed_from"`
}

type resumedFrom struct {
	CheckpointType string                 `json:"checkpoint_type"`
	CreatedAt      time.Time              `json:"created_at"`
	ResumePoint    map[string]interface{} `json:"resume_point,omitempty"`
}

// handleResumeOperation restarts a terminal operation from its
// checkpoint: claim RESUMING, verify the checkpoint, select a worker,
// dispatch. Every failure after the claim reverts to the prior
// terminal state so the operation stays resumable.
func (a *API) handleResumeOperation(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	op, err := a.ops.Get(ctx, id)
	if err != nil {
		return err
	}
	if op == nil {
		return echo.NewHTTPError(http.StatusNotFound, "operation not found")
	}
	prior := op.Status
	if prior != db.StatusCancelled && prior != db.StatusFailed {
		prior = db.StatusFailed
	}

	if err := a.ops.TryResume(ctx, id); err != nil {
		return err
	}

	cp, err := a.checkpoints.Load(ctx, id, true)
	if err != nil {
		a.revertResume(ctx, id, prior)
		return err
	}
	if cp == nil {
		a.revertResume(ctx, id, prior)
		return &common.NoCheckpointError{OperationID: id}
	}

	w, err := a.fleet.Select(op.OperationType, nil)
	if err != nil {
		a.revertResume(ctx, id, prior)
		return err
	}

	if err := a.dispatcher.Resume(ctx, w, op.OperationType, id); err != nil {
		if !errors.Is(err, ErrWorkerBusy) {
			if merr := a.fleet.MarkUnresponsive(ctx, w.WorkerID); merr != nil && !errors.Is(merr, registry.ErrUnknownWorker) {
				a.log.Warnf("could not mark worker %s unresponsive: %v", w.WorkerID, merr)
			}
		}
		// The claim may have landed with the ack lost. The record wins.
		cur, gerr := a.ops.Get(ctx, id)
		if gerr != nil || cur == nil || cur.Status != db.StatusRunning {
			a.revertResume(ctx, id, prior)
			if errors.Is(err, ErrWorkerBusy) {
				return &common.NoWorkerAvailableError{Capability: op.OperationType}
			}
			return err
		}
		a.log.Warnf("resume ack for %s lost but the claim landed on %s", id, cur.Owner)
	} else {
		a.markBusy(ctx, w.WorkerID, id)
	}

	a.publish(events.Event{Type: events.TypeResumed, OperationID: id, OperationType: op.OperationType, Status: db.StatusResuming, Worker: w.WorkerID})

	return c.JSON(http.StatusOK, resumeResponse{
		OperationID: id,
		Status:      db.StatusResuming,
		WorkerID:    w.WorkerID,
		ResumedFrom: resumedFrom{
			CheckpointType: cp.CheckpointType,
			CreatedAt:      cp.UpdatedAt,
			ResumePoint:    resumePoint(op.OperationType, cp.State),
		},
	})
}

// resumePoint extracts the domain position from a checkpoint state
// document: the one place the coordinator peeks into executor state,
// and only to echo it back to the client.
func resumePoint(operationType string, state json.RawMessage) map[string]interface{} {
	var doc map[string]interface{}
	if err := json.Unmarshal(state, &doc); err != nil {
		return nil
	}

	point := map[string]interface{}{}
	switch operationType {
	case db.TypeTraining:
		if v, ok := doc["epoch"]; ok {
			point["epoch"] = v
		}
	case db.TypeBacktesting:
		if v, ok := doc["bar_index"]; ok {
			point["bar_index"] = v
		}
		if v, ok := doc["current_date"]; ok {
			point["current_date"] = v
		}
	}
	if len(point) == 0 {
		return nil
	}
	return point
}

// checkpointSummaryView adds humanized sizes to a listing row.
type checkpointSummaryView struct {
	*db.CheckpointSummary
	StateSize    string `json:"state_size"`
	ArtifactSize string `json:"artifact_size"`
}

func (a *API) handleListCheckpoints(c echo.Context) error {
	filter := db.CheckpointFilter{OperationType: c.QueryParam("type")}
	if raw := c.QueryParam("older_than"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "older_than must be a duration such as 24h")
		}
		cutoff := time.Now().UTC().Add(-d)
		filter.OlderThan = &cutoff
	}

	summaries, err := a.checkpoints.List(c.Request().Context(), filter)
	if err != nil {
		return err
	}

	items := make([]checkpointSummaryView, 0, len(summaries))
	for _, s := range summaries {
		items = append(items, checkpointSummaryView{
			CheckpointSummary: s,
			StateSize:         humanize.IBytes(uint64(s.StateBytes)),
			ArtifactSize:      humanize.IBytes(uint64(s.ArtifactBytes)),
		})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"checkpoints": items,
		"count":       len(items),
	})
}

type checkpointSizes struct {
	StateBytes    int64  `json:"state_bytes"`
	ArtifactBytes int64  `json:"artifact_bytes"`
	State         string `json:"state"`
	Artifacts     string `json:"artifacts"`
}

type checkpointView struct {
	OperationID    string          `json:"operation_id"`
	CheckpointType string          `json:"checkpoint_type"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	State          json.RawMessage `json:"state"`
	ArtifactsPath  string          `json:"artifacts_path,omitempty"`
	Sizes          checkpointSizes `json:"sizes"`
}

// handleGetCheckpoint returns the full checkpoint document. Artifacts
// are not verified here; inspection must work even when the directory
// is damaged, that is what it is for.
func (a *API) handleGetCheckpoint(c echo.Context) error {
	id := c.Param("id")

	cp, err := a.checkpoints.Load(c.Request().Context(), id, false)
	if err != nil {
		return err
	}
	if cp == nil {
		return &common.NoCheckpointError{OperationID: id}
	}

	return c.JSON(http.StatusOK, checkpointView{
		OperationID:    cp.OperationID,
		CheckpointType: cp.CheckpointType,
		CreatedAt:      cp.CreatedAt,
		UpdatedAt:      cp.UpdatedAt,
		State:          cp.State,
		ArtifactsPath:  cp.ArtifactDir,
		Sizes: checkpointSizes{
			StateBytes:    cp.StateBytes,
			ArtifactBytes: cp.ArtifactBytes,
			State:         humanize.IBytes(uint64(cp.StateBytes)),
			Artifacts:     humanize.IBytes(uint64(cp.ArtifactBytes)),
		},
	})
}

func (a *API) handleDeleteCheckpoint(c echo.Context) error {
	removed, err := a.checkpoints.Delete(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]bool{"removed": removed})
}

func (a *API) handleListWorkers(c echo.Context) error {
	workers := a.fleet.List()

	return c.JSON(http.StatusOK, map[string]interface{}{
		"workers": workers,
		"count":   len(workers),
	})
}

// handleRegisterWorker admits a worker and reconciles what it reports.
// The per-worker lock serializes the registration with its
// reconciliation so two packets from the same worker cannot interleave.
func (a *API) handleRegisterWorker(c echo.Context) error {
	var packet registry.RegistrationPacket
	if err := c.Bind(&packet); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid registration packet")
	}
	if packet.WorkerID == "" || packet.WorkerType == "" || packet.EndpointURL == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "worker_id, worker_type and endpoint_url are required")
	}

	ctx := c.Request().Context()
	unlock := a.fleet.LockWorker(packet.WorkerID)
	defer unlock()

	if _, err := a.fleet.Register(ctx, &registry.Worker{
		WorkerID:           packet.WorkerID,
		WorkerType:         packet.WorkerType,
		EndpointURL:        packet.EndpointURL,
		Capabilities:       packet.Capabilities,
		Version:            packet.Version,
		CurrentOperationID: packet.CurrentOperationID,
	}); err != nil {
		return err
	}

	ack, err := a.rec.ReconcileRegistration(ctx, &packet)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, ack)
}

// handleWorkerHeartbeat refreshes liveness and answers with the cancel
// flag. Unknown workers get 404 so they re-register with a full packet
// instead of heartbeating into the void.
func (a *API) handleWorkerHeartbeat(c echo.Context) error {
	workerID := c.Param("id")
	var req registry.HeartbeatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid heartbeat body")
	}

	ctx := c.Request().Context()
	ack, err := a.rec.ReconcileHeartbeat(ctx, workerID, &req)
	if err != nil {
		if errors.Is(err, registry.ErrUnknownWorker) {
			return echo.NewHTTPError(http.StatusNotFound, "unknown worker")
		}
		return err
	}

	a.forwardProgress(ctx, &req)

	return c.JSON(http.StatusOK, ack)
}

// forwardProgress pushes heartbeat progress into the cache for
// sub-second reads and through the debouncer toward the durable row.
// The epoch guard downstream discards reports from stale owners.
func (a *API) forwardProgress(ctx context.Context, req *registry.HeartbeatRequest) {
	if req.Progress == nil || req.CurrentOperationID == nil {
		return
	}
	id := *req.CurrentOperationID
	p := req.Progress

	if err := a.cache.Set(ctx, progress.Snapshot{
		OperationID: id,
		Epoch:       p.Epoch,
		Percent:     p.Percent,
		Message:     p.Message,
		Context:     p.Context,
	}); err != nil {
		a.log.Warnf("progress cache write for %s failed: %v", id, err)
	}

	a.deb.Update(progress.Update{
		OperationID: id,
		Epoch:       p.Epoch,
		Percent:     p.Percent,
		Message:     p.Message,
		Context:     p.Context,
	})
}

// handleDeregisterWorker removes a worker and settles anything it
// still owned. Deregistering an unknown worker succeeds; the requested
// outcome already holds.
func (a *API) handleDeregisterWorker(c echo.Context) error {
	workerID := c.Param("id")
	ctx := c.Request().Context()

	if _, err := a.fleet.Deregister(ctx, workerID); err != nil && !errors.Is(err, registry.ErrUnknownWorker) {
		return err
	}
	a.rec.HandleDeregister(ctx, workerID)

	return c.JSON(http.StatusOK, map[string]string{"status": registry.StateDeregistered})
}

func (a *API) publish(event events.Event) {
	if a.publisher == nil {
		return
	}
	if err := a.publisher.PublishOperationEvent(event); err != nil {
		a.log.Warnf("event publish failed: %v", err)
	}
}

func (a *API) markBusy(ctx context.Context, workerID, operationID string) {
	if err := a.fleet.MarkBusy(ctx, workerID, operationID); err != nil && !errors.Is(err, registry.ErrUnknownWorker) {
		a.log.Warnf("could not mark worker %s busy: %v", workerID, err)
	}
}

func (a *API) revertResume(ctx context.Context, id, prior string) {
	if err := a.ops.RevertResume(ctx, id, prior); err != nil {
		var conflict *common.StateConflictError
		if !errors.As(err, &conflict) {
			a.log.Warnf("could not revert resume for %s: %v", id, err)
		}
	}
}
