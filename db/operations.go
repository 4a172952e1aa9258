package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"core.ktrdr.dev/common"
)

// Status constants for operation records.
const (
	StatusPending               = "PENDING"
	StatusRunning               = "RUNNING"
	StatusCompleted             = "COMPLETED"
	StatusFailed                = "FAILED"
	StatusCancelled             = "CANCELLED"
	StatusResuming              = "RESUMING"
	StatusPendingReconciliation = "PENDING_RECONCILIATION"

	// StatusCancelRequested is not a stored status: it is the response
	// value for a cancel accepted against a RUNNING operation.
	StatusCancelRequested = "CANCEL_REQUESTED"
)

// Operation type constants.
const (
	TypeTraining    = "training"
	TypeBacktesting = "backtesting"
)

// OwnerBackendLocal marks operations executed inside the coordinator
// process rather than on a worker.
const OwnerBackendLocal = "BACKEND_LOCAL"

// IsTerminal reports whether a status is terminal. Terminal records only
// change again through resume.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusCancelled
}

// Progress is the most recent progress snapshot of an operation.
type Progress struct {
	Percent   float64         `json:"percent"`
	Message   string          `json:"message,omitempty"`
	Context   json.RawMessage `json:"context,omitempty"`
	UpdatedAt *time.Time      `json:"updated_at,omitempty"`
}

// OperationError is the terminal failure record of a FAILED operation.
type OperationError struct {
	Kind    string          `json:"kind"`
	Message string          `json:"message"`
	Context json.RawMessage `json:"context,omitempty"`
}

// Operation represents an operation record in the database.
type Operation struct {
	OperationID       string          `json:"operation_id"`
	OperationType     string          `json:"operation_type"`
	Status            string          `json:"status"`
	Owner             string          `json:"owner"`
	RequestPayload    json.RawMessage `json:"request_payload,omitempty"`
	Result            json.RawMessage `json:"result,omitempty"`
	Error             *OperationError `json:"error,omitempty"`
	Progress          Progress        `json:"progress"`
	CancelRequested   bool            `json:"cancel_requested"`
	OwnershipEpoch    int64           `json:"ownership_epoch"`
	ReconcileStatus   string          `json:"reconcile_status,omitempty"`
	CheckpointPresent bool            `json:"checkpoint_present"`
	LastHeartbeatAt   *time.Time      `json:"last_heartbeat_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	StartedAt         *time.Time      `json:"started_at,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// operationColumns is the shared select list. checkpoint_present is
// computed on read; the checkpoints table is the single source of truth
// for checkpoint existence.
const operationColumns = `operation_id, operation_type, status, owner, request_payload, result,
	       error_kind, error_message, error_context,
	       progress_percent, progress_message, progress_context, progress_updated_at,
	       cancel_requested, ownership_epoch, reconcile_status, last_heartbeat_at,
	       created_at, started_at, completed_at, updated_at,
	       EXISTS (SELECT 1 FROM checkpoints c WHERE c.operation_id = operations.operation_id) AS checkpoint_present`

// OperationStore provides persistent operation state management using
// PostgreSQL. Every transition is a single conditional UPDATE; a zero
// RowsAffected means the operation was not in an expected state and
// surfaces as a StateConflictError. No transition is applied with
// read-modify-write.
type OperationStore struct {
	db *PostgresDB
}

// NewOperationStore creates a new operation store.
func NewOperationStore(db *PostgresDB) *OperationStore {
	return &OperationStore{db: db}
}

// Create inserts a new PENDING operation. The id is never reused: a
// duplicate id is refused even when the existing record is terminal.
func (s *OperationStore) Create(ctx context.Context, id, operationType, owner string, payload json.RawMessage) (*Operation, error) {
	query := `
		INSERT INTO operations (operation_id, operation_type, status, owner, request_payload)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at`

	op := &Operation{
		OperationID:    id,
		OperationType:  operationType,
		Status:         StatusPending,
		Owner:          owner,
		RequestPayload: payload,
	}
	err := s.db.QueryRow(ctx, query, id, operationType, StatusPending, owner, payload).Scan(
		&op.CreatedAt, &op.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, &common.DuplicateOperationError{OperationID: id}
		}
		return nil, fmt.Errorf("failed to create operation: %w", err)
	}

	return op, nil
}

// Start claims an operation for an owner and transitions it to RUNNING.
// Valid from PENDING (dispatch), RESUMING (resume dispatch) and
// PENDING_RECONCILIATION (worker reclaim). Each claim opens a new
// ownership epoch. Fresh starts and resumes reset progress and the
// cancel flag; a reclaim keeps both because the work never stopped.
// Returns the new epoch.
func (s *OperationStore) Start(ctx context.Context, id, owner string) (int64, error) {
	// A reclaim out of PENDING_RECONCILIATION continues the same
	// in-flight work, so the cancel flag and progress survive it.
	// Fresh starts and resumes begin clean.
	query := `
		UPDATE operations
		SET status = $2, owner = $3,
		    ownership_epoch = ownership_epoch + 1,
		    cancel_requested = (status = $6 AND cancel_requested),
		    reconcile_status = '',
		    progress_percent = CASE WHEN status = $6 THEN progress_percent ELSE 0 END,
		    progress_message = CASE WHEN status = $6 THEN progress_message ELSE '' END,
		    progress_context = CASE WHEN status = $6 THEN progress_context ELSE NULL END,
		    started_at = COALESCE(started_at, NOW()),
		    last_heartbeat_at = NOW(), updated_at = NOW()
		WHERE operation_id = $1 AND status IN ($4, $5, $6)
		RETURNING ownership_epoch`

	var epoch int64
	err := s.db.QueryRow(ctx, query, id, StatusRunning, owner,
		StatusPending, StatusResuming, StatusPendingReconciliation).Scan(&epoch)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, s.conflict(ctx, id, StatusRunning)
		}
		return 0, fmt.Errorf("failed to start operation: %w", err)
	}

	return epoch, nil
}

// UpdateProgress applies a progress snapshot. Updates against a
// non-RUNNING operation, a stale ownership epoch or a lower percent are
// discarded with a warning; they are expected after resumes and worker
// races and must not fail the caller.
func (s *OperationStore) UpdateProgress(ctx context.Context, id string, epoch int64, percent float64, message string, progressCtx json.RawMessage) error {
	query := `
		UPDATE operations
		SET progress_percent = $3, progress_message = $4, progress_context = $5,
		    progress_updated_at = NOW(), updated_at = NOW()
		WHERE operation_id = $1 AND status = $6 AND ownership_epoch = $2
		  AND progress_percent <= $3`

	result, err := s.db.Pool().Exec(ctx, query, id, epoch, percent, message, progressCtx, StatusRunning)
	if err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}

	if result.RowsAffected() == 0 {
		common.Logger.WithFields(map[string]interface{}{
			"operation_id": id,
			"epoch":        epoch,
			"percent":      percent,
		}).Warn("progress update discarded")
	}

	return nil
}

// Complete transitions RUNNING to COMPLETED and records the result.
// Progress is forced to 100. The caller must delete the checkpoint
// afterwards; completed operations never retain one.
func (s *OperationStore) Complete(ctx context.Context, id string, result json.RawMessage) error {
	query := `
		UPDATE operations
		SET status = $2, result = $3, progress_percent = 100,
		    completed_at = NOW(), updated_at = NOW()
		WHERE operation_id = $1 AND status = $4`

	tag, err := s.db.Pool().Exec(ctx, query, id, StatusCompleted, result, StatusRunning)
	if err != nil {
		return fmt.Errorf("failed to complete operation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.conflict(ctx, id, StatusCompleted)
	}

	return nil
}

// Fail transitions to FAILED with a structured {kind, message, context}
// record. Valid from PENDING (dispatch failure), RUNNING (domain error)
// and PENDING_RECONCILIATION (reconciler verdict). The checkpoint, if
// any, is retained for resume.
func (s *OperationStore) Fail(ctx context.Context, id, kind, message string, errCtx json.RawMessage) error {
	query := `
		UPDATE operations
		SET status = $2, error_kind = $3, error_message = $4, error_context = $5,
		    completed_at = NOW(), updated_at = NOW()
		WHERE operation_id = $1 AND status IN ($6, $7, $8)`

	tag, err := s.db.Pool().Exec(ctx, query, id, StatusFailed, kind, message, errCtx,
		StatusPending, StatusRunning, StatusPendingReconciliation)
	if err != nil {
		return fmt.Errorf("failed to fail operation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.conflict(ctx, id, StatusFailed)
	}

	return nil
}

// FailOrphaned fails an operation whose worker is gone. The error
// context records whether a checkpoint survived so clients can see that
// resume is possible without a second lookup.
func (s *OperationStore) FailOrphaned(ctx context.Context, id, message string) error {
	query := `
		UPDATE operations
		SET status = $2, error_kind = $3, error_message = $4,
		    error_context = jsonb_build_object('checkpoint_present',
		        EXISTS (SELECT 1 FROM checkpoints c WHERE c.operation_id = operations.operation_id)),
		    completed_at = NOW(), updated_at = NOW()
		WHERE operation_id = $1 AND status IN ($5, $6)`

	tag, err := s.db.Pool().Exec(ctx, query, id, StatusFailed, common.FailureOrphaned, message,
		StatusRunning, StatusPendingReconciliation)
	if err != nil {
		return fmt.Errorf("failed to orphan operation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.conflict(ctx, id, StatusFailed)
	}

	return nil
}

// RequestCancel requests cancellation. A PENDING operation cancels
// directly; a RUNNING operation gets the cancel_requested flag and keeps
// running until the worker observes the flag and finalizes. Terminal
// operations are a no-op. Returns the status to report: CANCELLED,
// CANCEL_REQUESTED, or the current terminal status.
func (s *OperationStore) RequestCancel(ctx context.Context, id string) (string, error) {
	direct := `
		UPDATE operations
		SET status = $2, completed_at = NOW(), updated_at = NOW()
		WHERE operation_id = $1 AND status = $3`

	tag, err := s.db.Pool().Exec(ctx, direct, id, StatusCancelled, StatusPending)
	if err != nil {
		return "", fmt.Errorf("failed to cancel operation: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return StatusCancelled, nil
	}

	flag := `
		UPDATE operations
		SET cancel_requested = TRUE, updated_at = NOW()
		WHERE operation_id = $1 AND status = $2`

	tag, err = s.db.Pool().Exec(ctx, flag, id, StatusRunning)
	if err != nil {
		return "", fmt.Errorf("failed to request cancel: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return StatusCancelRequested, nil
	}

	op, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if op == nil {
		return "", &common.StateConflictError{OperationID: id, Requested: StatusCancelled}
	}
	if IsTerminal(op.Status) {
		return op.Status, nil
	}

	return "", &common.StateConflictError{OperationID: id, Requested: StatusCancelled, Current: op.Status}
}

// CompleteCancel finalizes a cancellation: RUNNING to CANCELLED. Called
// by the worker after its terminal checkpoint. A non-nil errCtx records a
// failed terminal checkpoint write; the operation still cancels, the
// failure is kept for forensics.
func (s *OperationStore) CompleteCancel(ctx context.Context, id string, errCtx json.RawMessage) error {
	query := `
		UPDATE operations
		SET status = $2, completed_at = NOW(), updated_at = NOW()
		WHERE operation_id = $1 AND status = $3`
	args := []interface{}{id, StatusCancelled, StatusRunning}

	if errCtx != nil {
		query = `
		UPDATE operations
		SET status = $2, error_kind = $4, error_context = $5,
		    completed_at = NOW(), updated_at = NOW()
		WHERE operation_id = $1 AND status = $3`
		args = append(args, common.FailureCheckpointWrite, errCtx)
	}

	tag, err := s.db.Pool().Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to complete cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.conflict(ctx, id, StatusCancelled)
	}

	return nil
}

// ApplyReportedTerminal applies a terminal status reported by a worker
// during reconciliation. Unlike the worker hot paths it also accepts
// PENDING_RECONCILIATION and RESUMING predecessors: the report describes
// work that really finished while the coordinator was away.
func (s *OperationStore) ApplyReportedTerminal(ctx context.Context, id, status string, result json.RawMessage, errKind, errMessage string) error {
	var query string
	args := []interface{}{id, StatusRunning, StatusPendingReconciliation, StatusResuming}

	switch status {
	case StatusCompleted:
		query = `
			UPDATE operations
			SET status = $5, result = $6, progress_percent = 100,
			    completed_at = NOW(), updated_at = NOW()
			WHERE operation_id = $1 AND status IN ($2, $3, $4)`
		args = append(args, StatusCompleted, result)
	case StatusFailed:
		query = `
			UPDATE operations
			SET status = $5, error_kind = $6, error_message = $7,
			    completed_at = NOW(), updated_at = NOW()
			WHERE operation_id = $1 AND status IN ($2, $3, $4)`
		if errKind == "" {
			errKind = common.FailureDomain
		}
		args = append(args, StatusFailed, errKind, errMessage)
	case StatusCancelled:
		query = `
			UPDATE operations
			SET status = $5, completed_at = NOW(), updated_at = NOW()
			WHERE operation_id = $1 AND status IN ($2, $3, $4)`
		args = append(args, StatusCancelled)
	default:
		return fmt.Errorf("invalid reported terminal status: %s", status)
	}

	tag, err := s.db.Pool().Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to apply reported terminal: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.conflict(ctx, id, status)
	}

	return nil
}

// RecreateRunning inserts an operation record for an id a worker reports
// as running when the database has no row, which happens after a full
// backend data loss. The record starts at epoch 1 under the reporting
// worker; the original request payload is gone and recorded as empty.
func (s *OperationStore) RecreateRunning(ctx context.Context, id, operationType, owner string) (int64, error) {
	query := `
		INSERT INTO operations (operation_id, operation_type, status, owner, request_payload,
		                        ownership_epoch, reconcile_status, started_at, last_heartbeat_at)
		VALUES ($1, $2, $3, $4, '{}'::jsonb, 1, 'RECOVERED', NOW(), NOW())
		RETURNING ownership_epoch`

	var epoch int64
	err := s.db.QueryRow(ctx, query, id, operationType, StatusRunning, owner).Scan(&epoch)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return 0, &common.DuplicateOperationError{OperationID: id}
		}
		return 0, fmt.Errorf("failed to recreate operation: %w", err)
	}

	return epoch, nil
}

// TryResume transitions CANCELLED or FAILED to RESUMING, guarded in the
// same statement by checkpoint existence so two racing resumes (or a
// resume racing a checkpoint delete) cannot both win. The prior terminal
// status is captured in reconcile_status for revert. A missing
// checkpoint surfaces as NoCheckpointError, a wrong state as
// StateConflictError.
func (s *OperationStore) TryResume(ctx context.Context, id string) error {
	query := `
		UPDATE operations
		SET status = $2, reconcile_status = status, updated_at = NOW()
		WHERE operation_id = $1 AND status IN ($3, $4)
		  AND EXISTS (SELECT 1 FROM checkpoints c WHERE c.operation_id = operations.operation_id)`

	tag, err := s.db.Pool().Exec(ctx, query, id, StatusResuming, StatusCancelled, StatusFailed)
	if err != nil {
		return fmt.Errorf("failed to resume operation: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	op, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if op == nil {
		return &common.StateConflictError{OperationID: id, Requested: StatusResuming}
	}
	if op.Status == StatusCancelled || op.Status == StatusFailed {
		return &common.NoCheckpointError{OperationID: id}
	}

	return &common.StateConflictError{OperationID: id, Requested: StatusResuming, Current: op.Status}
}

// RevertResume returns a RESUMING operation to its prior terminal status
// after a failed resume dispatch.
func (s *OperationStore) RevertResume(ctx context.Context, id, prior string) error {
	if prior != StatusCancelled && prior != StatusFailed {
		return fmt.Errorf("invalid revert target: %s", prior)
	}

	query := `
		UPDATE operations
		SET status = $2, reconcile_status = '', updated_at = NOW()
		WHERE operation_id = $1 AND status = $3`

	tag, err := s.db.Pool().Exec(ctx, query, id, prior, StatusResuming)
	if err != nil {
		return fmt.Errorf("failed to revert resume: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.conflict(ctx, id, prior)
	}

	return nil
}

// MarkPendingReconciliation parks a worker-owned RUNNING operation after
// a coordinator restart. Nothing else writes rows in this status, so
// updated_at marks when the grace window opened.
func (s *OperationStore) MarkPendingReconciliation(ctx context.Context, id string) error {
	query := `
		UPDATE operations
		SET status = $2, updated_at = NOW()
		WHERE operation_id = $1 AND status = $3`

	tag, err := s.db.Pool().Exec(ctx, query, id, StatusPendingReconciliation, StatusRunning)
	if err != nil {
		return fmt.Errorf("failed to mark pending reconciliation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.conflict(ctx, id, StatusPendingReconciliation)
	}

	return nil
}

// Heartbeat refreshes last_heartbeat_at for a RUNNING operation owned by
// the given worker and reports whether cancellation was requested.
// refreshed is false when the operation is not RUNNING under this owner;
// the caller decides how to answer the worker.
func (s *OperationStore) Heartbeat(ctx context.Context, id, owner string) (refreshed bool, cancelRequested bool, err error) {
	query := `
		UPDATE operations
		SET last_heartbeat_at = NOW(), updated_at = NOW()
		WHERE operation_id = $1 AND owner = $2 AND status = $3
		RETURNING cancel_requested`

	err = s.db.QueryRow(ctx, query, id, owner, StatusRunning).Scan(&cancelRequested)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, false, nil
		}
		return false, false, fmt.Errorf("failed to refresh heartbeat: %w", err)
	}

	return true, cancelRequested, nil
}

// Get retrieves an operation by id. Returns nil when no record exists.
func (s *OperationStore) Get(ctx context.Context, id string) (*Operation, error) {
	query := `SELECT ` + operationColumns + ` FROM operations WHERE operation_id = $1`

	op, err := scanOperation(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get operation: %w", err)
	}

	return op, nil
}

// ListFilter narrows List results. Zero values mean no constraint.
type ListFilter struct {
	Status    []string
	Type      string
	Owner     string
	OlderThan *time.Time
	Resumable bool
}

// List returns operations matching the filter, newest first.
func (s *OperationStore) List(ctx context.Context, filter ListFilter) ([]*Operation, error) {
	query, args := buildListQuery(filter)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	defer rows.Close()

	return scanOperations(rows)
}

// ListActive returns all non-terminal operations, oldest first. The
// reconciler walks this on startup and on every sweep.
func (s *OperationStore) ListActive(ctx context.Context) ([]*Operation, error) {
	query := `SELECT ` + operationColumns + ` FROM operations
		WHERE status NOT IN ($1, $2, $3)
		ORDER BY created_at`

	rows, err := s.db.Query(ctx, query, StatusCompleted, StatusFailed, StatusCancelled)
	if err != nil {
		return nil, fmt.Errorf("failed to list active operations: %w", err)
	}
	defer rows.Close()

	return scanOperations(rows)
}

// ListRunningOwnedBy returns the RUNNING operations owned by a worker or
// by the BACKEND_LOCAL sentinel.
func (s *OperationStore) ListRunningOwnedBy(ctx context.Context, owner string) ([]*Operation, error) {
	query := `SELECT ` + operationColumns + ` FROM operations
		WHERE status = $1 AND owner = $2
		ORDER BY created_at`

	rows, err := s.db.Query(ctx, query, StatusRunning, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to list running operations: %w", err)
	}
	defer rows.Close()

	return scanOperations(rows)
}

// PruneTerminalBefore deletes terminal operations completed before the
// cutoff and returns their ids. Checkpoint rows cascade; the caller
// removes artifact directories through the checkpoint store.
func (s *OperationStore) PruneTerminalBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	query := `
		DELETE FROM operations
		WHERE status IN ($1, $2, $3) AND completed_at < $4
		RETURNING operation_id`

	rows, err := s.db.Query(ctx, query, StatusCompleted, StatusFailed, StatusCancelled, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to prune operations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan pruned id: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// conflict builds the StateConflictError for a refused transition,
// enriched with the current status when the record exists.
func (s *OperationStore) conflict(ctx context.Context, id, requested string) error {
	var current string
	err := s.db.QueryRow(ctx, `SELECT status FROM operations WHERE operation_id = $1`, id).Scan(&current)
	if err != nil {
		current = ""
	}
	return &common.StateConflictError{OperationID: id, Requested: requested, Current: current}
}

func buildListQuery(filter ListFilter) (string, []interface{}) {
	query := `SELECT ` + operationColumns + ` FROM operations`
	var (
		clauses []string
		args    []interface{}
	)

	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(filter.Status) > 0 {
		placeholders := make([]string, len(filter.Status))
		for i, status := range filter.Status {
			placeholders[i] = arg(status)
		}
		clauses = append(clauses, "status IN ("+joinComma(placeholders)+")")
	}
	if filter.Type != "" {
		clauses = append(clauses, "operation_type = "+arg(filter.Type))
	}
	if filter.Owner != "" {
		clauses = append(clauses, "owner = "+arg(filter.Owner))
	}
	if filter.OlderThan != nil {
		clauses = append(clauses, "created_at < "+arg(*filter.OlderThan))
	}
	if filter.Resumable {
		clauses = append(clauses, "status IN ("+arg(StatusCancelled)+", "+arg(StatusFailed)+")")
		clauses = append(clauses, "EXISTS (SELECT 1 FROM checkpoints c WHERE c.operation_id = operations.operation_id)")
	}

	if len(clauses) > 0 {
		query += " WHERE " + joinAnd(clauses)
	}
	query += " ORDER BY created_at DESC"

	return query, args
}

func joinComma(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}

func joinAnd(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += " AND "
		}
		out += p
	}
	return out
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOperation(row rowScanner) (*Operation, error) {
	op := &Operation{}
	var (
		errKind    *string
		errMessage *string
		errContext json.RawMessage
	)

	err := row.Scan(
		&op.OperationID, &op.OperationType, &op.Status, &op.Owner, &op.RequestPayload, &op.Result,
		&errKind, &errMessage, &errContext,
		&op.Progress.Percent, &op.Progress.Message, &op.Progress.Context, &op.Progress.UpdatedAt,
		&op.CancelRequested, &op.OwnershipEpoch, &op.ReconcileStatus, &op.LastHeartbeatAt,
		&op.CreatedAt, &op.StartedAt, &op.CompletedAt, &op.UpdatedAt,
		&op.CheckpointPresent,
	)
	if err != nil {
		return nil, err
	}

	if errKind != nil {
		op.Error = &OperationError{Kind: *errKind, Context: errContext}
		if errMessage != nil {
			op.Error.Message = *errMessage
		}
	}

	return op, nil
}

func scanOperations(rows pgx.Rows) ([]*Operation, error) {
	var ops []*Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		ops = append(ops, op)
	}

	return ops, rows.Err()
}
