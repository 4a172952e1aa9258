package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"core.ktrdr.dev/common"
)

// Checkpoint type constants. PERIODIC checkpoints are written on the
// cadence policy; the other three are terminal best-effort writes.
const (
	CheckpointPeriodic     = "PERIODIC"
	CheckpointCancellation = "CANCELLATION"
	CheckpointFailure      = "FAILURE"
	CheckpointShutdown     = "SHUTDOWN"
)

// CheckpointRecord is the durable row for an operation's checkpoint.
// At most one row exists per operation; a new write replaces the old
// one. ArtifactHandle points at the directory holding binary artifacts
// and is nil for state-only checkpoints.
type CheckpointRecord struct {
	OperationID    string          `json:"operation_id"`
	CheckpointType string          `json:"checkpoint_type"`
	State          json.RawMessage `json:"state"`
	ArtifactHandle *string         `json:"artifact_handle,omitempty"`
	StateBytes     int64           `json:"state_bytes"`
	ArtifactBytes  int64           `json:"artifact_bytes"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// CheckpointSummary is the listing projection: metadata without the
// state document, joined with the owning operation's type.
type CheckpointSummary struct {
	OperationID    string    `json:"operation_id"`
	OperationType  string    `json:"operation_type"`
	CheckpointType string    `json:"checkpoint_type"`
	StateBytes     int64     `json:"state_bytes"`
	ArtifactBytes  int64     `json:"artifact_bytes"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// CheckpointFilter narrows List results.
type CheckpointFilter struct {
	OperationType string
	OlderThan     *time.Time
}

// CheckpointRowStore persists checkpoint rows in PostgreSQL. The row
// write is the commit point of a checkpoint: artifacts staged on disk
// are invisible until the row lands.
type CheckpointRowStore struct {
	db *PostgresDB
}

// NewCheckpointRowStore creates a checkpoint row store.
func NewCheckpointRowStore(db *PostgresDB) *CheckpointRowStore {
	return &CheckpointRowStore{db: db}
}

// Upsert inserts or replaces the checkpoint row for an operation.
func (s *CheckpointRowStore) Upsert(ctx context.Context, rec *CheckpointRecord) error {
	query := `
		INSERT INTO checkpoints (operation_id, checkpoint_type, state, artifact_handle,
		                         state_bytes, artifact_bytes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (operation_id) DO UPDATE
		SET checkpoint_type = EXCLUDED.checkpoint_type,
		    state           = EXCLUDED.state,
		    artifact_handle = EXCLUDED.artifact_handle,
		    state_bytes     = EXCLUDED.state_bytes,
		    artifact_bytes  = EXCLUDED.artifact_bytes,
		    updated_at      = NOW()`

	_, err := s.db.Pool().Exec(ctx, query,
		rec.OperationID, rec.CheckpointType, rec.State, rec.ArtifactHandle,
		rec.StateBytes, rec.ArtifactBytes)
	if err != nil {
		return &common.CheckpointWriteError{
			OperationID: rec.OperationID,
			Cause:       common.CheckpointCauseDatabase,
			Err:         err,
		}
	}

	return nil
}

// Get returns the checkpoint row for an operation, or nil when none
// exists.
func (s *CheckpointRowStore) Get(ctx context.Context, operationID string) (*CheckpointRecord, error) {
	query := `
		SELECT operation_id, checkpoint_type, state, artifact_handle,
		       state_bytes, artifact_bytes, created_at, updated_at
		FROM checkpoints
		WHERE operation_id = $1`

	rec := &CheckpointRecord{}
	err := s.db.QueryRow(ctx, query, operationID).Scan(
		&rec.OperationID, &rec.CheckpointType, &rec.State, &rec.ArtifactHandle,
		&rec.StateBytes, &rec.ArtifactBytes, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}

	return rec, nil
}

// Delete removes the checkpoint row for an operation. It reports
// whether a row was removed; deleting a missing row is not an error.
func (s *CheckpointRowStore) Delete(ctx context.Context, operationID string) (bool, error) {
	tag, err := s.db.Pool().Exec(ctx, `DELETE FROM checkpoints WHERE operation_id = $1`, operationID)
	if err != nil {
		return false, fmt.Errorf("failed to delete checkpoint: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

// List returns checkpoint summaries matching the filter, newest first.
func (s *CheckpointRowStore) List(ctx context.Context, filter CheckpointFilter) ([]*CheckpointSummary, error) {
	query := `
		SELECT c.operation_id, o.operation_type, c.checkpoint_type,
		       c.state_bytes, c.artifact_bytes, c.created_at, c.updated_at
		FROM checkpoints c
		JOIN operations o ON o.operation_id = c.operation_id`

	var (
		conds []string
		args  []interface{}
	)
	if filter.OperationType != "" {
		args = append(args, filter.OperationType)
		conds = append(conds, fmt.Sprintf("o.operation_type = $%d", len(args)))
	}
	if filter.OlderThan != nil {
		args = append(args, *filter.OlderThan)
		conds = append(conds, fmt.Sprintf("c.updated_at < $%d", len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + joinAnd(conds)
	}
	query += " ORDER BY c.updated_at DESC"

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var summaries []*CheckpointSummary
	for rows.Next() {
		sum := &CheckpointSummary{}
		if err := rows.Scan(&sum.OperationID, &sum.OperationType, &sum.CheckpointType,
			&sum.StateBytes, &sum.ArtifactBytes, &sum.CreatedAt, &sum.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint summary: %w", err)
		}
		summaries = append(summaries, sum)
	}

	return summaries, rows.Err()
}
