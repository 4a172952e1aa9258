package db

import (
	"context"
	"fmt"
)

// CreateTables creates the operations and checkpoints tables if they do
// not exist. The worker registry mirror is migrated separately by the
// WorkerStore. Checkpoint rows cascade when their operation is deleted;
// artifact directories on disk do not and are removed by the checkpoint
// store.
func CreateTables(ctx context.Context, db *PostgresDB) error {
	createTableSQL := `
	CREATE TABLE IF NOT EXISTS operations (
		operation_id        VARCHAR(255) PRIMARY KEY,
		operation_type      VARCHAR(32) NOT NULL,
		status              VARCHAR(32) NOT NULL,
		owner               VARCHAR(255) NOT NULL,
		request_payload     JSONB NOT NULL,
		result              JSONB,
		error_kind          VARCHAR(64),
		error_message       TEXT,
		error_context       JSONB,
		progress_percent    DOUBLE PRECISION NOT NULL DEFAULT 0,
		progress_message    TEXT NOT NULL DEFAULT '',
		progress_context    JSONB,
		progress_updated_at TIMESTAMPTZ,
		cancel_requested    BOOLEAN NOT NULL DEFAULT FALSE,
		ownership_epoch     BIGINT NOT NULL DEFAULT 0,
		reconcile_status    VARCHAR(64) NOT NULL DEFAULT '',
		last_heartbeat_at   TIMESTAMPTZ,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		started_at          TIMESTAMPTZ,
		completed_at        TIMESTAMPTZ,
		updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_operations_status ON operations(status);
	CREATE INDEX IF NOT EXISTS idx_operations_type ON operations(operation_type);
	CREATE INDEX IF NOT EXISTS idx_operations_owner ON operations(owner);
	CREATE INDEX IF NOT EXISTS idx_operations_completed_at ON operations(completed_at);

	CREATE TABLE IF NOT EXISTS checkpoints (
		operation_id    VARCHAR(255) PRIMARY KEY REFERENCES operations(operation_id) ON DELETE CASCADE,
		checkpoint_type VARCHAR(32) NOT NULL,
		state           JSONB NOT NULL,
		artifact_handle TEXT,
		state_bytes     BIGINT NOT NULL DEFAULT 0,
		artifact_bytes  BIGINT NOT NULL DEFAULT 0,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_checkpoints_type ON checkpoints(checkpoint_type);
	CREATE INDEX IF NOT EXISTS idx_checkpoints_created_at ON checkpoints(created_at);
	`

	if err := db.Exec(ctx, createTableSQL); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	return nil
}
