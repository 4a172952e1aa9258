// Package checkpoint persists operation state documents and binary
// artifacts so interrupted work can resume from the last durable point
// instead of restarting. The database row is the commit point: artifact
// directories are staged and renamed into place before the row lands,
// so a row never references artifacts that are not fully on disk.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"core.ktrdr.dev/common"
	"core.ktrdr.dev/db"
)

// RowStore is the durable row side of the checkpoint engine,
// implemented by db.CheckpointRowStore.
type RowStore interface {
	Upsert(ctx context.Context, rec *db.CheckpointRecord) error
	Get(ctx context.Context, operationID string) (*db.CheckpointRecord, error)
	Delete(ctx context.Context, operationID string) (bool, error)
	List(ctx context.Context, filter db.CheckpointFilter) ([]*db.CheckpointSummary, error)
}

// Checkpoint is a loaded checkpoint: the state document plus the
// location of its artifact directory. ArtifactDir is empty for
// state-only checkpoints.
type Checkpoint struct {
	OperationID    string          `json:"operation_id"`
	CheckpointType string          `json:"checkpoint_type"`
	State          json.RawMessage `json:"state"`
	ArtifactDir    string          `json:"artifact_dir,omitempty"`
	StateBytes     int64           `json:"state_bytes"`
	ArtifactBytes  int64           `json:"artifact_bytes"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Store writes and reads checkpoints. Exactly one checkpoint exists per
// operation; every save replaces the previous one.
type Store struct {
	rows    RowStore
	baseDir string
	log     *logrus.Entry
}

// NewStore creates a checkpoint store rooted at baseDir, creating the
// directory if needed.
func NewStore(rows RowStore, baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	return &Store{
		rows:    rows,
		baseDir: baseDir,
		log:     common.Logger.WithField("component", "checkpoint"),
	}, nil
}

// ArtifactDir returns the canonical artifact directory for an
// operation.
func (s *Store) ArtifactDir(operationID string) string {
	return filepath.Join(s.baseDir, operationID)
}

// Save persists a checkpoint. Artifacts are written to a staging
// directory, sealed with a manifest and renamed into place; only then
// is the database row committed. A filesystem failure leaves the
// database untouched; a database failure removes the renamed directory
// so a later load reports the checkpoint as damaged instead of serving
// a state document that does not match the artifacts on disk.
func (s *Store) Save(ctx context.Context, operationID, checkpointType string, state json.RawMessage, artifacts map[string][]byte) error {
	if len(state) == 0 {
		return fmt.Errorf("checkpoint state for operation %s must not be empty", operationID)
	}

	canonical := s.ArtifactDir(operationID)

	var (
		handle        *string
		artifactBytes int64
	)
	if len(artifacts) > 0 {
		staging := fmt.Sprintf("%s.staging.%s", canonical, uuid.NewString()[:8])
		total, err := s.stageArtifacts(staging, operationID, artifacts)
		if err != nil {
			if rmErr := os.RemoveAll(staging); rmErr != nil {
				s.log.WithError(rmErr).Warnf("failed to remove staging directory %s", staging)
			}
			return &common.CheckpointWriteError{
				OperationID: operationID,
				Cause:       common.CheckpointCauseFilesystem,
				Err:         err,
			}
		}

		if err := os.RemoveAll(canonical); err == nil {
			err = os.Rename(staging, canonical)
		}
		if err != nil {
			if rmErr := os.RemoveAll(staging); rmErr != nil {
				s.log.WithError(rmErr).Warnf("failed to remove staging directory %s", staging)
			}
			return &common.CheckpointWriteError{
				OperationID: operationID,
				Cause:       common.CheckpointCauseFilesystem,
				Err:         err,
			}
		}

		handle = &canonical
		artifactBytes = total
	} else {
		// Replace semantics: a state-only checkpoint drops artifacts
		// left by an earlier save.
		if err := os.RemoveAll(canonical); err != nil {
			return &common.CheckpointWriteError{
				OperationID: operationID,
				Cause:       common.CheckpointCauseFilesystem,
				Err:         err,
			}
		}
	}

	rec := &db.CheckpointRecord{
		OperationID:    operationID,
		CheckpointType: checkpointType,
		State:          state,
		ArtifactHandle: handle,
		StateBytes:     int64(len(state)),
		ArtifactBytes:  artifactBytes,
	}
	if err := s.rows.Upsert(ctx, rec); err != nil {
		if handle != nil {
			if rmErr := os.RemoveAll(canonical); rmErr != nil {
				s.log.WithError(rmErr).Warnf("failed to remove artifact directory %s after row write failure", canonical)
			}
		}
		return err
	}

	return nil
}

func (s *Store) stageArtifacts(staging, operationID string, artifacts map[string][]byte) (int64, error) {
	if err := os.MkdirAll(staging, 0755); err != nil {
		return 0, fmt.Errorf("failed to create staging directory: %w", err)
	}
	for name, data := range artifacts {
		if name == ManifestName || strings.ContainsAny(name, "/\\") {
			return 0, fmt.Errorf("invalid artifact name %q", name)
		}
		if err := os.WriteFile(filepath.Join(staging, name), data, 0644); err != nil {
			return 0, fmt.Errorf("failed to write artifact %s: %w", name, err)
		}
	}

	return writeManifest(staging, operationID, artifacts)
}

// Load returns the checkpoint for an operation, or nil when none
// exists. When loadArtifacts is set, the artifact directory is checked
// against its manifest and a mismatch is reported as a corrupted
// checkpoint rather than silently rehydrating partial state.
func (s *Store) Load(ctx context.Context, operationID string, loadArtifacts bool) (*Checkpoint, error) {
	rec, err := s.rows.Get(ctx, operationID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}

	cp := &Checkpoint{
		OperationID:    rec.OperationID,
		CheckpointType: rec.CheckpointType,
		State:          rec.State,
		StateBytes:     rec.StateBytes,
		ArtifactBytes:  rec.ArtifactBytes,
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      rec.UpdatedAt,
	}
	if rec.ArtifactHandle == nil {
		return cp, nil
	}
	cp.ArtifactDir = *rec.ArtifactHandle

	if loadArtifacts {
		if _, err := os.Stat(cp.ArtifactDir); err != nil {
			if os.IsNotExist(err) {
				return nil, &common.CheckpointCorruptedError{
					OperationID: operationID,
					Reason:      "artifact directory missing",
				}
			}
			return nil, fmt.Errorf("failed to stat artifact directory: %w", err)
		}
		reason, err := verifyArtifacts(cp.ArtifactDir)
		if err != nil {
			return nil, fmt.Errorf("failed to verify artifacts: %w", err)
		}
		if reason != "" {
			return nil, &common.CheckpointCorruptedError{
				OperationID: operationID,
				Reason:      reason,
			}
		}
	}

	return cp, nil
}

// ReadArtifact reads one artifact from an operation's checkpoint
// directory.
func (s *Store) ReadArtifact(operationID, name string) ([]byte, error) {
	return os.ReadFile(filepath.Join(s.ArtifactDir(operationID), name))
}

// Delete removes an operation's checkpoint row and artifact directory.
// It reports whether a row existed; deleting a missing checkpoint is a
// no-op.
func (s *Store) Delete(ctx context.Context, operationID string) (bool, error) {
	removed, err := s.rows.Delete(ctx, operationID)
	if err != nil {
		return false, err
	}
	if err := os.RemoveAll(s.ArtifactDir(operationID)); err != nil {
		return removed, fmt.Errorf("failed to remove artifact directory: %w", err)
	}

	return removed, nil
}

// List returns checkpoint summaries matching the filter.
func (s *Store) List(ctx context.Context, filter db.CheckpointFilter) ([]*db.CheckpointSummary, error) {
	return s.rows.List(ctx, filter)
}

// SweepStaging removes staging directories older than maxAge. These are
// left behind when a process dies between staging artifacts and
// renaming them into place.
func (s *Store) SweepStaging(maxAge time.Duration) (int, error) {
	matches, err := filepath.Glob(filepath.Join(s.baseDir, "*.staging.*"))
	if err != nil {
		return 0, fmt.Errorf("failed to scan staging directories: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, dir := range matches {
		info, err := os.Stat(dir)
		if err != nil {
			continue
		}
		if !info.IsDir() || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			s.log.WithError(err).Warnf("failed to remove stale staging directory %s", dir)
			continue
		}
		removed++
	}
	if removed > 0 {
		s.log.Infof("removed %d stale staging directories", removed)
	}

	return removed, nil
}
