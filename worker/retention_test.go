package worker

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"core.ktrdr.dev/db"
	"core.ktrdr.dev/registry"
)

func openRetention(t *testing.T, window time.Duration) *RetentionStore {
	t.Helper()
	store, err := NewRetentionStore(filepath.Join(t.TempDir(), "worker.db"), window)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// TestRetentionStore_RoundTrip tests that recorded outcomes come back
// in a registration-ready form.
func TestRetentionStore_RoundTrip(t *testing.T) {
	store := openRetention(t, time.Hour)

	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, store.Record(registry.CompletedOperation{
		OperationID: "op_1",
		Status:      db.StatusCompleted,
		Result:      json.RawMessage(`{"final_loss":0.12}`),
		CompletedAt: now,
	}))
	require.NoError(t, store.Record(registry.CompletedOperation{
		OperationID:  "op_2",
		Status:       db.StatusFailed,
		ErrorKind:    "DOMAIN_EXCEPTION",
		ErrorMessage: "nan loss",
		CompletedAt:  now,
	}))

	completed, err := store.List()
	require.NoError(t, err)
	require.Len(t, completed, 2)

	byID := make(map[string]registry.CompletedOperation, len(completed))
	for _, op := range completed {
		byID[op.OperationID] = op
	}
	assert.Equal(t, db.StatusCompleted, byID["op_1"].Status)
	assert.JSONEq(t, `{"final_loss":0.12}`, string(byID["op_1"].Result))
	assert.Equal(t, "DOMAIN_EXCEPTION", byID["op_2"].ErrorKind)
	assert.Equal(t, now, byID["op_1"].CompletedAt)
}

// TestRetentionStore_RecordOverwrites tests that a second outcome for
// the same operation replaces the first.
func TestRetentionStore_RecordOverwrites(t *testing.T) {
	store := openRetention(t, time.Hour)

	require.NoError(t, store.Record(registry.CompletedOperation{
		OperationID: "op_1",
		Status:      db.StatusCancelled,
		CompletedAt: time.Now().UTC(),
	}))
	require.NoError(t, store.Record(registry.CompletedOperation{
		OperationID: "op_1",
		Status:      db.StatusCompleted,
		CompletedAt: time.Now().UTC(),
	}))

	completed, err := store.List()
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, db.StatusCompleted, completed[0].Status)
}

// TestRetentionStore_ListSkipsExpired tests that outcomes older than
// the window are not replayed.
func TestRetentionStore_ListSkipsExpired(t *testing.T) {
	store := openRetention(t, time.Hour)

	require.NoError(t, store.Record(registry.CompletedOperation{
		OperationID: "op_old",
		Status:      db.StatusCompleted,
		CompletedAt: time.Now().UTC().Add(-2 * time.Hour),
	}))
	require.NoError(t, store.Record(registry.CompletedOperation{
		OperationID: "op_new",
		Status:      db.StatusCompleted,
		CompletedAt: time.Now().UTC(),
	}))

	completed, err := store.List()
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, "op_new", completed[0].OperationID)
}

// TestRetentionStore_Sweep tests that expired entries are removed while
// fresh ones survive.
func TestRetentionStore_Sweep(t *testing.T) {
	store := openRetention(t, time.Hour)

	require.NoError(t, store.Record(registry.CompletedOperation{
		OperationID: "op_old",
		Status:      db.StatusFailed,
		CompletedAt: time.Now().UTC().Add(-90 * time.Minute),
	}))
	require.NoError(t, store.Record(registry.CompletedOperation{
		OperationID: "op_new",
		Status:      db.StatusCompleted,
		CompletedAt: time.Now().UTC(),
	}))

	removed, err := store.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	completed, err := store.List()
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, "op_new", completed[0].OperationID)

	removed, err = store.Sweep()
	require.NoError(t, err)
	assert.Zero(t, removed)
}

// TestRetentionStore_SurvivesReopen tests that outcomes persist across
// a worker restart.
func TestRetentionStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.db")

	store, err := NewRetentionStore(path, time.Hour)
	require.NoError(t, err)
	require.NoError(t, store.Record(registry.CompletedOperation{
		OperationID: "op_1",
		Status:      db.StatusCompleted,
		CompletedAt: time.Now().UTC(),
	}))
	require.NoError(t, store.Close())

	reopened, err := NewRetentionStore(path, time.Hour)
	require.NoError(t, err)
	defer reopened.Close()

	completed, err := reopened.List()
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, "op_1", completed[0].OperationID)
}
