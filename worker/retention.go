package worker

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"core.ktrdr.dev/registry"
)

var completedBucket = []byte("completed_operations")

// RetentionStore keeps terminal outcomes on local disk so a worker can
// replay them at re-registration after a coordinator outage. Entries
// older than the window are swept; the coordinator has long since
// orphaned anything that stale.
type RetentionStore struct {
	db     *bolt.DB
	window time.Duration
}

// NewRetentionStore opens (or creates) the bolt file at path.
func NewRetentionStore(path string, window time.Duration) (*RetentionStore, error) {
	b, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open retention store %s: %w", path, err)
	}
	err = b.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(completedBucket)
		return err
	})
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("init retention store: %w", err)
	}
	return &RetentionStore{db: b, window: window}, nil
}

// Close releases the bolt file.
func (r *RetentionStore) Close() error {
	return r.db.Close()
}

// Record stores one terminal outcome, keyed by operation ID. A repeat
// for the same operation overwrites the previous entry.
func (r *RetentionStore) Record(op registry.CompletedOperation) error {
	raw, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("encode completed operation: %w", err)
	}
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(completedBucket).Put([]byte(op.OperationID), raw)
	})
}

// List returns the outcomes still inside the retention window, for
// inclusion in a registration packet.
func (r *RetentionStore) List() ([]registry.CompletedOperation, error) {
	cutoff := time.Now().Add(-r.window)
	var out []registry.CompletedOperation
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(completedBucket).ForEach(func(_, v []byte) error {
			var op registry.CompletedOperation
			if err := json.Unmarshal(v, &op); err != nil {
				return nil // a corrupt entry is dropped at the next sweep
			}
			if op.CompletedAt.After(cutoff) {
				out = append(out, op)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Sweep deletes entries older than the retention window and entries
// that no longer decode. It returns the number removed.
func (r *RetentionStore) Sweep() (int, error) {
	cutoff := time.Now().Add(-r.window)
	removed := 0
	err := r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(completedBucket)
		var expired [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var op registry.CompletedOperation
			if err := json.Unmarshal(v, &op); err != nil || !op.CompletedAt.After(cutoff) {
				key := make([]byte, len(k))
				copy(key, k)
				expired = append(expired, key)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}
