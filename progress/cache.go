// Package progress keeps the freshest progress snapshot per operation.
// The database row lags behind by the write debounce; API reads overlay
// this cache on top of the durable record so pollers and the event
// stream see sub-second progress.
package progress

import (
	"context"
	"sync"
	"time"
)

// Snapshot is the latest known progress of one operation. Epoch is the
// ownership epoch the reporter held; readers compare it against the
// record before trusting the overlay.
type Snapshot struct {
	OperationID string                 `json:"operation_id"`
	Epoch       int64                  `json:"epoch,omitempty"`
	Percent     float64                `json:"percent"`
	Message     string                 `json:"message,omitempty"`
	Context     map[string]interface{} `json:"context,omitempty"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// Cache stores progress snapshots keyed by operation id. Implementations
// are safe for concurrent use.
type Cache interface {
	Set(ctx context.Context, snap Snapshot) error
	Get(ctx context.Context, operationID string) (*Snapshot, error)
	Remove(ctx context.Context, operationID string) error
}

// MemoryCache is the in-process Cache used when no Redis URL is
// configured. It keeps the last maxEntries snapshots and evicts the
// stalest one at capacity.
type MemoryCache struct {
	mu         sync.RWMutex
	snapshots  map[string]Snapshot
	maxEntries int
}

// NewMemoryCache creates an in-memory cache. maxEntries defaults to
// 1000.
func NewMemoryCache(maxEntries int) *MemoryCache {
	if maxEntries == 0 {
		maxEntries = 1000
	}
	return &MemoryCache{
		snapshots:  make(map[string]Snapshot),
		maxEntries: maxEntries,
	}
}

// Set stores a snapshot, evicting the stalest entry at capacity.
func (c *MemoryCache) Set(_ context.Context, snap Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.snapshots[snap.OperationID]; !exists && len(c.snapshots) >= c.maxEntries {
		c.evictStalest()
	}
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = time.Now().UTC()
	}
	c.snapshots[snap.OperationID] = snap

	return nil
}

// Get returns a copy of the snapshot for an operation, or nil when none
// is cached.
func (c *MemoryCache) Get(_ context.Context, operationID string) (*Snapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap, exists := c.snapshots[operationID]
	if !exists {
		return nil, nil
	}
	cp := snap
	return &cp, nil
}

// Remove drops the snapshot for an operation.
func (c *MemoryCache) Remove(_ context.Context, operationID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.snapshots, operationID)
	return nil
}

// evictStalest removes the least recently updated entry. Must be called
// with the write lock held.
func (c *MemoryCache) evictStalest() {
	var stalestID string
	var stalestTime time.Time

	for id, snap := range c.snapshots {
		if stalestID == "" || snap.UpdatedAt.Before(stalestTime) {
			stalestID = id
			stalestTime = snap.UpdatedAt
		}
	}

	if stalestID != "" {
		delete(c.snapshots, stalestID)
	}
}
