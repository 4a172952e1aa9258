// Package registry tracks the worker fleet: which workers exist, what
// they can run, and whether they are alive. The in-memory index is the
// selection authority; every mutation is mirrored to the database so a
// restarted coordinator starts from the last known fleet instead of an
// empty one.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"core.ktrdr.dev/common"
	"core.ktrdr.dev/db"
)

// Worker lifecycle states.
const (
	StateRegistered   = "REGISTERED"
	StateAvailable    = "AVAILABLE"
	StateBusy         = "BUSY"
	StateUnresponsive = "UNRESPONSIVE"
	StateDeregistered = "DEREGISTERED"
)

// ErrUnknownWorker is returned for heartbeats and mutations against a
// worker id the registry does not know. The worker reacts by
// re-registering with its full packet.
var ErrUnknownWorker = errors.New("unknown worker")

// Worker is one registered worker process.
type Worker struct {
	WorkerID           string                 `json:"worker_id"`
	WorkerType         string                 `json:"worker_type"`
	EndpointURL        string                 `json:"endpoint_url"`
	Capabilities       map[string]interface{} `json:"capabilities,omitempty"`
	State              string                 `json:"state"`
	CurrentOperationID *string                `json:"current_operation_id,omitempty"`
	Version            string                 `json:"version,omitempty"`
	RegisteredAt       time.Time              `json:"registered_at"`
	LastHeartbeatAt    time.Time              `json:"last_heartbeat_at"`
}

// Store is the durable mirror of the registry, implemented by
// db.WorkerStore.
type Store interface {
	Save(ctx context.Context, rec *db.WorkerRecord) error
	LoadAll(ctx context.Context) ([]*db.WorkerRecord, error)
}

// Registry is the in-memory worker index. All methods are safe for
// concurrent use.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*Worker
	locks   map[string]*sync.Mutex
	store   Store
	log     *logrus.Entry
}

// New creates a registry mirrored to the given store. A nil store
// disables mirroring, which is only useful in tests.
func New(store Store) *Registry {
	return &Registry{
		workers: make(map[string]*Worker),
		locks:   make(map[string]*sync.Mutex),
		store:   store,
		log:     common.Logger.WithField("component", "registry"),
	}
}

// Load rebuilds the in-memory index from the durable mirror. Workers
// that deregistered are not restored.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	recs, err := r.store.LoadAll(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range recs {
		if rec.State == StateDeregistered {
			continue
		}
		w, err := workerFromRecord(rec)
		if err != nil {
			r.log.Warnf("skipping worker %s with unreadable capabilities: %v", rec.WorkerID, err)
			continue
		}
		r.workers[w.WorkerID] = w
	}
	r.log.Infof("loaded %d workers from mirror", len(r.workers))

	return nil
}

// LockWorker acquires the per-worker mutex used to serialize a
// registration with its reconciliation step, and returns the unlock
// function.
func (r *Registry) LockWorker(workerID string) func() {
	r.mu.Lock()
	lock, ok := r.locks[workerID]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[workerID] = lock
	}
	r.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// Register adds or replaces a worker and returns the prior entry, nil
// on first registration. Re-registration with the same id refreshes
// everything; the caller reconciles any operation the prior entry was
// running.
func (r *Registry) Register(ctx context.Context, w *Worker) (*Worker, error) {
	now := time.Now().UTC()

	r.mu.Lock()
	var prev *Worker
	if existing, ok := r.workers[w.WorkerID]; ok {
		cp := *existing
		prev = &cp
	}

	entry := *w
	entry.RegisteredAt = now
	entry.LastHeartbeatAt = now
	if entry.CurrentOperationID != nil {
		entry.State = StateBusy
	} else {
		entry.State = StateAvailable
	}
	r.workers[w.WorkerID] = &entry
	snapshot := entry
	r.mu.Unlock()

	r.mirror(ctx, &snapshot)

	return prev, nil
}

// Heartbeat refreshes a worker's liveness and syncs its state to the
// reported current operation. An UNRESPONSIVE worker is restored to
// BUSY or AVAILABLE. Unknown ids return ErrUnknownWorker so the worker
// re-registers.
func (r *Registry) Heartbeat(ctx context.Context, workerID string, currentOperationID *string) (*Worker, error) {
	r.mu.Lock()
	w, ok := r.workers[workerID]
	if !ok {
		r.mu.Unlock()
		return nil, ErrUnknownWorker
	}

	w.LastHeartbeatAt = time.Now().UTC()
	w.CurrentOperationID = currentOperationID
	if currentOperationID != nil {
		w.State = StateBusy
	} else {
		w.State = StateAvailable
	}
	snapshot := *w
	r.mu.Unlock()

	r.mirror(ctx, &snapshot)

	cp := snapshot
	return &cp, nil
}

// Deregister removes a worker from the index and returns its final
// snapshot so the caller can reconcile any operation it still owned.
func (r *Registry) Deregister(ctx context.Context, workerID string) (*Worker, error) {
	r.mu.Lock()
	w, ok := r.workers[workerID]
	if !ok {
		r.mu.Unlock()
		return nil, ErrUnknownWorker
	}
	snapshot := *w
	delete(r.workers, workerID)
	delete(r.locks, workerID)
	r.mu.Unlock()

	mirrored := snapshot
	mirrored.State = StateDeregistered
	r.mirror(ctx, &mirrored)

	return &snapshot, nil
}

// Select picks the worker to dispatch to: AVAILABLE, matching the
// worker type, preferring workers satisfying more of the capability
// preferences, then the one idle longest, then the lexicographically
// smallest id. The ordering is deterministic so a given fleet state
// always produces the same choice.
func (r *Registry) Select(workerType string, preferences map[string]interface{}) (*Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var (
		best      *Worker
		bestScore = -1
	)
	for _, w := range r.workers {
		if w.State != StateAvailable || w.WorkerType != workerType {
			continue
		}
		score := capabilityScore(w.Capabilities, preferences)
		if best == nil || score > bestScore ||
			(score == bestScore && w.LastHeartbeatAt.Before(best.LastHeartbeatAt)) ||
			(score == bestScore && w.LastHeartbeatAt.Equal(best.LastHeartbeatAt) && w.WorkerID < best.WorkerID) {
			best = w
			bestScore = score
		}
	}
	if best == nil {
		return nil, &common.NoWorkerAvailableError{Capability: workerType}
	}

	cp := *best
	return &cp, nil
}

// capabilityScore counts how many preference entries the worker
// satisfies. Preferences are soft: a worker missing them all still
// scores zero and stays eligible.
func capabilityScore(capabilities, preferences map[string]interface{}) int {
	score := 0
	for key, want := range preferences {
		if have, ok := capabilities[key]; ok && reflect.DeepEqual(have, want) {
			score++
		}
	}
	return score
}

// MarkBusy assigns an operation to a worker after a dispatch is
// accepted.
func (r *Registry) MarkBusy(ctx context.Context, workerID, operationID string) error {
	return r.update(ctx, workerID, func(w *Worker) {
		w.State = StateBusy
		opID := operationID
		w.CurrentOperationID = &opID
	})
}

// MarkAvailable clears a worker's current operation.
func (r *Registry) MarkAvailable(ctx context.Context, workerID string) error {
	return r.update(ctx, workerID, func(w *Worker) {
		w.State = StateAvailable
		w.CurrentOperationID = nil
	})
}

// MarkUnresponsive flags a worker that failed a dispatch or missed its
// heartbeats. Selection skips it until a heartbeat restores it.
func (r *Registry) MarkUnresponsive(ctx context.Context, workerID string) error {
	return r.update(ctx, workerID, func(w *Worker) {
		w.State = StateUnresponsive
	})
}

func (r *Registry) update(ctx context.Context, workerID string, mutate func(w *Worker)) error {
	r.mu.Lock()
	w, ok := r.workers[workerID]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownWorker
	}
	mutate(w)
	snapshot := *w
	r.mu.Unlock()

	r.mirror(ctx, &snapshot)

	return nil
}

// Get returns a copy of a worker, or nil when unknown.
func (r *Registry) Get(workerID string) *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, ok := r.workers[workerID]
	if !ok {
		return nil
	}
	cp := *w
	return &cp
}

// FindByOperation returns the worker currently assigned an operation,
// or nil.
func (r *Registry) FindByOperation(operationID string) *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, w := range r.workers {
		if w.CurrentOperationID != nil && *w.CurrentOperationID == operationID {
			cp := *w
			return &cp
		}
	}
	return nil
}

// List returns copies of all workers ordered by id.
func (r *Registry) List() []*Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	workers := make([]*Worker, 0, len(r.workers))
	for _, w := range r.workers {
		cp := *w
		workers = append(workers, &cp)
	}
	sort.Slice(workers, func(i, j int) bool {
		return workers[i].WorkerID < workers[j].WorkerID
	})

	return workers
}

// SweepUnresponsive marks workers whose last heartbeat is older than
// the threshold and returns the newly marked ones.
func (r *Registry) SweepUnresponsive(ctx context.Context, threshold time.Duration) []*Worker {
	cutoff := time.Now().UTC().Add(-threshold)

	r.mu.Lock()
	var marked []*Worker
	for _, w := range r.workers {
		if w.State != StateAvailable && w.State != StateBusy {
			continue
		}
		if w.LastHeartbeatAt.After(cutoff) {
			continue
		}
		w.State = StateUnresponsive
		cp := *w
		marked = append(marked, &cp)
	}
	r.mu.Unlock()

	for _, w := range marked {
		r.log.Warnf("worker %s unresponsive, last heartbeat %s", w.WorkerID, w.LastHeartbeatAt.Format(time.RFC3339))
		r.mirror(ctx, w)
	}

	return marked
}

// mirror persists a worker snapshot. Mirror failures are logged, not
// returned: the in-memory index stays authoritative and a missed write
// heals on the next mutation or re-registration.
func (r *Registry) mirror(ctx context.Context, w *Worker) {
	if r.store == nil {
		return
	}
	rec, err := recordFromWorker(w)
	if err != nil {
		r.log.Warnf("failed to encode worker %s for mirror: %v", w.WorkerID, err)
		return
	}
	if err := r.store.Save(ctx, rec); err != nil {
		r.log.Warnf("failed to mirror worker %s: %v", w.WorkerID, err)
	}
}

func recordFromWorker(w *Worker) (*db.WorkerRecord, error) {
	caps := "{}"
	if len(w.Capabilities) > 0 {
		data, err := json.Marshal(w.Capabilities)
		if err != nil {
			return nil, err
		}
		caps = string(data)
	}

	return &db.WorkerRecord{
		WorkerID:           w.WorkerID,
		WorkerType:         w.WorkerType,
		EndpointURL:        w.EndpointURL,
		Capabilities:       caps,
		State:              w.State,
		CurrentOperationID: w.CurrentOperationID,
		Version:            w.Version,
		LastHeartbeatAt:    w.LastHeartbeatAt,
		RegisteredAt:       w.RegisteredAt,
	}, nil
}

func workerFromRecord(rec *db.WorkerRecord) (*Worker, error) {
	var caps map[string]interface{}
	if rec.Capabilities != "" {
		if err := json.Unmarshal([]byte(rec.Capabilities), &caps); err != nil {
			return nil, err
		}
	}

	return &Worker{
		WorkerID:           rec.WorkerID,
		WorkerType:         rec.WorkerType,
		EndpointURL:        rec.EndpointURL,
		Capabilities:       caps,
		State:              rec.State,
		CurrentOperationID: rec.CurrentOperationID,
		Version:            rec.Version,
		RegisteredAt:       rec.RegisteredAt,
		LastHeartbeatAt:    rec.LastHeartbeatAt,
	}, nil
}
