package progress

import (
	"context"
	"sync"
	"time"
)

// defaultDebounceInterval is how long updates for one operation are
// collapsed before being flushed.
const defaultDebounceInterval = 250 * time.Millisecond

// Update is one debounced progress report. Epoch is the ownership epoch
// the reporter held when it produced the update; stale epochs are
// discarded downstream.
type Update struct {
	OperationID string
	Epoch       int64
	Percent     float64
	Message     string
	Context     map[string]interface{}
}

// FlushFunc receives the latest collapsed update per operation.
type FlushFunc func(ctx context.Context, u Update)

// Debouncer collapses high-frequency progress updates to the newest one
// per operation and hands them to the flush function on a fixed
// interval. Intermediate values are dropped on purpose: only the latest
// snapshot matters.
type Debouncer struct {
	mu       sync.Mutex
	pending  map[string]Update
	interval time.Duration
	flush    FlushFunc
	stop     chan struct{}
	done     chan struct{}
	started  bool
}

// NewDebouncer creates a debouncer. A zero interval selects the
// default.
func NewDebouncer(interval time.Duration, flush FlushFunc) *Debouncer {
	if interval == 0 {
		interval = defaultDebounceInterval
	}
	return &Debouncer{
		pending:  make(map[string]Update),
		interval: interval,
		flush:    flush,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the background flusher. Starting twice is a no-op.
func (d *Debouncer) Start() {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()

	go func() {
		defer close(d.done)
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.Flush(context.Background())
			case <-d.stop:
				return
			}
		}
	}()
}

// Update records an update, replacing any pending one for the same
// operation.
func (d *Debouncer) Update(u Update) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.pending[u.OperationID] = u
}

// Flush hands every pending update to the flush function immediately.
func (d *Debouncer) Flush(ctx context.Context) {
	d.mu.Lock()
	if len(d.pending) == 0 {
		d.mu.Unlock()
		return
	}
	batch := d.pending
	d.pending = make(map[string]Update)
	d.mu.Unlock()

	for _, u := range batch {
		d.flush(ctx, u)
	}
}

// Stop halts the background flusher and drains pending updates so no
// final progress report is lost on shutdown.
func (d *Debouncer) Stop(ctx context.Context) {
	d.mu.Lock()
	started := d.started
	d.mu.Unlock()

	if started {
		close(d.stop)
		<-d.done
	}
	d.Flush(ctx)
}
