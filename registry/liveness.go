package registry

import (
	"context"
	"time"
)

// RunLivenessSweep periodically marks workers without a recent
// heartbeat UNRESPONSIVE. It blocks until the context is cancelled.
// Marking is one directional: only a heartbeat from the worker itself
// restores it.
func (r *Registry) RunLivenessSweep(ctx context.Context, interval, threshold time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SweepUnresponsive(ctx, threshold)
		}
	}
}
