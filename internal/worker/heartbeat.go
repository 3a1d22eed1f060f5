package worker

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// publish pushes the current registration record immediately. Called on
// startup, on claim, and the moment a job ends, so fleet visibility never
// waits for the next periodic tick.
func (w *Worker) publish(ctx context.Context) error {
	info := w.snapshot()
	return w.st.Heartbeat(ctx, &info, w.opts.HeartbeatTTL)
}

// heartbeatLoop refreshes the TTL'd record on an interval. A worker that
// stops refreshing is what the reaper treats as stale.
func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.opts.HeartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.publish(ctx); err != nil && ctx.Err() == nil {
				w.log.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}
