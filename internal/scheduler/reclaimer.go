package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/statlab/herocrawl/internal/store"
	"github.com/statlab/herocrawl/internal/telemetry"
)

// Reclaimer is the background sweep that releases assignments abandoned by
// dead or stalled workers. There is no heartbeat protocol: a worker that
// closes its tab simply stops submitting, and this sweep is the only
// recovery path.
type Reclaimer struct {
	store    store.SchedulerStore
	interval time.Duration
	maxAge   time.Duration
	logger   *zap.Logger
}

// NewReclaimer constructs a Reclaimer.
func NewReclaimer(st store.SchedulerStore, interval, maxAge time.Duration, logger *zap.Logger) *Reclaimer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reclaimer{
		store:    st,
		interval: interval,
		maxAge:   maxAge,
		logger:   logger,
	}
}

// Run sweeps once immediately, then on every interval tick until the context
// finishes.
func (r *Reclaimer) Run(ctx context.Context) {
	r.Sweep(ctx)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep releases every assignment older than the staleness threshold.
// Failures are logged and retried on the next tick.
func (r *Reclaimer) Sweep(ctx context.Context) {
	released, err := r.store.ReleaseStale(ctx, r.maxAge)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Error("reclaim sweep failed", zap.Error(err))
		}
		return
	}
	if released > 0 {
		telemetry.ObserveReclaimed(released)
		r.logger.Info("reclaimed stale assignments",
			zap.Int64("count", released),
			zap.Duration("max_age", r.maxAge),
		)
	}
}
