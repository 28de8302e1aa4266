package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/statlab/herocrawl/internal/store"
	"github.com/statlab/herocrawl/internal/telemetry"
)

// LeaderboardRefresher periodically rebuilds the capped top-N cache from the
// full stats table. Submissions keep the cache current incrementally, so the
// rebuild only repairs drift (e.g. rows orphaned by hero resets).
type LeaderboardRefresher struct {
	stats    store.StatsStore
	interval time.Duration
	logger   *zap.Logger
}

// NewLeaderboardRefresher constructs a LeaderboardRefresher.
func NewLeaderboardRefresher(stats store.StatsStore, interval time.Duration, logger *zap.Logger) *LeaderboardRefresher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LeaderboardRefresher{
		stats:    stats,
		interval: interval,
		logger:   logger,
	}
}

// Run rebuilds at startup when the cache is empty, then on every interval
// tick until the context finishes.
func (l *LeaderboardRefresher) Run(ctx context.Context) {
	empty, err := l.stats.LeaderboardEmpty(ctx)
	if err != nil {
		l.logger.Warn("leaderboard cache check failed", zap.Error(err))
	} else if empty {
		l.rebuild(ctx)
	}

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.rebuild(ctx)
		}
	}
}

func (l *LeaderboardRefresher) rebuild(ctx context.Context) {
	start := time.Now()
	if err := l.stats.RebuildLeaderboard(ctx); err != nil {
		if ctx.Err() == nil {
			l.logger.Error("leaderboard rebuild failed", zap.Error(err))
		}
		return
	}
	telemetry.ObserveLeaderboardRebuild()
	l.logger.Info("leaderboard cache rebuilt", zap.Duration("elapsed", time.Since(start)))
}
