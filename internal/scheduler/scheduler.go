// Package scheduler decides which unit of work to hand to a polling worker
// and heals abandoned assignments.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/statlab/herocrawl/internal/clock"
	"github.com/statlab/herocrawl/internal/store"
	"github.com/statlab/herocrawl/internal/telemetry"
)

// cleanupMetaKey records when the dispatch-path stale sweep last ran.
const cleanupMetaKey = "last_assignment_cleanup"

// IDGenerator produces opaque lease tokens.
type IDGenerator interface {
	NewID() (string, error)
}

// Config tunes the dispatch cadences. The intervals are operational knobs,
// not correctness requirements.
type Config struct {
	// RerunInterval re-dispatches a completed hero account every Nth
	// counter value, picking up upstream data changes. 0 disables.
	RerunInterval int64
	// DiscoveryRerunInterval forces a discovery dispatch every Nth counter
	// value even while the hero phase is active, restarting the discovery
	// cycle when the frontier is exhausted. 0 disables.
	DiscoveryRerunInterval int64
	// CleanupInterval bounds how often the dispatch path runs the stale
	// sweep; the Reclaimer loop covers deployments where dispatches stop.
	CleanupInterval time.Duration
	// ReclaimMaxAge is the assignment staleness threshold. Generous by
	// default: discovery pagination can legitimately take tens of seconds.
	ReclaimMaxAge time.Duration
}

// Scheduler answers "what is the next task?" for anonymous polling workers.
// It holds no in-process state about workers; all coordination goes through
// the store's atomic claims.
type Scheduler struct {
	store  store.SchedulerStore
	clock  clock.Clock
	idGen  IDGenerator
	cfg    Config
	logger *zap.Logger
}

// New constructs a Scheduler.
func New(st store.SchedulerStore, clk clock.Clock, idGen IDGenerator, cfg Config, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		store:  st,
		clock:  clk,
		idGen:  idGen,
		cfg:    cfg,
		logger: logger,
	}
}

// NextTask selects, claims and returns the next unit of work, or (nil, nil)
// when no eligible candidate exists anywhere. The global phase is derived
// from the frontier on every call, never cached: the system stays in the
// hero phase while any account has hero work outstanding.
func (s *Scheduler) NextTask(ctx context.Context) (*store.Task, error) {
	if err := s.maybeCleanup(ctx); err != nil {
		// Sweep failures must not block dispatch; the Reclaimer loop
		// retries on its own cadence.
		s.logger.Warn("dispatch-path cleanup failed", zap.Error(err))
	}

	count, err := s.store.NextCounter(ctx)
	if err != nil {
		return nil, fmt.Errorf("advance dispatch counter: %w", err)
	}
	// Alternate scan direction by counter parity so concurrent pollers work
	// the queue from both ends of the ID space.
	desc := count%2 == 1

	lease, err := s.idGen.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate lease: %w", err)
	}

	if due(count, s.cfg.DiscoveryRerunInterval) {
		task, err := s.discoveryTask(ctx, desc, lease, true)
		if err != nil {
			return nil, err
		}
		if task != nil {
			return s.dispatched(task, count), nil
		}
	}

	if due(count, s.cfg.RerunInterval) {
		claim, err := s.store.ClaimHeroRefresh(ctx, lease)
		if err != nil {
			return nil, err
		}
		if claim != nil {
			taskType := store.TaskFetchHeroStats
			if claim.DiscoverDone {
				// Both phases were complete: bundle discovery-then-hero
				// under this one lease.
				taskType = store.TaskRefreshPlayer
			}
			return s.dispatched(claimToTask(claim, taskType, lease), count), nil
		}
	}

	claim, err := s.store.ClaimHero(ctx, desc, lease)
	if err != nil {
		return nil, err
	}
	if claim != nil {
		return s.dispatched(claimToTask(claim, store.TaskFetchHeroStats, lease), count), nil
	}

	// No hero candidate was claimable. Discovery opens only once every
	// account has hero stats; until then exploration must not outrun
	// enrichment.
	pending, err := s.store.HeroPhasePending(ctx)
	if err != nil {
		return nil, fmt.Errorf("derive global phase: %w", err)
	}
	if pending {
		return nil, nil
	}

	task, err := s.discoveryTask(ctx, desc, lease, false)
	if err != nil {
		return nil, err
	}
	if task != nil {
		return s.dispatched(task, count), nil
	}
	return nil, nil
}

// discoveryTask claims a discovery candidate, optionally restarting the
// discovery cycle when the frontier is exhausted.
func (s *Scheduler) discoveryTask(ctx context.Context, desc bool, lease string, restartWhenDrained bool) (*store.Task, error) {
	claim, err := s.store.ClaimDiscovery(ctx, desc, lease)
	if err != nil {
		return nil, err
	}
	if claim == nil && restartWhenDrained {
		reopened, err := s.store.RestartDiscoveryCycle(ctx)
		if err != nil {
			return nil, err
		}
		if reopened > 0 {
			s.logger.Info("discovery cycle restarted", zap.Int64("reopened", reopened))
			claim, err = s.store.ClaimDiscovery(ctx, desc, lease)
			if err != nil {
				return nil, err
			}
		}
	}
	if claim == nil {
		return nil, nil
	}
	return claimToTask(claim, store.TaskDiscoverMatches, lease), nil
}

func (s *Scheduler) dispatched(task *store.Task, count int64) *store.Task {
	telemetry.ObserveTaskDispatched(string(task.Type))
	s.logger.Debug("task dispatched",
		zap.String("type", string(task.Type)),
		zap.Int64("account_id", task.AccountID),
		zap.Int64("counter", count),
	)
	return task
}

func (s *Scheduler) maybeCleanup(ctx context.Context) error {
	if s.cfg.CleanupInterval <= 0 {
		return nil
	}
	last, err := s.store.MetaTime(ctx, cleanupMetaKey)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	if !last.IsZero() && now.Sub(last) < s.cfg.CleanupInterval {
		return nil
	}
	released, err := s.store.ReleaseStale(ctx, s.cfg.ReclaimMaxAge)
	if err != nil {
		return err
	}
	if released > 0 {
		telemetry.ObserveReclaimed(released)
		s.logger.Info("released stale assignments", zap.Int64("count", released))
	}
	return s.store.SetMetaTime(ctx, cleanupMetaKey, now)
}

func due(count, interval int64) bool {
	return interval > 0 && count%interval == 0
}

func claimToTask(c *store.Claim, taskType store.TaskType, lease string) *store.Task {
	return &store.Task{
		Type:           taskType,
		AccountID:      c.AccountID,
		Depth:          c.Depth,
		HighestMatchID: c.HighestMatchID,
		Lease:          lease,
	}
}
