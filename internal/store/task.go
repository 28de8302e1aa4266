package store

import (
	"context"
	"time"
)

// TaskType tags the unit of work handed to a polling worker.
type TaskType string

// Task types understood by workers.
const (
	// TaskFetchHeroStats asks the worker to fetch per-hero performance
	// totals for one account.
	TaskFetchHeroStats TaskType = "fetch_hero_stats"
	// TaskDiscoverMatches asks the worker to walk the account's recent
	// matches and report every participant it finds.
	TaskDiscoverMatches TaskType = "discover_matches"
	// TaskRefreshPlayer bundles discovery-then-hero for one account under a
	// single lease, used by the periodic re-crawl cadence.
	TaskRefreshPlayer TaskType = "refresh_player"
)

// Valid reports whether t is one of the known task types.
func (t TaskType) Valid() bool {
	switch t {
	case TaskFetchHeroStats, TaskDiscoverMatches, TaskRefreshPlayer:
		return true
	}
	return false
}

// Task is the descriptor returned to a worker from /task.
type Task struct {
	Type           TaskType
	AccountID      int64
	Depth          int
	HighestMatchID *int64
	// Lease is the opaque ownership token; workers echo it on submit/reset.
	Lease string
}

// Claim is the row returned by a successful candidate claim.
type Claim struct {
	AccountID      int64
	Depth          int
	HighestMatchID *int64
	DiscoverDone   bool
}

// SchedulerStore exposes the transactional primitives the Scheduler composes
// into dispatch decisions. Every Claim* call selects one eligible unassigned
// candidate and marks it assigned in a single atomic statement; a nil Claim
// with nil error means no candidate was available.
type SchedulerStore interface {
	// NextCounter atomically increments and returns the persistent dispatch
	// counter used for ordering parity and re-run cadences.
	NextCounter(ctx context.Context) (int64, error)
	// ClaimHero claims the next hero-phase candidate, scanning account IDs
	// descending when desc is true.
	ClaimHero(ctx context.Context, desc bool, lease string) (*Claim, error)
	// ClaimDiscovery claims the next discovery-phase candidate.
	ClaimDiscovery(ctx context.Context, desc bool, lease string) (*Claim, error)
	// ClaimHeroRefresh re-opens and claims the completed account whose hero
	// data is stalest, for the periodic re-crawl.
	ClaimHeroRefresh(ctx context.Context, lease string) (*Claim, error)
	// RestartDiscoveryCycle re-opens discovery for the whole frontier and
	// returns the number of rows re-opened.
	RestartDiscoveryCycle(ctx context.Context) (int64, error)
	// HeroPhasePending reports whether any account still has hero work.
	HeroPhasePending(ctx context.Context) (bool, error)
	// ReleaseStale clears assignments older than maxAge and returns how
	// many were reclaimed.
	ReleaseStale(ctx context.Context, maxAge time.Duration) (int64, error)
	// MetaTime reads a timestamp value from scheduler metadata; the zero
	// time is returned when the key is absent.
	MetaTime(ctx context.Context, key string) (time.Time, error)
	// SetMetaTime stores a timestamp value in scheduler metadata.
	SetMetaTime(ctx context.Context, key string, at time.Time) error
}
