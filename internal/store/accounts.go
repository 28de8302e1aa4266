package store

import (
	"context"
	"errors"
)

// ErrNotFound signals that the requested account does not exist.
var ErrNotFound = errors.New("account not found")

// ErrLeaseMismatch signals that a fenced mutation presented a lease token that
// no longer owns the assignment.
var ErrLeaseMismatch = errors.New("lease does not own assignment")

// Discovered is one child account reported by a discovery submission.
type Discovered struct {
	ID    int64
	Count int
}

// Progress aggregates frontier counts for the /progress endpoint.
type Progress struct {
	PlayersTotal int64
	HeroDone     int64
	DiscoverDone int64
}

// AccountStore persists the account frontier. All mutations are single-row
// (or single-statement) transactions safe under concurrent callers.
type AccountStore interface {
	// SeedRange inserts the contiguous ID range [start, end] at depth 0 and
	// reports how many rows were new.
	SeedRange(ctx context.Context, start, end int64) (int64, error)
	// VerifyLease confirms the lease still owns the account's assignment
	// before any submission side effects are applied. An empty lease only
	// checks that the account exists. Returns ErrNotFound or
	// ErrLeaseMismatch.
	VerifyLease(ctx context.Context, id int64, lease string) error
	// ResetTask releases the assignment for the given task type. Hero resets
	// also discard partially applied stat rows so a retry starts clean.
	// When lease is non-empty the release is fenced on ownership.
	ResetTask(ctx context.Context, id int64, taskType TaskType, lease string) error
	// CompleteHero marks the hero phase done, stamps hero_refreshed_at and
	// clears the assignment.
	CompleteHero(ctx context.Context, id int64, lease string) error
	// CompleteDiscovery marks the discovery phase done and raises the match
	// watermark monotonically. The assignment is cleared unless release is
	// false, which keeps the lease held for the hero stage of a compound
	// refresh task.
	CompleteDiscovery(ctx context.Context, id int64, lease string, highestMatchID *int64, release bool) error
	// InsertDiscovered upserts child accounts at nextDepth, accumulating
	// seen counts while a child's discovery phase is still open. Returns
	// the number of rows touched.
	InsertDiscovered(ctx context.Context, parentID int64, children []Discovered, nextDepth int) (int64, error)
	// Depth returns the stored BFS depth, or ErrNotFound.
	Depth(ctx context.Context, id int64) (int, error)
	// Progress returns frontier-wide completion counts.
	Progress(ctx context.Context) (Progress, error)
	// Ping verifies database connectivity for readiness checks.
	Ping(ctx context.Context) error
}
