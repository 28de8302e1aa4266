package store

import "context"

// HeroStat is the authoritative per-(account, hero) performance row as
// reported by the upstream API. Matches and wins are totals, not deltas.
type HeroStat struct {
	HeroID  int32
	Matches int64
	Wins    int64
}

// LeaderboardEntry is one row of the capped top-N cache.
type LeaderboardEntry struct {
	HeroID    int32
	AccountID int64
	Matches   int64
	Wins      int64
}

// StatsStore persists hero performance rows and maintains the capped top-N
// leaderboard cache that all leaderboard reads go through.
type StatsStore interface {
	// UpsertHeroStats replaces per-hero totals for the account (keeping the
	// larger matches value on replay) and incrementally maintains the
	// leaderboard cache for every touched hero. Idempotent.
	UpsertHeroStats(ctx context.Context, accountID int64, stats []HeroStat) error
	// HeroLeaderboard returns the cached top-N entries for one hero.
	HeroLeaderboard(ctx context.Context, heroID int32) ([]LeaderboardEntry, error)
	// BestOverall returns the single best cached entry per hero.
	BestOverall(ctx context.Context) ([]LeaderboardEntry, error)
	// RebuildLeaderboard repopulates the cache from the full stats table.
	RebuildLeaderboard(ctx context.Context) error
	// LeaderboardEmpty reports whether the cache holds no rows, used to
	// decide whether a rebuild is needed at startup.
	LeaderboardEmpty(ctx context.Context) (bool, error)
}
