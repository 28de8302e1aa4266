package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/statlab/herocrawl/internal/store"
)

// defaultLeaderboardSize caps the per-hero cache when no size is configured.
const defaultLeaderboardSize = 100

// StatsStore implements store.StatsStore: authoritative per-hero totals in
// hero_stats plus the capped top-N cache in hero_best that every leaderboard
// read goes through.
type StatsStore struct {
	pool Querier
	topN int
}

// NewStatsStore wraps the shared pool. topN bounds the per-hero cache.
func NewStatsStore(pool Querier, topN int) (*StatsStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if topN <= 0 {
		topN = defaultLeaderboardSize
	}
	return &StatsStore{pool: pool, topN: topN}, nil
}

// upsertHeroStat keeps the larger matches total on replay, pairing wins with
// it, so resubmitting an identical payload is a no-op.
const upsertHeroStat = `
	INSERT INTO hero_stats (steam_account_id, hero_id, matches, wins)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (steam_account_id, hero_id) DO UPDATE
	SET matches = CASE
	        WHEN EXCLUDED.matches > hero_stats.matches THEN EXCLUDED.matches
	        ELSE hero_stats.matches
	    END,
	    wins = CASE
	        WHEN EXCLUDED.matches > hero_stats.matches THEN EXCLUDED.wins
	        ELSE hero_stats.wins
	    END`

// refreshCacheEntry pulls the authoritative row back out of hero_stats so a
// replayed submission can never regress the cache.
const refreshCacheEntry = `
	INSERT INTO hero_best (hero_id, steam_account_id, matches, wins)
	SELECT hero_id, steam_account_id, matches, wins
	FROM hero_stats
	WHERE steam_account_id = $1 AND hero_id = $2
	ON CONFLICT (hero_id, steam_account_id) DO UPDATE
	SET matches = EXCLUDED.matches, wins = EXCLUDED.wins`

// trimCacheEntries evicts everything ranked below the cap for one hero.
const trimCacheEntries = `
	DELETE FROM hero_best
	WHERE hero_id = $1 AND steam_account_id IN (
		SELECT steam_account_id
		FROM hero_best
		WHERE hero_id = $1
		ORDER BY matches DESC, wins DESC, steam_account_id ASC
		OFFSET $2
	)`

// UpsertHeroStats applies the authoritative totals for one account and keeps
// the top-N cache current for every touched hero. Rows with wins > matches or
// negative counters are skipped rather than failing the batch.
func (s *StatsStore) UpsertHeroStats(ctx context.Context, accountID int64, stats []store.HeroStat) error {
	batch := &pgx.Batch{}
	queued := 0
	for _, st := range stats {
		if st.HeroID <= 0 || st.Matches < 0 || st.Wins < 0 || st.Wins > st.Matches {
			continue
		}
		batch.Queue(upsertHeroStat, accountID, st.HeroID, st.Matches, st.Wins)
		batch.Queue(refreshCacheEntry, accountID, st.HeroID)
		batch.Queue(trimCacheEntries, st.HeroID, s.topN)
		queued += 3
	}
	if queued == 0 {
		return nil
	}
	results := s.pool.SendBatch(ctx, batch)
	defer func() { _ = results.Close() }()
	for i := 0; i < queued; i++ {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("upsert hero stats for %d: %w", accountID, err)
		}
	}
	return nil
}

// HeroLeaderboard returns the cached ranking for one hero.
func (s *StatsStore) HeroLeaderboard(ctx context.Context, heroID int32) ([]store.LeaderboardEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT hero_id, steam_account_id, matches, wins
		FROM hero_best
		WHERE hero_id = $1
		ORDER BY matches DESC, wins DESC, steam_account_id ASC`, heroID)
	if err != nil {
		return nil, fmt.Errorf("load hero leaderboard %d: %w", heroID, err)
	}
	defer rows.Close()
	return scanLeaderboard(rows)
}

// BestOverall returns the single best cached entry per hero.
func (s *StatsStore) BestOverall(ctx context.Context) ([]store.LeaderboardEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (hero_id) hero_id, steam_account_id, matches, wins
		FROM hero_best
		ORDER BY hero_id ASC, matches DESC, wins DESC, steam_account_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("load best overall: %w", err)
	}
	defer rows.Close()
	return scanLeaderboard(rows)
}

// RebuildLeaderboard repopulates the cache from the full stats table in one
// transaction, used at startup and on the periodic refresh cadence.
func (s *StatsStore) RebuildLeaderboard(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin rebuild tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM hero_best`); err != nil {
		return fmt.Errorf("clear leaderboard cache: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO hero_best (hero_id, steam_account_id, matches, wins)
		SELECT hero_id, steam_account_id, matches, wins
		FROM (
			SELECT hero_id, steam_account_id, matches, wins,
			       ROW_NUMBER() OVER (
			           PARTITION BY hero_id
			           ORDER BY matches DESC, wins DESC, steam_account_id ASC
			       ) AS rn
			FROM hero_stats
		) ranked
		WHERE ranked.rn <= $1`, s.topN); err != nil {
		return fmt.Errorf("repopulate leaderboard cache: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit rebuild tx: %w", err)
	}
	return nil
}

// LeaderboardEmpty reports whether the cache holds no rows at all.
func (s *StatsStore) LeaderboardEmpty(ctx context.Context) (bool, error) {
	var populated bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM hero_best)`).Scan(&populated)
	if err != nil {
		return false, fmt.Errorf("check leaderboard cache: %w", err)
	}
	return !populated, nil
}

func scanLeaderboard(rows pgx.Rows) ([]store.LeaderboardEntry, error) {
	var entries []store.LeaderboardEntry
	for rows.Next() {
		var e store.LeaderboardEntry
		if err := rows.Scan(&e.HeroID, &e.AccountID, &e.Matches, &e.Wins); err != nil {
			return nil, fmt.Errorf("scan leaderboard row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate leaderboard rows: %w", err)
	}
	return entries, nil
}
