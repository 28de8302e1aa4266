package postgres

import (
	"context"
	"fmt"
)

// schemaAdvisoryLockID serializes schema bootstrap across processes racing at
// startup.
const schemaAdvisoryLockID = int64(0x6865726f63727764)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS players (
		steam_account_id BIGINT PRIMARY KEY,
		depth INTEGER,
		assigned_to TEXT,
		assigned_at TIMESTAMPTZ,
		hero_refreshed_at TIMESTAMPTZ,
		hero_done BOOLEAN NOT NULL DEFAULT FALSE,
		discover_done BOOLEAN NOT NULL DEFAULT FALSE,
		highest_match_id BIGINT,
		seen_count INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS hero_stats (
		steam_account_id BIGINT NOT NULL,
		hero_id INTEGER NOT NULL,
		matches BIGINT NOT NULL,
		wins BIGINT NOT NULL,
		PRIMARY KEY (steam_account_id, hero_id)
	)`,
	`CREATE TABLE IF NOT EXISTS hero_best (
		hero_id INTEGER NOT NULL,
		steam_account_id BIGINT NOT NULL,
		matches BIGINT NOT NULL,
		wins BIGINT NOT NULL,
		PRIMARY KEY (hero_id, steam_account_id)
	)`,
	`CREATE TABLE IF NOT EXISTS scheduler_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	// Dispatch scans only ever look at a narrow slice of the frontier, so
	// partial indexes keep the hot paths index-only as the table grows.
	`CREATE INDEX IF NOT EXISTS idx_players_hero_pending
		ON players (steam_account_id)
		WHERE hero_done = FALSE`,
	`CREATE INDEX IF NOT EXISTS idx_players_hero_unassigned_queue
		ON players (COALESCE(depth, 0), steam_account_id)
		WHERE hero_done = FALSE AND assigned_to IS NULL`,
	`CREATE INDEX IF NOT EXISTS idx_players_discover_queue
		ON players (seen_count DESC, COALESCE(depth, 0), steam_account_id)
		WHERE hero_done = TRUE AND discover_done = FALSE AND assigned_to IS NULL`,
	`CREATE INDEX IF NOT EXISTS idx_players_assignment_state
		ON players (assigned_at)
		WHERE assigned_to IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_players_hero_refreshed
		ON players (COALESCE(hero_refreshed_at, 'epoch'::timestamptz), steam_account_id)
		WHERE hero_done = TRUE AND assigned_to IS NULL`,
}

// EnsureSchema creates the coordinator tables and indexes if they do not
// exist, and seeds the initial account at depth 0. Safe to run concurrently
// from multiple processes.
func EnsureSchema(ctx context.Context, q Querier, initialAccountID int64) error {
	tx, err := q.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", schemaAdvisoryLockID); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}
	for _, stmt := range schemaStatements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement: %w", err)
		}
	}
	if initialAccountID > 0 {
		if _, err := tx.Exec(ctx, `
			INSERT INTO players (steam_account_id, depth)
			VALUES ($1, 0)
			ON CONFLICT (steam_account_id) DO NOTHING`, initialAccountID); err != nil {
			return fmt.Errorf("seed initial account: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}
