package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/statlab/herocrawl/internal/store"
)

// PlayerStore implements store.AccountStore and store.SchedulerStore on top
// of the players and scheduler_meta tables. Every mutation is a single
// statement (or a short transaction), so correctness does not depend on any
// in-process locking.
type PlayerStore struct {
	pool Querier
}

// NewPlayerStore wraps the shared pool.
func NewPlayerStore(pool Querier) (*PlayerStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &PlayerStore{pool: pool}, nil
}

// SeedRange inserts [start, end] at depth 0.
func (s *PlayerStore) SeedRange(ctx context.Context, start, end int64) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO players (steam_account_id, depth)
		SELECT gs, 0 FROM generate_series($1::bigint, $2::bigint) AS gs
		ON CONFLICT (steam_account_id) DO NOTHING`, start, end)
	if err != nil {
		return 0, fmt.Errorf("seed range [%d,%d]: %w", start, end, err)
	}
	return tag.RowsAffected(), nil
}

// leaseFence matches either an unfenced call (empty lease) or the owning
// lease token.
const leaseFence = `($2 = '' OR assigned_to = $2)`

// VerifyLease checks lease ownership before a submission applies any side
// effects. The completion statement that follows re-checks the fence
// atomically.
func (s *PlayerStore) VerifyLease(ctx context.Context, id int64, lease string) error {
	var owned bool
	err := s.pool.QueryRow(ctx, `
		SELECT `+leaseFence+`
		FROM players
		WHERE steam_account_id = $1`, id, lease).Scan(&owned)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("verify lease %d: %w", id, err)
	}
	if !owned {
		return store.ErrLeaseMismatch
	}
	return nil
}

// ResetTask releases the assignment according to the task type. Hero resets
// discard the account's stat and cache rows so a retried fetch starts clean.
func (s *PlayerStore) ResetTask(ctx context.Context, id int64, taskType store.TaskType, lease string) error {
	switch taskType {
	case store.TaskFetchHeroStats, store.TaskRefreshPlayer:
		return s.resetHero(ctx, id, lease)
	case store.TaskDiscoverMatches:
		return s.exec1(ctx, id, lease, `
			UPDATE players
			SET discover_done = FALSE,
			    assigned_to = NULL,
			    assigned_at = NULL
			WHERE steam_account_id = $1 AND `+leaseFence)
	default:
		return s.exec1(ctx, id, lease, `
			UPDATE players
			SET assigned_to = NULL,
			    assigned_at = NULL
			WHERE steam_account_id = $1 AND `+leaseFence)
	}
}

func (s *PlayerStore) resetHero(ctx context.Context, id int64, lease string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin reset tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE players
		SET hero_done = FALSE,
		    hero_refreshed_at = NULL,
		    assigned_to = NULL,
		    assigned_at = NULL
		WHERE steam_account_id = $1 AND `+leaseFence, id, lease)
	if err != nil {
		return fmt.Errorf("reset hero task %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.assignmentError(ctx, id)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM hero_stats WHERE steam_account_id = $1`, id); err != nil {
		return fmt.Errorf("discard hero stats %d: %w", id, err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM hero_best WHERE steam_account_id = $1`, id); err != nil {
		return fmt.Errorf("discard cached entries %d: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit reset tx: %w", err)
	}
	return nil
}

// CompleteHero marks the hero phase done and releases the assignment.
func (s *PlayerStore) CompleteHero(ctx context.Context, id int64, lease string) error {
	return s.exec1(ctx, id, lease, `
		UPDATE players
		SET hero_done = TRUE,
		    hero_refreshed_at = NOW(),
		    assigned_to = NULL,
		    assigned_at = NULL
		WHERE steam_account_id = $1 AND `+leaseFence)
}

// CompleteDiscovery marks discovery done and raises the watermark
// monotonically. With release false the assignment stays held, which a
// compound refresh task uses to carry the lease into its hero stage.
func (s *PlayerStore) CompleteDiscovery(ctx context.Context, id int64, lease string, highestMatchID *int64, release bool) error {
	stmt := `
		UPDATE players
		SET discover_done = TRUE,
		    assigned_to = NULL,
		    assigned_at = NULL,
		    highest_match_id = CASE
		        WHEN $3::bigint IS NULL THEN highest_match_id
		        ELSE GREATEST(COALESCE(highest_match_id, 0), $3::bigint)
		    END
		WHERE steam_account_id = $1 AND ` + leaseFence
	if !release {
		stmt = `
		UPDATE players
		SET discover_done = TRUE,
		    assigned_at = NOW(),
		    highest_match_id = CASE
		        WHEN $3::bigint IS NULL THEN highest_match_id
		        ELSE GREATEST(COALESCE(highest_match_id, 0), $3::bigint)
		    END
		WHERE steam_account_id = $1 AND ` + leaseFence
	}
	tag, err := s.pool.Exec(ctx, stmt, id, lease, highestMatchID)
	if err != nil {
		return fmt.Errorf("complete discovery %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.assignmentError(ctx, id)
	}
	return nil
}

// InsertDiscovered upserts child accounts at nextDepth. Re-discovered
// accounts keep the smaller depth; seen counts accumulate only while the
// child's discovery phase is still open.
func (s *PlayerStore) InsertDiscovered(ctx context.Context, parentID int64, children []store.Discovered, nextDepth int) (int64, error) {
	batch := &pgx.Batch{}
	queued := 0
	for _, child := range children {
		if child.ID <= 0 || child.ID == parentID || child.Count <= 0 {
			continue
		}
		batch.Queue(`
			INSERT INTO players (steam_account_id, depth, hero_done, discover_done, seen_count)
			VALUES ($1, $2, FALSE, FALSE, $3)
			ON CONFLICT (steam_account_id) DO UPDATE
			SET depth = LEAST(players.depth, EXCLUDED.depth),
			    seen_count = CASE
			        WHEN players.discover_done = FALSE
			            THEN players.seen_count + EXCLUDED.seen_count
			        ELSE players.seen_count
			    END
			WHERE players.discover_done = FALSE
			   OR EXCLUDED.depth < players.depth`, child.ID, nextDepth, child.Count)
		queued++
	}
	if queued == 0 {
		return 0, nil
	}
	results := s.pool.SendBatch(ctx, batch)
	defer func() { _ = results.Close() }()
	var touched int64
	for i := 0; i < queued; i++ {
		tag, err := results.Exec()
		if err != nil {
			return touched, fmt.Errorf("insert discovered for parent %d: %w", parentID, err)
		}
		touched += tag.RowsAffected()
	}
	return touched, nil
}

// Depth returns the stored BFS depth for the account.
func (s *PlayerStore) Depth(ctx context.Context, id int64) (int, error) {
	var depth int
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(depth, 0) FROM players WHERE steam_account_id = $1`, id).Scan(&depth)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, store.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("load depth %d: %w", id, err)
	}
	return depth, nil
}

// Progress returns frontier-wide completion counts in one scan.
func (s *PlayerStore) Progress(ctx context.Context) (store.Progress, error) {
	var p store.Progress
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE hero_done = TRUE),
		       COUNT(*) FILTER (WHERE discover_done = TRUE)
		FROM players`).Scan(&p.PlayersTotal, &p.HeroDone, &p.DiscoverDone)
	if err != nil {
		return store.Progress{}, fmt.Errorf("load progress: %w", err)
	}
	return p, nil
}

// Ping verifies connectivity.
func (s *PlayerStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// NextCounter increments and returns the persistent dispatch counter.
func (s *PlayerStore) NextCounter(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO scheduler_meta (key, value)
		VALUES ('task_counter', '1')
		ON CONFLICT (key) DO UPDATE
		SET value = (scheduler_meta.value::bigint + 1)::text
		RETURNING value::bigint`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("advance task counter: %w", err)
	}
	return count, nil
}

const claimHeroAsc = `
	WITH candidate AS (
		SELECT steam_account_id
		FROM players
		WHERE hero_done = FALSE AND assigned_to IS NULL
		ORDER BY COALESCE(depth, 0) ASC, steam_account_id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	)
	UPDATE players p
	SET assigned_to = $1, assigned_at = NOW()
	FROM candidate c
	WHERE p.steam_account_id = c.steam_account_id
	RETURNING p.steam_account_id, COALESCE(p.depth, 0), p.highest_match_id, p.discover_done`

const claimHeroDesc = `
	WITH candidate AS (
		SELECT steam_account_id
		FROM players
		WHERE hero_done = FALSE AND assigned_to IS NULL
		ORDER BY COALESCE(depth, 0) ASC, steam_account_id DESC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	)
	UPDATE players p
	SET assigned_to = $1, assigned_at = NOW()
	FROM candidate c
	WHERE p.steam_account_id = c.steam_account_id
	RETURNING p.steam_account_id, COALESCE(p.depth, 0), p.highest_match_id, p.discover_done`

const claimDiscoveryAsc = `
	WITH candidate AS (
		SELECT steam_account_id
		FROM players
		WHERE hero_done = TRUE AND discover_done = FALSE AND assigned_to IS NULL
		ORDER BY seen_count DESC, COALESCE(depth, 0) ASC, steam_account_id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	)
	UPDATE players p
	SET assigned_to = $1, assigned_at = NOW()
	FROM candidate c
	WHERE p.steam_account_id = c.steam_account_id
	RETURNING p.steam_account_id, COALESCE(p.depth, 0), p.highest_match_id, p.discover_done`

const claimDiscoveryDesc = `
	WITH candidate AS (
		SELECT steam_account_id
		FROM players
		WHERE hero_done = TRUE AND discover_done = FALSE AND assigned_to IS NULL
		ORDER BY seen_count DESC, COALESCE(depth, 0) ASC, steam_account_id DESC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	)
	UPDATE players p
	SET assigned_to = $1, assigned_at = NOW()
	FROM candidate c
	WHERE p.steam_account_id = c.steam_account_id
	RETURNING p.steam_account_id, COALESCE(p.depth, 0), p.highest_match_id, p.discover_done`

const claimHeroRefresh = `
	WITH candidate AS (
		SELECT steam_account_id
		FROM players
		WHERE hero_done = TRUE AND assigned_to IS NULL
		ORDER BY COALESCE(hero_refreshed_at, 'epoch'::timestamptz) ASC, steam_account_id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	)
	UPDATE players p
	SET hero_done = FALSE, assigned_to = $1, assigned_at = NOW()
	FROM candidate c
	WHERE p.steam_account_id = c.steam_account_id
	RETURNING p.steam_account_id, COALESCE(p.depth, 0), p.highest_match_id, p.discover_done`

// ClaimHero claims the next hero-phase candidate. SKIP LOCKED keeps
// concurrent dispatchers from ever selecting the same row, so a nil claim
// really means the queue slice was empty.
func (s *PlayerStore) ClaimHero(ctx context.Context, desc bool, lease string) (*store.Claim, error) {
	query := claimHeroAsc
	if desc {
		query = claimHeroDesc
	}
	return s.claim(ctx, query, lease)
}

// ClaimDiscovery claims the next discovery-phase candidate, best-connected
// accounts first.
func (s *PlayerStore) ClaimDiscovery(ctx context.Context, desc bool, lease string) (*store.Claim, error) {
	query := claimDiscoveryAsc
	if desc {
		query = claimDiscoveryDesc
	}
	return s.claim(ctx, query, lease)
}

// ClaimHeroRefresh re-opens and claims the completed account with the
// stalest hero data.
func (s *PlayerStore) ClaimHeroRefresh(ctx context.Context, lease string) (*store.Claim, error) {
	return s.claim(ctx, claimHeroRefresh, lease)
}

func (s *PlayerStore) claim(ctx context.Context, query, lease string) (*store.Claim, error) {
	var c store.Claim
	err := s.pool.QueryRow(ctx, query, lease).Scan(&c.AccountID, &c.Depth, &c.HighestMatchID, &c.DiscoverDone)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim candidate: %w", err)
	}
	return &c, nil
}

// RestartDiscoveryCycle re-opens discovery across the frontier once it has
// been exhausted, enabling the next full re-crawl sweep.
func (s *PlayerStore) RestartDiscoveryCycle(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE players
		SET discover_done = FALSE
		WHERE discover_done = TRUE AND hero_done = TRUE`)
	if err != nil {
		return 0, fmt.Errorf("restart discovery cycle: %w", err)
	}
	return tag.RowsAffected(), nil
}

// HeroPhasePending reports whether any account still needs hero stats.
func (s *PlayerStore) HeroPhasePending(ctx context.Context) (bool, error) {
	var pending bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM players WHERE hero_done = FALSE)`).Scan(&pending)
	if err != nil {
		return false, fmt.Errorf("check hero phase: %w", err)
	}
	return pending, nil
}

// ReleaseStale clears assignments older than maxAge. Assignments with a NULL
// timestamp are treated as stale outright.
func (s *PlayerStore) ReleaseStale(ctx context.Context, maxAge time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE players
		SET assigned_to = NULL,
		    assigned_at = NULL
		WHERE assigned_to IS NOT NULL
		  AND (assigned_at IS NULL
		       OR assigned_at <= NOW() - make_interval(secs => $1))`,
		maxAge.Seconds())
	if err != nil {
		return 0, fmt.Errorf("release stale assignments: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MetaTime reads an RFC3339 timestamp from scheduler_meta.
func (s *PlayerStore) MetaTime(ctx context.Context, key string) (time.Time, error) {
	var raw string
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM scheduler_meta WHERE key = $1`, key).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("load meta %q: %w", key, err)
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		// Unparseable values behave like an absent key so the cadence
		// self-heals on the next write.
		return time.Time{}, nil
	}
	return at, nil
}

// SetMetaTime stores an RFC3339 timestamp in scheduler_meta.
func (s *PlayerStore) SetMetaTime(ctx context.Context, key string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scheduler_meta (key, value)
		VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		key, at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store meta %q: %w", key, err)
	}
	return nil
}

func (s *PlayerStore) exec1(ctx context.Context, id int64, lease, query string) error {
	tag, err := s.pool.Exec(ctx, query, id, lease)
	if err != nil {
		return fmt.Errorf("update account %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.assignmentError(ctx, id)
	}
	return nil
}

// assignmentError distinguishes a missing account from a lease that lost
// ownership after a zero-row fenced update.
func (s *PlayerStore) assignmentError(ctx context.Context, id int64) error {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM players WHERE steam_account_id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check account %d: %w", id, err)
	}
	if !exists {
		return store.ErrNotFound
	}
	return store.ErrLeaseMismatch
}
