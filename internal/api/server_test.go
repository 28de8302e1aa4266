package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/statlab/herocrawl/internal/config"
	"github.com/statlab/herocrawl/internal/publisher"
	"github.com/statlab/herocrawl/internal/publisher/memory"
	"github.com/statlab/herocrawl/internal/store"
)

type heroCompletion struct {
	id    int64
	lease string
}

type discoveryCompletion struct {
	id        int64
	lease     string
	watermark *int64
	release   bool
}

type insertion struct {
	parentID  int64
	children  []store.Discovered
	nextDepth int
}

type fakeAccounts struct {
	depths map[int64]int

	verifyErr   error
	resetErr    error
	completeErr error

	seeded      [][2]int64
	resets      []resetRequest
	heroes      []heroCompletion
	discoveries []discoveryCompletion
	insertions  []insertion
}

func (f *fakeAccounts) VerifyLease(_ context.Context, id int64, _ string) error {
	if f.verifyErr != nil {
		return f.verifyErr
	}
	if _, ok := f.depths[id]; !ok {
		return store.ErrNotFound
	}
	return nil
}

func (f *fakeAccounts) SeedRange(_ context.Context, start, end int64) (int64, error) {
	f.seeded = append(f.seeded, [2]int64{start, end})
	return end - start + 1, nil
}

func (f *fakeAccounts) ResetTask(_ context.Context, id int64, taskType store.TaskType, lease string) error {
	if f.resetErr != nil {
		return f.resetErr
	}
	f.resets = append(f.resets, resetRequest{AccountID: id, Type: taskType, Lease: lease})
	return nil
}

func (f *fakeAccounts) CompleteHero(_ context.Context, id int64, lease string) error {
	if f.completeErr != nil {
		return f.completeErr
	}
	f.heroes = append(f.heroes, heroCompletion{id: id, lease: lease})
	return nil
}

func (f *fakeAccounts) CompleteDiscovery(_ context.Context, id int64, lease string, watermark *int64, release bool) error {
	if f.completeErr != nil {
		return f.completeErr
	}
	f.discoveries = append(f.discoveries, discoveryCompletion{
		id: id, lease: lease, watermark: watermark, release: release,
	})
	return nil
}

func (f *fakeAccounts) InsertDiscovered(_ context.Context, parentID int64, children []store.Discovered, nextDepth int) (int64, error) {
	f.insertions = append(f.insertions, insertion{parentID: parentID, children: children, nextDepth: nextDepth})
	return int64(len(children)), nil
}

func (f *fakeAccounts) Depth(_ context.Context, id int64) (int, error) {
	depth, ok := f.depths[id]
	if !ok {
		return 0, store.ErrNotFound
	}
	return depth, nil
}

func (f *fakeAccounts) Progress(context.Context) (store.Progress, error) {
	return store.Progress{PlayersTotal: 5, HeroDone: 3, DiscoverDone: 1}, nil
}

func (f *fakeAccounts) Ping(context.Context) error { return nil }

type upsertCall struct {
	accountID int64
	stats     []store.HeroStat
}

type fakeStats struct {
	upserts []upsertCall
	entries []store.LeaderboardEntry
}

func (f *fakeStats) UpsertHeroStats(_ context.Context, accountID int64, stats []store.HeroStat) error {
	f.upserts = append(f.upserts, upsertCall{accountID: accountID, stats: stats})
	return nil
}

func (f *fakeStats) HeroLeaderboard(context.Context, int32) ([]store.LeaderboardEntry, error) {
	return f.entries, nil
}

func (f *fakeStats) BestOverall(context.Context) ([]store.LeaderboardEntry, error) {
	return f.entries, nil
}

func (f *fakeStats) RebuildLeaderboard(context.Context) error { return nil }

func (f *fakeStats) LeaderboardEmpty(context.Context) (bool, error) { return false, nil }

type fakeTasks struct {
	queue []*store.Task
	err   error
}

func (f *fakeTasks) NextTask(context.Context) (*store.Task, error) {
	if f.err != nil {
		return nil, f.err
	}
	if len(f.queue) == 0 {
		return nil, nil
	}
	task := f.queue[0]
	f.queue = f.queue[1:]
	return task, nil
}

func testConfig() config.Config {
	return config.Config{
		Server: config.ServerConfig{Port: 8080, TimeoutSeconds: 5},
		Seed:   config.SeedConfig{InitialAccountID: 293053907},
		PubSub: config.PubSubConfig{TopicName: "frontier-events"},
	}
}

func newTestServer(accounts *fakeAccounts, stats *fakeStats, tasks *fakeTasks, pub *memory.Publisher) *Server {
	if pub == nil {
		return NewServer(accounts, stats, tasks, nil, testConfig(), zap.NewNop())
	}
	return NewServer(accounts, stats, tasks, pub, testConfig(), zap.NewNop())
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

func TestNextTaskReturnsClaimedTask(t *testing.T) {
	t.Parallel()

	watermark := int64(555)
	tasks := &fakeTasks{queue: []*store.Task{{
		Type:           store.TaskDiscoverMatches,
		AccountID:      42,
		Depth:          2,
		HighestMatchID: &watermark,
		Lease:          "lease-1",
	}}}
	s := newTestServer(&fakeAccounts{depths: map[int64]int{}}, &fakeStats{}, tasks, nil)

	rec := doJSON(t, s, http.MethodPost, "/task", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	task, ok := body["task"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "discover_matches", task["type"])
	require.Equal(t, float64(42), task["steamAccountId"])
	require.Equal(t, float64(2), task["depth"])
	require.Equal(t, float64(555), task["highestMatchId"])
	require.Equal(t, "lease-1", task["lease"])
}

func TestNextTaskNullWhenIdle(t *testing.T) {
	t.Parallel()

	s := newTestServer(&fakeAccounts{depths: map[int64]int{}}, &fakeStats{}, &fakeTasks{}, nil)

	rec := doJSON(t, s, http.MethodPost, "/task", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	require.Contains(t, body, "task")
	require.Nil(t, body["task"])
}

func TestResetTaskValidation(t *testing.T) {
	t.Parallel()

	s := newTestServer(&fakeAccounts{depths: map[int64]int{}}, &fakeStats{}, &fakeTasks{}, nil)

	rec := doJSON(t, s, http.MethodPost, "/task/reset", map[string]any{
		"type": "fetch_hero_stats",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResetTaskAcceptsUnknownType(t *testing.T) {
	t.Parallel()

	accounts := &fakeAccounts{depths: map[int64]int{42: 0}}
	s := newTestServer(accounts, &fakeStats{}, &fakeTasks{}, nil)

	rec := doJSON(t, s, http.MethodPost, "/task/reset", map[string]any{
		"steamAccountId": 42,
		"type":           "not_a_task",
		"lease":          "lease-1",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, accounts.resets, 1)
	require.Equal(t, store.TaskType("not_a_task"), accounts.resets[0].Type)
}

func TestResetTaskReleasesAssignment(t *testing.T) {
	t.Parallel()

	accounts := &fakeAccounts{depths: map[int64]int{42: 0}}
	s := newTestServer(accounts, &fakeStats{}, &fakeTasks{}, nil)

	rec := doJSON(t, s, http.MethodPost, "/task/reset", map[string]any{
		"steamAccountId": 42,
		"type":           "fetch_hero_stats",
		"lease":          "lease-1",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, accounts.resets, 1)
	require.Equal(t, "lease-1", accounts.resets[0].Lease)
}

func TestResetTaskLeaseMismatchConflicts(t *testing.T) {
	t.Parallel()

	accounts := &fakeAccounts{depths: map[int64]int{42: 0}, resetErr: store.ErrLeaseMismatch}
	s := newTestServer(accounts, &fakeStats{}, &fakeTasks{}, nil)

	rec := doJSON(t, s, http.MethodPost, "/task/reset", map[string]any{
		"steamAccountId": 42,
		"type":           "fetch_hero_stats",
		"lease":          "stale",
	})
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestSubmitHeroStats(t *testing.T) {
	t.Parallel()

	accounts := &fakeAccounts{depths: map[int64]int{42: 1}}
	stats := &fakeStats{}
	s := newTestServer(accounts, stats, &fakeTasks{}, nil)

	rec := doJSON(t, s, http.MethodPost, "/submit", map[string]any{
		"type":           "fetch_hero_stats",
		"steamAccountId": 42,
		"lease":          "lease-1",
		"heroStats": []map[string]any{
			{"heroId": 14, "matches": 120, "wins": 70},
			{"heroId": 15, "matches": 10, "wins": 4},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, stats.upserts, 1)
	require.Equal(t, int64(42), stats.upserts[0].accountID)
	require.Len(t, stats.upserts[0].stats, 2)
	require.Len(t, accounts.heroes, 1)
	require.Equal(t, heroCompletion{id: 42, lease: "lease-1"}, accounts.heroes[0])
}

func TestSubmitHeroUnknownAccount(t *testing.T) {
	t.Parallel()

	s := newTestServer(&fakeAccounts{depths: map[int64]int{}}, &fakeStats{}, &fakeTasks{}, nil)

	rec := doJSON(t, s, http.MethodPost, "/submit", map[string]any{
		"type":           "fetch_hero_stats",
		"steamAccountId": 404,
		"heroStats":      []map[string]any{{"heroId": 14, "matches": 1, "wins": 1}},
	})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubmitHeroLeaseMismatchConflicts(t *testing.T) {
	t.Parallel()

	accounts := &fakeAccounts{depths: map[int64]int{42: 0}, completeErr: store.ErrLeaseMismatch}
	s := newTestServer(accounts, &fakeStats{}, &fakeTasks{}, nil)

	rec := doJSON(t, s, http.MethodPost, "/submit", map[string]any{
		"type":           "fetch_hero_stats",
		"steamAccountId": 42,
		"lease":          "stale",
	})
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestSubmitHeroStaleLeaseWritesNothing(t *testing.T) {
	t.Parallel()

	accounts := &fakeAccounts{depths: map[int64]int{42: 0}, verifyErr: store.ErrLeaseMismatch}
	stats := &fakeStats{}
	s := newTestServer(accounts, stats, &fakeTasks{}, nil)

	rec := doJSON(t, s, http.MethodPost, "/submit", map[string]any{
		"type":           "fetch_hero_stats",
		"steamAccountId": 42,
		"lease":          "stale",
		"heroStats":      []map[string]any{{"heroId": 14, "matches": 120, "wins": 70}},
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Empty(t, stats.upserts)
	require.Empty(t, accounts.heroes)
}

func TestSubmitDiscoveryStaleLeaseWritesNothing(t *testing.T) {
	t.Parallel()

	accounts := &fakeAccounts{depths: map[int64]int{42: 0}, verifyErr: store.ErrLeaseMismatch}
	pub := memory.New()
	s := newTestServer(accounts, &fakeStats{}, &fakeTasks{}, pub)

	rec := doJSON(t, s, http.MethodPost, "/submit", map[string]any{
		"type":           "discover_matches",
		"steamAccountId": 42,
		"lease":          "stale",
		"discovered":     []any{7, 9},
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Empty(t, accounts.insertions)
	require.Empty(t, accounts.discoveries)
	require.Empty(t, pub.Messages())
}

func TestSubmitDiscoveryNoPublishWhenCompletionFails(t *testing.T) {
	t.Parallel()

	accounts := &fakeAccounts{depths: map[int64]int{42: 0}, completeErr: store.ErrLeaseMismatch}
	pub := memory.New()
	s := newTestServer(accounts, &fakeStats{}, &fakeTasks{}, pub)

	rec := doJSON(t, s, http.MethodPost, "/submit", map[string]any{
		"type":           "discover_matches",
		"steamAccountId": 42,
		"lease":          "lease-1",
		"discovered":     []any{7},
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Empty(t, pub.Messages())
}

func TestSubmitDiscoveryInsertsChildrenAndPublishes(t *testing.T) {
	t.Parallel()

	accounts := &fakeAccounts{depths: map[int64]int{42: 1}}
	pub := memory.New()
	s := newTestServer(accounts, &fakeStats{}, &fakeTasks{}, pub)

	rec := doJSON(t, s, http.MethodPost, "/submit", map[string]any{
		"type":           "discover_matches",
		"steamAccountId": 42,
		"lease":          "lease-1",
		"highestMatchId": 999,
		"discovered": []any{
			7,
			map[string]any{"steamAccountId": 9, "count": 3},
			map[string]any{"id": 11, "seenCount": 2},
			42, // self-reference, dropped
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, accounts.insertions, 1)
	ins := accounts.insertions[0]
	require.Equal(t, int64(42), ins.parentID)
	require.Equal(t, 2, ins.nextDepth)
	require.Equal(t, []store.Discovered{{ID: 7, Count: 1}, {ID: 9, Count: 3}, {ID: 11, Count: 2}}, ins.children)

	require.Len(t, accounts.discoveries, 1)
	d := accounts.discoveries[0]
	require.Equal(t, int64(42), d.id)
	require.Equal(t, "lease-1", d.lease)
	require.NotNil(t, d.watermark)
	require.Equal(t, int64(999), *d.watermark)
	require.True(t, d.release)

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "frontier-events", msgs[0].Topic)
	event, ok := msgs[0].Payload.(publisher.FrontierEvent)
	require.True(t, ok)
	require.Equal(t, int64(42), event.ParentID)
	require.ElementsMatch(t, []int64{7, 9, 11}, event.Discovered)
}

func TestSubmitDiscoveryExplicitNextDepthWins(t *testing.T) {
	t.Parallel()

	accounts := &fakeAccounts{depths: map[int64]int{42: 1}}
	s := newTestServer(accounts, &fakeStats{}, &fakeTasks{}, nil)

	rec := doJSON(t, s, http.MethodPost, "/submit", map[string]any{
		"type":           "discover_matches",
		"steamAccountId": 42,
		"nextDepth":      5,
		"discovered":     []any{7},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 5, accounts.insertions[0].nextDepth)
}

func TestSubmitDiscoveryEmptyFrontierStillCompletes(t *testing.T) {
	t.Parallel()

	accounts := &fakeAccounts{depths: map[int64]int{42: 0}}
	s := newTestServer(accounts, &fakeStats{}, &fakeTasks{}, nil)

	rec := doJSON(t, s, http.MethodPost, "/submit", map[string]any{
		"type":           "discover_matches",
		"steamAccountId": 42,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, accounts.insertions)
	require.Len(t, accounts.discoveries, 1)
}

func TestSubmitChainsNextTask(t *testing.T) {
	t.Parallel()

	accounts := &fakeAccounts{depths: map[int64]int{42: 0}}
	tasks := &fakeTasks{queue: []*store.Task{{
		Type:      store.TaskFetchHeroStats,
		AccountID: 43,
		Lease:     "lease-2",
	}}}
	s := newTestServer(accounts, &fakeStats{}, tasks, nil)

	rec := doJSON(t, s, http.MethodPost, "/submit", map[string]any{
		"type":           "fetch_hero_stats",
		"steamAccountId": 42,
		"task":           true,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	task, ok := body["task"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, float64(43), task["steamAccountId"])
}

func TestSubmitRefreshBundlesBothStages(t *testing.T) {
	t.Parallel()

	accounts := &fakeAccounts{depths: map[int64]int{42: 1}}
	stats := &fakeStats{}
	s := newTestServer(accounts, stats, &fakeTasks{}, nil)

	rec := doJSON(t, s, http.MethodPost, "/submit", map[string]any{
		"type":           "refresh_player",
		"steamAccountId": 42,
		"lease":          "lease-1",
		"discovered":     []any{7},
		"heroStats":      []map[string]any{{"heroId": 14, "matches": 5, "wins": 3}},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	// Discovery keeps the lease held so the hero stage completes under the
	// same fence, then the hero completion releases it.
	require.Len(t, accounts.discoveries, 1)
	require.False(t, accounts.discoveries[0].release)
	require.Len(t, stats.upserts, 1)
	require.Len(t, accounts.heroes, 1)
	require.Equal(t, "lease-1", accounts.heroes[0].lease)
}

func TestSubmitRefreshDiscoveryStageOnlyKeepsLease(t *testing.T) {
	t.Parallel()

	accounts := &fakeAccounts{depths: map[int64]int{42: 1}}
	s := newTestServer(accounts, &fakeStats{}, &fakeTasks{}, nil)

	rec := doJSON(t, s, http.MethodPost, "/submit", map[string]any{
		"type":           "refresh_player",
		"steamAccountId": 42,
		"lease":          "lease-1",
		"discovered":     []any{7},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, accounts.discoveries, 1)
	require.False(t, accounts.discoveries[0].release)
	require.Empty(t, accounts.heroes)
}

func TestRequestLogCarriesRequestID(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	s := NewServer(&fakeAccounts{depths: map[int64]int{}}, &fakeStats{}, &fakeTasks{}, nil, testConfig(), zap.New(core))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	reqID := rec.Header().Get("X-Request-ID")
	require.NotEmpty(t, reqID)

	entries := logs.FilterMessage("request completed").All()
	require.Len(t, entries, 1)
	require.Equal(t, reqID, entries[0].ContextMap()["request_id"])
}

func TestProgressReportsCounts(t *testing.T) {
	t.Parallel()

	s := newTestServer(&fakeAccounts{depths: map[int64]int{}}, &fakeStats{}, &fakeTasks{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/progress", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, float64(5), body["playersTotal"])
	require.Equal(t, float64(3), body["heroDone"])
	require.Equal(t, float64(1), body["discoverDone"])
}

func TestSeedRejectsRemoteCallers(t *testing.T) {
	t.Parallel()

	s := newTestServer(&fakeAccounts{depths: map[int64]int{}}, &fakeStats{}, &fakeTasks{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/seed?start=100&end=104", nil)
	req.RemoteAddr = "203.0.113.7:4455"
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSeedInsertsRangeForLocalCaller(t *testing.T) {
	t.Parallel()

	accounts := &fakeAccounts{depths: map[int64]int{}}
	s := newTestServer(accounts, &fakeStats{}, &fakeTasks{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/seed?start=100&end=104", nil)
	req.RemoteAddr = "127.0.0.1:5566"
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, [][2]int64{{100, 104}}, accounts.seeded)
	body := decodeBody(t, rec)
	require.Equal(t, float64(5), body["inserted"])
}

func TestSeedDefaultsToInitialAccount(t *testing.T) {
	t.Parallel()

	accounts := &fakeAccounts{depths: map[int64]int{}}
	s := newTestServer(accounts, &fakeStats{}, &fakeTasks{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/seed", nil)
	req.RemoteAddr = "127.0.0.1:5566"
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, [][2]int64{{293053907, 293053907}}, accounts.seeded)
}

func TestHeroLeaderboardValidation(t *testing.T) {
	t.Parallel()

	s := newTestServer(&fakeAccounts{depths: map[int64]int{}}, &fakeStats{}, &fakeTasks{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/best/zero", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHeroLeaderboardReturnsEntries(t *testing.T) {
	t.Parallel()

	stats := &fakeStats{entries: []store.LeaderboardEntry{
		{HeroID: 14, AccountID: 42, Matches: 120, Wins: 70},
	}}
	s := newTestServer(&fakeAccounts{depths: map[int64]int{}}, stats, &fakeTasks{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/best/14", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	entries, ok := body["entries"].([]any)
	require.True(t, ok)
	require.Len(t, entries, 1)
}
