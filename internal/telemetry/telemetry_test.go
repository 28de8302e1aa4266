package telemetry

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestObserveBeforeInitIsNoop(t *testing.T) {
	// Must not panic when collectors are not registered yet.
	ObserveTaskDispatched("fetch_hero_stats")
	ObserveSubmission("fetch_hero_stats", "ok")
	ObserveReclaimed(3)
	ObserveDiscovered(2)
	ObserveLeaderboardRebuild()
	ObserveHTTPRequest(http.MethodGet, "/task", http.StatusOK, time.Millisecond)
}

func TestCountersAccumulate(t *testing.T) {
	Init()
	Init() // idempotent

	before := testutil.ToFloat64(tasksDispatchedTotal.WithLabelValues("discover_matches"))
	ObserveTaskDispatched("discover_matches")
	ObserveTaskDispatched("discover_matches")
	after := testutil.ToFloat64(tasksDispatchedTotal.WithLabelValues("discover_matches"))
	require.Equal(t, before+2, after)

	reclaimedBefore := testutil.ToFloat64(assignmentsReclaimedTotal)
	ObserveReclaimed(5)
	ObserveReclaimed(0) // zero is not recorded
	require.Equal(t, reclaimedBefore+5, testutil.ToFloat64(assignmentsReclaimedTotal))
}

func TestMiddlewareRecordsRequests(t *testing.T) {
	Init()

	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "418"))
	req := httptest.NewRequest(http.MethodGet, "/brew", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusTeapot, rec.Code)
	require.Equal(t, before+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "418")))
}
