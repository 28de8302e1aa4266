// Package telemetry exposes Prometheus collectors for the coordinator.
package telemetry

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	tasksDispatchedTotal      *prometheus.CounterVec
	submissionsTotal          *prometheus.CounterVec
	assignmentsReclaimedTotal prometheus.Counter
	accountsDiscoveredTotal   prometheus.Counter
	leaderboardRebuildsTotal  prometheus.Counter
	httpRequestsTotal         *prometheus.CounterVec
	httpRequestDuration       *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors. Safe to call multiple times.
func Init() {
	once.Do(func() {
		tasksDispatchedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_tasks_dispatched_total",
				Help: "Total tasks handed to workers, labeled by task type.",
			},
			[]string{"type"},
		)

		submissionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_submissions_total",
				Help: "Total worker submissions, labeled by task type and outcome.",
			},
			[]string{"type", "outcome"},
		)

		assignmentsReclaimedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "coordinator_assignments_reclaimed_total",
				Help: "Total stale assignments released back to the pool.",
			},
		)

		accountsDiscoveredTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "coordinator_accounts_discovered_total",
				Help: "Total new accounts added to the frontier by discovery.",
			},
		)

		leaderboardRebuildsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "coordinator_leaderboard_rebuilds_total",
				Help: "Total full rebuilds of the leaderboard cache.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler exposing the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveTaskDispatched increments the dispatch counter for the task type.
func ObserveTaskDispatched(taskType string) {
	if tasksDispatchedTotal != nil {
		tasksDispatchedTotal.WithLabelValues(taskType).Inc()
	}
}

// ObserveSubmission increments the submission counter.
func ObserveSubmission(taskType, outcome string) {
	if submissionsTotal != nil {
		submissionsTotal.WithLabelValues(taskType, outcome).Inc()
	}
}

// ObserveReclaimed adds released assignments to the reclaim counter.
func ObserveReclaimed(count int64) {
	if assignmentsReclaimedTotal != nil && count > 0 {
		assignmentsReclaimedTotal.Add(float64(count))
	}
}

// ObserveDiscovered adds newly created accounts to the discovery counter.
func ObserveDiscovered(count int64) {
	if accountsDiscoveredTotal != nil && count > 0 {
		accountsDiscoveredTotal.Add(float64(count))
	}
}

// ObserveLeaderboardRebuild counts one full cache rebuild.
func ObserveLeaderboardRebuild() {
	if leaderboardRebuildsTotal != nil {
		leaderboardRebuildsTotal.Inc()
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
