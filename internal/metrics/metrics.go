// Package metrics exposes Prometheus collectors and per-run statistics for
// the fleet orchestrator.
package metrics

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
	fleetJobsTotal           *prometheus.CounterVec
	fleetJobRetriesTotal     prometheus.Counter
	fleetActiveWorkers       prometheus.Gauge
	fleetSessionsLeased      prometheus.Gauge
	fleetPhaseDuration       *prometheus.HistogramVec
	fleetPersistErrorsTotal  *prometheus.CounterVec
	fleetPersistWritesTotal  *prometheus.CounterVec
	fleetRateLimitDelay      *prometheus.HistogramVec
	fleetSessionReplacements prometheus.Counter
	fleetHTTPRequests        *prometheus.CounterVec
	fleetHTTPDuration        *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors. Safe to call more than once.
func Init() {
	once.Do(func() {
		fleetJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_jobs_total",
				Help: "Jobs reaching a terminal state, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		fleetJobRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "fleet_job_retries_total",
				Help: "Job attempts that were re-enqueued after a retryable failure.",
			},
		)

		fleetActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "fleet_active_workers",
				Help: "Workers currently processing a job.",
			},
		)

		fleetSessionsLeased = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "fleet_sessions_leased",
				Help: "Browser sessions currently leased from the pool.",
			},
		)

		fleetPhaseDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fleet_phase_duration_seconds",
				Help:    "Wall time per extraction phase.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"phase"},
		)

		fleetPersistWritesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_persist_writes_total",
				Help: "Successful sink writes, labeled by sink.",
			},
			[]string{"sink"},
		)

		fleetPersistErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_persist_errors_total",
				Help: "Sink writes that exhausted their retry budget, labeled by sink.",
			},
			[]string{"sink"},
		)

		fleetRateLimitDelay = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fleet_rate_limit_delay_seconds",
				Help:    "Portal pacing wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		fleetSessionReplacements = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "fleet_session_replacements_total",
				Help: "Broken browser sessions replaced by the pool.",
			},
		)

		fleetHTTPRequests = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_http_requests_total",
				Help: "API requests, labeled by method, route, and status code.",
			},
			[]string{"method", "route", "status"},
		)

		fleetHTTPDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fleet_http_request_duration_seconds",
				Help:    "API request duration, labeled by method and route.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler exposing the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveJobOutcome counts one terminal job by outcome label.
func ObserveJobOutcome(outcome string) {
	if fleetJobsTotal == nil {
		return
	}
	fleetJobsTotal.WithLabelValues(outcome).Inc()
}

// ObserveRetry counts one retry re-enqueue.
func ObserveRetry() {
	if fleetJobRetriesTotal == nil {
		return
	}
	fleetJobRetriesTotal.Inc()
}

// IncActiveWorkers increments the busy-worker gauge.
func IncActiveWorkers() {
	if fleetActiveWorkers != nil {
		fleetActiveWorkers.Inc()
	}
}

// DecActiveWorkers decrements the busy-worker gauge.
func DecActiveWorkers() {
	if fleetActiveWorkers != nil {
		fleetActiveWorkers.Dec()
	}
}

// SetSessionsLeased records the current lease count.
func SetSessionsLeased(n int) {
	if fleetSessionsLeased == nil {
		return
	}
	fleetSessionsLeased.Set(float64(n))
}

// ObservePhase records wall time spent in one phase.
func ObservePhase(phase string, d time.Duration) {
	if fleetPhaseDuration == nil {
		return
	}
	fleetPhaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

// ObservePersistWrite counts a successful sink write.
func ObservePersistWrite(sink string) {
	if fleetPersistWritesTotal == nil {
		return
	}
	fleetPersistWritesTotal.WithLabelValues(sink).Inc()
}

// ObservePersistError counts a sink write that gave up.
func ObservePersistError(sink string) {
	if fleetPersistErrorsTotal == nil {
		return
	}
	fleetPersistErrorsTotal.WithLabelValues(sink).Inc()
}

// ObserveRateLimitDelay records a pacing wait.
func ObserveRateLimitDelay(host string, d time.Duration) {
	if fleetRateLimitDelay == nil {
		return
	}
	fleetRateLimitDelay.WithLabelValues(host).Observe(d.Seconds())
}

// ObserveSessionReplacement counts a broken-session swap.
func ObserveSessionReplacement() {
	if fleetSessionReplacements == nil {
		return
	}
	fleetSessionReplacements.Inc()
}

// ObserveHTTPRequest records one API request.
func ObserveHTTPRequest(method, route string, status int, d time.Duration) {
	if fleetHTTPRequests == nil {
		return
	}
	fleetHTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	fleetHTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
