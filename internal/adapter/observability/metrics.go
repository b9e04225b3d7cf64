// Package observability provides logging, metrics, and tracing for the
// session-worker core.
package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTPRequestsTotal counts gateway HTTP requests by route, method, and status label.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	// HTTPRequestDuration records request durations by route and method.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	// LeaseAcquisitionsTotal counts Acquire attempts by outcome (won, lost).
	LeaseAcquisitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_lease_acquisitions_total",
			Help: "Total number of session lease acquire attempts by outcome",
		},
		[]string{"outcome"},
	)

	// ActiveWorkers is a gauge of sessions currently claimed by this host.
	ActiveWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "worker_active_sessions",
			Help: "Number of sessions currently claimed by this worker host",
		},
	)

	// QueueDepth is a gauge of waiting+delayed jobs for a session's queue.
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "session_queue_depth",
			Help: "Number of jobs waiting or delayed for a session queue",
		},
		[]string{"session_id"},
	)

	// StepsCompletedTotal counts successfully drained steps.
	StepsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_steps_completed_total",
			Help: "Total number of steps completed",
		},
		[]string{"session_id"},
	)

	// StepsFailedTotal counts failed step attempts, split by whether the
	// failure was terminal (poisoned) or will be retried.
	StepsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_steps_failed_total",
			Help: "Total number of failed step attempts",
		},
		[]string{"session_id", "poisoned"},
	)

	// ReaperSweepsTotal counts idle-reaper sweep runs.
	ReaperSweepsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "idle_reaper_sweeps_total",
			Help: "Total number of idle reaper sweep runs",
		},
	)

	// ReaperTerminatedTotal counts sessions terminated by the idle reaper.
	ReaperTerminatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "idle_reaper_terminated_total",
			Help: "Total number of sessions terminated for being idle",
		},
	)

	// CircuitBreakerState reports the current state (0=closed, 1=open,
	// 2=half-open) of a named circuit breaker, e.g. the KV client's
	// lease-operation breaker.
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Current state of a named circuit breaker (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name", "op"},
	)
)

// InitMetrics registers all Prometheus metrics with the default registry.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(LeaseAcquisitionsTotal)
	prometheus.MustRegister(ActiveWorkers)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(StepsCompletedTotal)
	prometheus.MustRegister(StepsFailedTotal)
	prometheus.MustRegister(ReaperSweepsTotal)
	prometheus.MustRegister(ReaperTerminatedTotal)
	prometheus.MustRegister(CircuitBreakerState)
}

// HTTPMetricsMiddleware records Prometheus metrics for each gateway request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// RecordLeaseAcquisition records a lease Acquire attempt outcome.
func RecordLeaseAcquisition(won bool) {
	outcome := "lost"
	if won {
		outcome = "won"
	}
	LeaseAcquisitionsTotal.WithLabelValues(outcome).Inc()
}

// RecordStepCompleted increments the completed-step counter for a session.
func RecordStepCompleted(sessionID string) {
	StepsCompletedTotal.WithLabelValues(sessionID).Inc()
}

// RecordStepFailed increments the failed-step counter for a session.
func RecordStepFailed(sessionID string, poisoned bool) {
	StepsFailedTotal.WithLabelValues(sessionID, boolLabel(poisoned)).Inc()
}

// RecordReaperSweep increments the reaper sweep counter and adds the number
// of sessions terminated during that sweep.
func RecordReaperSweep(terminated int) {
	ReaperSweepsTotal.Inc()
	ReaperTerminatedTotal.Add(float64(terminated))
}

// RecordCircuitBreakerStatus records the current state of a named circuit
// breaker for a given operation label.
func RecordCircuitBreakerStatus(name, op string, state int) {
	CircuitBreakerState.WithLabelValues(name, op).Set(float64(state))
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
