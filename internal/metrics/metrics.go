// Package metrics exposes the control plane's Prometheus metrics, grouped
// the way the teacher's pkg/metrics groups cluster/raft/reconciler gauges:
// package-level vars registered once in init, plus a Timer helper for
// histogram observations.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "forge_workers_total",
			Help: "Total number of workers by tier and status",
		},
		[]string{"tier", "status"},
	)

	BeadsReady = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "forge_beads_ready_total",
			Help: "Total number of ready beads awaiting routing",
		},
	)

	SuggestionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forge_suggestions_total",
			Help: "Total routing suggestions made by reason",
		},
		[]string{"reason"},
	)

	RoutingPassDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "forge_routing_pass_duration_seconds",
			Help:    "Time taken for a single routing pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	HealthSweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "forge_health_sweep_duration_seconds",
			Help:    "Time taken for a single health sweep",
			Buckets: prometheus.DefBuckets,
		},
	)

	HealthChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forge_health_checks_total",
			Help: "Total health checks run by type and outcome",
		},
		[]string{"check", "outcome"},
	)

	AlertsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "forge_alerts_active",
			Help: "Current unacknowledged alerts by severity",
		},
		[]string{"severity"},
	)

	AlertsRaisedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forge_alerts_raised_total",
			Help: "Total alerts raised by type",
		},
		[]string{"alert_type"},
	)

	APICallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forge_api_calls_total",
			Help: "Total outbound API calls by model and outcome",
		},
		[]string{"model", "outcome"},
	)

	APICallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "forge_api_call_duration_seconds",
			Help:    "Outbound API call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model"},
	)

	APIRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "forge_api_retries_total",
			Help: "Total retry attempts made against the LLM API",
		},
	)

	APICostUSDTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "forge_api_cost_usd_total",
			Help: "Cumulative API cost in US dollars",
		},
	)

	LedgerRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forge_ledger_retries_total",
			Help: "Total bboltDB operation retries by operation",
		},
		[]string{"op"},
	)

	LedgerOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "forge_ledger_op_duration_seconds",
			Help:    "Ledger operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	SupervisorSpawnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forge_supervisor_spawns_total",
			Help: "Total worker spawn attempts by outcome",
		},
		[]string{"outcome"},
	)

	SupervisorSpawnDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "forge_supervisor_spawn_duration_seconds",
			Help:    "Time taken to spawn a worker",
			Buckets: prometheus.DefBuckets,
		},
	)

	LogLinesSkippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forge_log_lines_skipped_total",
			Help: "Total malformed log lines skipped by worker",
		},
		[]string{"worker_id"},
	)

	SelfUpdateRollbacksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "forge_self_update_rollbacks_total",
			Help: "Total automatic rollbacks performed after a failed self-update",
		},
	)
)

func init() {
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(BeadsReady)
	prometheus.MustRegister(SuggestionsTotal)
	prometheus.MustRegister(RoutingPassDuration)
	prometheus.MustRegister(HealthSweepDuration)
	prometheus.MustRegister(HealthChecksTotal)
	prometheus.MustRegister(AlertsActive)
	prometheus.MustRegister(AlertsRaisedTotal)
	prometheus.MustRegister(APICallsTotal)
	prometheus.MustRegister(APICallDuration)
	prometheus.MustRegister(APIRetriesTotal)
	prometheus.MustRegister(APICostUSDTotal)
	prometheus.MustRegister(LedgerRetriesTotal)
	prometheus.MustRegister(LedgerOpDuration)
	prometheus.MustRegister(SupervisorSpawnsTotal)
	prometheus.MustRegister(SupervisorSpawnDuration)
	prometheus.MustRegister(LogLinesSkippedTotal)
	prometheus.MustRegister(SelfUpdateRollbacksTotal)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times an in-flight operation for later histogram observation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a labeled histogram vec.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
