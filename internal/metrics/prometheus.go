// Package metrics wraps Prometheus collectors for the connector's own
// components: a single registry-per-process, MustRegister-at-init shape,
// scoped to the counters/histograms this connector actually emits —
// materialization latency, claim-to-terminal run latency, scheduler fire
// count, and heartbeat success/failure.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var defaultBuckets = []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000}

// Metrics wraps the connector's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	materializationsTotal   *prometheus.CounterVec
	materializationDuration prometheus.Histogram
	runsClaimedTotal        prometheus.Counter
	runsCompletedTotal      *prometheus.CounterVec
	runClaimToTerminalMs    prometheus.Histogram
	schedulerFiresTotal     *prometheus.CounterVec
	heartbeatsTotal         *prometheus.CounterVec
	logsFlushedTotal        prometheus.Counter
	logFlushFailuresTotal   prometheus.Counter
	uptime                  prometheus.GaugeFunc
}

var startTime = time.Now()
var m *Metrics

// InitPrometheus initializes the metrics subsystem with the given
// namespace, registering collectors exactly once per process.
func InitPrometheus(namespace string) *Metrics {
	if namespace == "" {
		namespace = "simulator_connector"
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &Metrics{
		registry: registry,

		materializationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "materializations_total",
				Help:      "Total ModelLibrary materializations by outcome",
			},
			[]string{"outcome"}, // success, parse_failure, download_failure
		),

		materializationDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "materialization_duration_milliseconds",
				Help:      "Duration of model revision materialization (download + parse)",
				Buckets:   defaultBuckets,
			},
		),

		runsClaimedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_claimed_total",
				Help:      "Total simulation runs claimed by the runner",
			},
		),

		runsCompletedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total simulation runs reaching a terminal status",
			},
			[]string{"status"}, // success, failure
		),

		runClaimToTerminalMs: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_claim_to_terminal_milliseconds",
				Help:      "Duration from claim to terminal status for a simulation run",
				Buckets:   defaultBuckets,
			},
		),

		schedulerFiresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduler_fires_total",
				Help:      "Total scheduled runs created by the Scheduler",
			},
			[]string{"routine_revision"},
		),

		heartbeatsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "heartbeats_total",
				Help:      "Total heartbeat publish attempts by outcome",
			},
			[]string{"outcome"}, // success, failure
		),

		logsFlushedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "logs_flushed_total",
				Help:      "Total log batches successfully flushed to the control plane",
			},
		),

		logFlushFailuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "log_flush_failures_total",
				Help:      "Total log batch flush attempts that exhausted retries",
			},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the connector process started",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)

	registry.MustRegister(
		pm.materializationsTotal,
		pm.materializationDuration,
		pm.runsClaimedTotal,
		pm.runsCompletedTotal,
		pm.runClaimToTerminalMs,
		pm.schedulerFiresTotal,
		pm.heartbeatsTotal,
		pm.logsFlushedTotal,
		pm.logFlushFailuresTotal,
		pm.uptime,
	)

	m = pm
	return pm
}

// Global returns the process-wide Metrics, or nil if InitPrometheus was
// never called (every recorder below is then a no-op).
func Global() *Metrics { return m }

// Handler exposes the registry for a `/metrics` scrape endpoint.
func (pm *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(pm.registry, promhttp.HandlerOpts{})
}

// RecordMaterialization records a ModelLibrary materialization outcome
// and its wall-clock duration.
func RecordMaterialization(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.materializationsTotal.WithLabelValues(outcome).Inc()
	m.materializationDuration.Observe(float64(duration.Milliseconds()))
}

// RecordRunClaimed increments the claimed-run counter.
func RecordRunClaimed() {
	if m == nil {
		return
	}
	m.runsClaimedTotal.Inc()
}

// RecordRunTerminal records a run reaching a terminal status and the
// claim-to-terminal latency.
func RecordRunTerminal(status string, claimToTerminal time.Duration) {
	if m == nil {
		return
	}
	m.runsCompletedTotal.WithLabelValues(status).Inc()
	m.runClaimToTerminalMs.Observe(float64(claimToTerminal.Milliseconds()))
}

// RecordSchedulerFire increments the scheduler fire counter for a routine
// revision's external id.
func RecordSchedulerFire(routineRevisionExternalID string) {
	if m == nil {
		return
	}
	m.schedulerFiresTotal.WithLabelValues(routineRevisionExternalID).Inc()
}

// RecordHeartbeat records a heartbeat publish outcome.
func RecordHeartbeat(success bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.heartbeatsTotal.WithLabelValues(outcome).Inc()
}

// RecordLogFlush records a log batch flush outcome.
func RecordLogFlush(success bool) {
	if m == nil {
		return
	}
	if success {
		m.logsFlushedTotal.Inc()
		return
	}
	m.logFlushFailuresTotal.Inc()
}
