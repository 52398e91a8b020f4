// Package metrics defines the orchestrator's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/botfleet/orchestrator"
)

// Metrics bundles the collectors shared by the worker, scheduler and API
// processes. All fields are registered against the same registry so one
// scrape endpoint serves the whole process.
type Metrics struct {
	registry *prometheus.Registry

	// RunsTotal counts completed runs regardless of outcome.
	RunsTotal prometheus.Counter
	// RunsFailedTotal counts runs that finished FAILED.
	RunsFailedTotal prometheus.Counter
	// RunDuration observes wall-clock run durations in seconds.
	RunDuration prometheus.Histogram
	// QueueDepth tracks the broker queue length.
	QueueDepth prometheus.Gauge
	// WorkerHeartbeat records the last heartbeat unix timestamp per worker.
	WorkerHeartbeat *prometheus.GaugeVec
}

// New builds the collector set and registers it on reg. A nil reg gets a
// fresh private registry, which tests rely on to avoid cross-test state.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		registry: reg,
		RunsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "botfleet_runs_total",
			Help: "Total number of run completions.",
		}),
		RunsFailedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "botfleet_runs_failed_total",
			Help: "Total number of failed runs.",
		}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "botfleet_run_duration_seconds",
			Help:    "Duration of run execution in seconds.",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200},
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "botfleet_queue_depth",
			Help: "Current depth of the broker run queue.",
		}),
		WorkerHeartbeat: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "botfleet_worker_heartbeat_unix",
			Help: "Last worker heartbeat as a unix timestamp.",
		}, []string{"worker"}),
	}
	reg.MustRegister(m.RunsTotal, m.RunsFailedTotal, m.RunDuration, m.QueueDepth, m.WorkerHeartbeat)
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveRun records one finalized run: completion count, failure count and
// duration when known.
func (m *Metrics) ObserveRun(run *orchestrator.Run) {
	m.RunsTotal.Inc()
	if run.Status == orchestrator.RunFailed {
		m.RunsFailedTotal.Inc()
	}
	if run.DurationSeconds != nil {
		m.RunDuration.Observe(*run.DurationSeconds)
	}
}

// SetQueueDepth updates the queue depth gauge.
func (m *Metrics) SetQueueDepth(depth int64) {
	m.QueueDepth.Set(float64(depth))
}

// Heartbeat stamps the per-worker heartbeat gauge.
func (m *Metrics) Heartbeat(worker string, at time.Time) {
	m.WorkerHeartbeat.WithLabelValues(worker).Set(float64(at.Unix()))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
