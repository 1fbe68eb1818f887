package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"scriptcage/internal/sandbox"
)

// Metrics holds all Prometheus metrics for the application
type Metrics struct {
	registry *prometheus.Registry

	// Run metrics
	RunsTotal     *prometheus.CounterVec
	RunDuration   *prometheus.HistogramVec
	ExpectResults *prometheus.CounterVec

	// Hook metrics
	HookRequestsTotal *prometheus.CounterVec
	HookDuration      prometheus.Histogram

	// Collection metrics
	CollectionRunsTotal *prometheus.CounterVec

	// Stream metrics
	StreamConnections prometheus.Gauge
}

var _ sandbox.Observer = (*Metrics)(nil)

// NewMetrics creates and registers all metrics
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scriptcage_runs_total",
				Help: "Total number of script runs by mode and outcome",
			},
			[]string{"mode", "outcome"},
		),
		RunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scriptcage_run_duration_seconds",
				Help:    "Duration of script runs in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"mode"},
		),
		ExpectResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scriptcage_expect_results_total",
				Help: "Total number of recorded expectations by status",
			},
			[]string{"status"},
		),

		HookRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scriptcage_hook_requests_total",
				Help: "Total number of network requests made by scripts by outcome",
			},
			[]string{"outcome"},
		),
		HookDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "scriptcage_hook_request_duration_seconds",
				Help:    "Duration of network requests made by scripts in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),

		CollectionRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scriptcage_collection_runs_total",
				Help: "Total number of collection runs by execution mode",
			},
			[]string{"mode"},
		),

		StreamConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "scriptcage_stream_connections",
				Help: "Number of open run stream connections",
			},
		),
	}

	m.registry.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.ExpectResults,
		m.HookRequestsTotal,
		m.HookDuration,
		m.CollectionRunsTotal,
		m.StreamConnections,
	)
	return m
}

func (m *Metrics) ObserveRun(mode sandbox.Mode, outcome string, elapsed time.Duration) {
	m.RunsTotal.WithLabelValues(string(mode), outcome).Inc()
	m.RunDuration.WithLabelValues(string(mode)).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveResults(passed, failed int) {
	m.ExpectResults.WithLabelValues("pass").Add(float64(passed))
	m.ExpectResults.WithLabelValues("fail").Add(float64(failed))
}

// ObserveHook is called from hook goroutines; prometheus collectors are safe
// for concurrent use.
func (m *Metrics) ObserveHook(outcome string, elapsed time.Duration) {
	m.HookRequestsTotal.WithLabelValues(outcome).Inc()
	m.HookDuration.Observe(elapsed.Seconds())
}

// ObserveCollectionRun counts a finished collection run. It matches
// service.CollectionOptions.OnRun once the mode is converted to a string.
func (m *Metrics) ObserveCollectionRun(mode string) {
	m.CollectionRunsTotal.WithLabelValues(mode).Inc()
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
