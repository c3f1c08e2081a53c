package engine

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the execution engine.
// All metrics use the hifadhi_engine_ namespace.
type Metrics struct {
	RunsTotal            *prometheus.CounterVec
	RunDuration          *prometheus.HistogramVec
	ItemsTotal           *prometheus.CounterVec
	ActiveRuns           prometheus.Gauge
	DownloadedBytesTotal prometheus.Counter
}

// NewMetrics creates and registers engine metrics on the given registry.
// Returns nil if reg is nil — callers treat a nil Metrics as disabled.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hifadhi",
			Subsystem: "engine",
			Name:      "runs_total",
			Help:      "Total backup runs by terminal status.",
		}, []string{"status"}),

		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hifadhi",
			Subsystem: "engine",
			Name:      "run_duration_seconds",
			Help:      "Backup run duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
		}, []string{"status"}),

		ItemsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hifadhi",
			Subsystem: "engine",
			Name:      "items_total",
			Help:      "Total processed items by outcome.",
		}, []string{"outcome"}),

		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hifadhi",
			Subsystem: "engine",
			Name:      "active_runs",
			Help:      "Number of currently executing runs.",
		}),

		DownloadedBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hifadhi",
			Subsystem: "engine",
			Name:      "downloaded_bytes_total",
			Help:      "Total bytes streamed and discarded by request_download.",
		}),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.ItemsTotal,
		m.ActiveRuns,
		m.DownloadedBytesTotal,
	)

	return m
}
