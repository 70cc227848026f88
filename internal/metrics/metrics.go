// Package metrics exposes Prometheus collectors for compression runs.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the convergence loop.
type Metrics struct {
	RunsTotal            *prometheus.CounterVec
	IterationsPerRun     *prometheus.HistogramVec
	OracleFallbacksTotal *prometheus.CounterVec
	OracleDuration       prometheus.Histogram
	EncodeDuration       *prometheus.HistogramVec
	RunDuration          *prometheus.HistogramVec
	BytesSavedTotal      *prometheus.CounterVec
	ActiveRuns           prometheus.Gauge
}

// NewMetrics creates and registers the collectors on the default registry.
// Registration happens once per process; later calls return the same set.
//
// Metrics:
//   - squeeze_runs_total{category,outcome}
//   - squeeze_iterations_per_run{category}
//   - squeeze_oracle_fallbacks_total{reason}
//   - squeeze_oracle_duration_seconds
//   - squeeze_encode_duration_seconds{encoder}
//   - squeeze_run_duration_seconds{category}
//   - squeeze_bytes_saved_total{category}
//   - squeeze_active_runs
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			RunsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "squeeze_runs_total",
					Help: "Total number of compression runs by terminal outcome",
				},
				[]string{"category", "outcome"}, // converged, exhausted, failed, cancelled, rejected
			),

			IterationsPerRun: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "squeeze_iterations_per_run",
					Help:    "Loop iterations consumed per run",
					Buckets: []float64{1, 2, 3, 4, 6, 8},
				},
				[]string{"category"},
			),

			OracleFallbacksTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "squeeze_oracle_fallbacks_total",
					Help: "Iterations that used the fallback strategy",
				},
				[]string{"reason"}, // unavailable, malformed, timeout
			),

			OracleDuration: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "squeeze_oracle_duration_seconds",
					Help:    "Duration of strategy oracle calls",
					Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
				},
			),

			EncodeDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "squeeze_encode_duration_seconds",
					Help:    "Duration of a single encoder invocation",
					Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
				},
				[]string{"encoder"},
			),

			RunDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "squeeze_run_duration_seconds",
					Help:    "Wall time of a compression run",
					Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
				},
				[]string{"category"},
			),

			BytesSavedTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "squeeze_bytes_saved_total",
					Help: "Bytes saved by successful runs",
				},
				[]string{"category"},
			),

			ActiveRuns: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "squeeze_active_runs",
					Help: "Runs currently in the Running state",
				},
			),
		}
	})

	return globalMetrics
}

// RecordRun records the terminal outcome of a run.
func (m *Metrics) RecordRun(category, outcome string, iterations int, durationSeconds float64) {
	m.RunsTotal.WithLabelValues(category, outcome).Inc()
	if iterations > 0 {
		m.IterationsPerRun.WithLabelValues(category).Observe(float64(iterations))
	}
	m.RunDuration.WithLabelValues(category).Observe(durationSeconds)
}

// RecordBytesSaved adds the difference between input and output. Runs that
// grew the file record nothing.
func (m *Metrics) RecordBytesSaved(category string, original, compressed int64) {
	if saved := original - compressed; saved > 0 {
		m.BytesSavedTotal.WithLabelValues(category).Add(float64(saved))
	}
}

// RecordOracleCall records the latency of one oracle call.
func (m *Metrics) RecordOracleCall(durationSeconds float64) {
	m.OracleDuration.Observe(durationSeconds)
}

// RecordFallback records an iteration that used the fallback strategy.
func (m *Metrics) RecordFallback(reason string) {
	m.OracleFallbacksTotal.WithLabelValues(reason).Inc()
}

// RecordEncode records the latency of one encoder call.
func (m *Metrics) RecordEncode(encoder string, durationSeconds float64) {
	m.EncodeDuration.WithLabelValues(encoder).Observe(durationSeconds)
}

// RunStarted increments the active run gauge.
func (m *Metrics) RunStarted() {
	m.ActiveRuns.Inc()
}

// RunFinished decrements the active run gauge.
func (m *Metrics) RunFinished() {
	m.ActiveRuns.Dec()
}
