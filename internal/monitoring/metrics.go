// Package monitoring exposes Prometheus collectors for ingestion runs.
package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rotisserie/eris"
)

const namespace = "edu_etl"

// Metrics groups the collectors used by the fetcher, persistor and resolver.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry prometheus.Gatherer

	fetchTotal    *prometheus.CounterVec
	fetchAttempts *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	inFlight      prometheus.Gauge

	flushTotal  *prometheus.CounterVec
	rowsWritten *prometheus.CounterVec

	resolved *prometheus.CounterVec
	skipped  *prometheus.CounterVec
}

// NewMetrics registers all collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		fetchTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "units_total",
			Help:      "Fetch units settled, by source and outcome.",
		}, []string{"source", "outcome"}),
		fetchAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "attempts_total",
			Help:      "HTTP attempts issued, including retries.",
		}, []string{"source"}),
		fetchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "unit_duration_seconds",
			Help:      "Wall time from first attempt to settlement.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"source"}),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "in_flight",
			Help:      "Requests currently holding a concurrency slot.",
		}),
		flushTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "persist",
			Name:      "flushes_total",
			Help:      "Batch flushes, by table and outcome.",
		}, []string{"table", "outcome"}),
		rowsWritten: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "persist",
			Name:      "rows_total",
			Help:      "Rows affected by committed flushes.",
		}, []string{"table"}),
		resolved: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "spatial",
			Name:      "lookups_total",
			Help:      "Point lookups per layer, by match outcome.",
		}, []string{"layer", "outcome"}),
		skipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_skipped_total",
			Help:      "Records dropped by ingestion, boundary loading or resolution.",
		}, []string{"reason"}),
	}
}

// Gatherer returns the registry backing m.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

// FetchStarted marks a request as holding a slot.
func (m *Metrics) FetchStarted(source string) {
	if m == nil {
		return
	}
	m.inFlight.Inc()
	m.fetchAttempts.WithLabelValues(source).Inc()
}

// FetchFinished releases the in-flight mark.
func (m *Metrics) FetchFinished() {
	if m == nil {
		return
	}
	m.inFlight.Dec()
}

// FetchSettled records the terminal outcome of a unit.
func (m *Metrics) FetchSettled(source, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.fetchTotal.WithLabelValues(source, outcome).Inc()
	m.fetchDuration.WithLabelValues(source).Observe(elapsed.Seconds())
}

// Flushed records one batch flush.
func (m *Metrics) Flushed(table string, ok bool, rows int64) {
	if m == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.flushTotal.WithLabelValues(table, outcome).Inc()
	if ok {
		m.rowsWritten.WithLabelValues(table).Add(float64(rows))
	}
}

// Resolved records a point lookup against one layer.
func (m *Metrics) Resolved(layer string, matched bool) {
	if m == nil {
		return
	}
	outcome := "matched"
	if !matched {
		outcome = "unmatched"
	}
	m.resolved.WithLabelValues(layer, outcome).Inc()
}

// Skipped records a dropped record.
func (m *Metrics) Skipped(reason string) {
	if m == nil {
		return
	}
	m.skipped.WithLabelValues(reason).Inc()
}

// WriteTextfile writes the current values in text exposition format, for
// node_exporter's textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return eris.Wrapf(err, "monitoring: write textfile %s", path)
	}
	return nil
}
