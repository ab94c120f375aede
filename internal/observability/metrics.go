// Package observability provides Prometheus metrics and in-memory activity
// statistics for boundary maintenance and migration runs.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsConfig holds configuration for the metrics collector.
type MetricsConfig struct {
	Namespace   string `yaml:"namespace" json:"namespace"`
	MetricsPath string `yaml:"metrics_path" json:"metrics_path"`
}

// DefaultMetricsConfig returns the default configuration.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace:   "rangekeeper",
		MetricsPath: "/metrics",
	}
}

// MetricsCollector wraps the Prometheus collectors. All Record methods are
// safe on a nil receiver so components can run without metrics.
type MetricsCollector struct {
	config   MetricsConfig
	registry *prometheus.Registry

	AdvanceChecks   *prometheus.CounterVec
	SplitsTotal     *prometheus.CounterVec
	ConflictsTotal  *prometheus.CounterVec
	MaxBoundary     *prometheus.GaugeVec
	BatchesTotal    *prometheus.CounterVec
	RowsCopied      *prometheus.CounterVec
	BatchDuration   *prometheus.HistogramVec
	BatchRetries    *prometheus.CounterVec
	RunsTotal       *prometheus.CounterVec
	SwitchOutsTotal *prometheus.CounterVec
	ExportedBytes   *prometheus.CounterVec
}

// NewMetricsCollector creates a collector with its own registry.
func NewMetricsCollector(cfg MetricsConfig) *MetricsCollector {
	reg := prometheus.NewRegistry()
	ns := cfg.Namespace

	m := &MetricsCollector{
		config:   cfg,
		registry: reg,

		AdvanceChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "advance_checks_total",
			Help: "Boundary-ahead checks by table and outcome",
		}, []string{"table", "outcome"}),
		SplitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "splits_total",
			Help: "Boundaries added by split",
		}, []string{"table"}),
		ConflictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "conflicts_total",
			Help: "Lease and concurrent-split conflicts",
		}, []string{"table", "code"}),
		MaxBoundary: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Name: "max_boundary_timestamp_seconds",
			Help: "Largest committed boundary as a Unix timestamp",
		}, []string{"table"}),
		BatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "migration_batches_total",
			Help: "Committed migration batches",
		}, []string{"run"}),
		RowsCopied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "migration_rows_total",
			Help: "Rows copied by migration runs",
		}, []string{"run"}),
		BatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Name: "migration_batch_duration_seconds",
			Help:    "Duration of committed batches including retries",
			Buckets: prometheus.DefBuckets,
		}, []string{"run"}),
		BatchRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "migration_batch_retries_total",
			Help: "Transient batch failures that were retried",
		}, []string{"run"}),
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "migration_runs_total",
			Help: "Finished migration runs by status",
		}, []string{"run", "status"}),
		SwitchOutsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "switch_outs_total",
			Help: "Partition switch-outs by table and status",
		}, []string{"table", "status"}),
		ExportedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "archive_exported_bytes_total",
			Help: "Compressed bytes uploaded by archive exports",
		}, []string{"table"}),
	}

	reg.MustRegister(
		m.AdvanceChecks, m.SplitsTotal, m.ConflictsTotal, m.MaxBoundary,
		m.BatchesTotal, m.RowsCopied, m.BatchDuration, m.BatchRetries, m.RunsTotal,
		m.SwitchOutsTotal, m.ExportedBytes,
	)
	return m
}

// Registry exposes the registry for tests and custom handlers.
func (m *MetricsCollector) Registry() *prometheus.Registry { return m.registry }

// MetricsPath returns the configured endpoint path.
func (m *MetricsCollector) MetricsPath() string { return m.config.MetricsPath }

// Handler serves the metrics in Prometheus text format.
func (m *MetricsCollector) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordAdvance records one EnsureBoundaryAhead outcome: "noop", "advanced" or "error".
func (m *MetricsCollector) RecordAdvance(table, outcome string, added int) {
	if m == nil {
		return
	}
	m.AdvanceChecks.WithLabelValues(table, outcome).Inc()
	if added > 0 {
		m.SplitsTotal.WithLabelValues(table).Add(float64(added))
	}
}

// RecordConflict records a lease or split conflict.
func (m *MetricsCollector) RecordConflict(table, code string) {
	if m == nil {
		return
	}
	m.ConflictsTotal.WithLabelValues(table, code).Inc()
}

// SetMaxBoundary publishes the current maximum boundary of table.
func (m *MetricsCollector) SetMaxBoundary(table string, t time.Time) {
	if m == nil {
		return
	}
	m.MaxBoundary.WithLabelValues(table).Set(float64(t.Unix()))
}

// RecordBatch records a committed batch.
func (m *MetricsCollector) RecordBatch(run string, rows int64, retries int, d time.Duration) {
	if m == nil {
		return
	}
	m.BatchesTotal.WithLabelValues(run).Inc()
	m.RowsCopied.WithLabelValues(run).Add(float64(rows))
	m.BatchDuration.WithLabelValues(run).Observe(d.Seconds())
	if retries > 0 {
		m.BatchRetries.WithLabelValues(run).Add(float64(retries))
	}
}

// RecordRun records a finished run: "completed", "fatal" or "cancelled".
func (m *MetricsCollector) RecordRun(run, status string) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(run, status).Inc()
}

// RecordSwitchOut records a switch-out attempt.
func (m *MetricsCollector) RecordSwitchOut(table, status string) {
	if m == nil {
		return
	}
	m.SwitchOutsTotal.WithLabelValues(table, status).Inc()
}

// RecordExport records an uploaded archive object.
func (m *MetricsCollector) RecordExport(table string, bytes int64) {
	if m == nil {
		return
	}
	m.ExportedBytes.WithLabelValues(table).Add(float64(bytes))
}
