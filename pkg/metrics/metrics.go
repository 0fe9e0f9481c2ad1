package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector provides Prometheus metrics collection for thingdb operations
type MetricsCollector struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	errorsTotal       *prometheus.CounterVec
	storageCount      *prometheus.GaugeVec
	syncRows          *prometheus.CounterVec
	cacheLookups      *prometheus.CounterVec
	registry          *prometheus.Registry
}

// NewCollector creates a new Prometheus metrics collector with its own registry
func NewCollector() *MetricsCollector {
	registry := prometheus.NewRegistry()

	operationsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thingdb_operations_total",
			Help: "Total number of thingdb operations by type and status",
		},
		[]string{"operation", "status"},
	)

	operationDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "thingdb_operation_duration_seconds",
			Help:    "Duration of thingdb operations by type and stage",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
		},
		[]string{"operation", "stage"},
	)

	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thingdb_errors_total",
			Help: "Total number of errors by operation and error type",
		},
		[]string{"operation", "error_type"},
	)

	storageCount := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "thingdb_storage_count",
			Help: "Current count of live rows by table",
		},
		[]string{"type"},
	)

	syncRows := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thingdb_sync_rows_total",
			Help: "Rows processed by the sync engine by stream and outcome",
		},
		[]string{"stream", "outcome"},
	)

	cacheLookups := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thingdb_cache_lookups_total",
			Help: "Artifact cache lookups by artifact type and result",
		},
		[]string{"artifact_type", "result"},
	)

	registry.MustRegister(operationsTotal)
	registry.MustRegister(operationDuration)
	registry.MustRegister(errorsTotal)
	registry.MustRegister(storageCount)
	registry.MustRegister(syncRows)
	registry.MustRegister(cacheLookups)

	return &MetricsCollector{
		operationsTotal:   operationsTotal,
		operationDuration: operationDuration,
		errorsTotal:       errorsTotal,
		storageCount:      storageCount,
		syncRows:          syncRows,
		cacheLookups:      cacheLookups,
		registry:          registry,
	}
}

// RecordOperation records the completion of an operation
func (m *MetricsCollector) RecordOperation(ctx context.Context, operation string, status string, durationMs int64) {
	m.operationsTotal.WithLabelValues(operation, status).Inc()
}

// RecordStage records the duration of a specific stage within an operation
func (m *MetricsCollector) RecordStage(ctx context.Context, operation string, stage string, durationMs int64) {
	m.operationDuration.WithLabelValues(operation, stage).Observe(float64(durationMs) / 1000.0)
}

// RecordError records an error occurrence
func (m *MetricsCollector) RecordError(ctx context.Context, operation string, errorType string) {
	m.errorsTotal.WithLabelValues(operation, errorType).Inc()
}

// SetStorageCount sets the current count for a table
func (m *MetricsCollector) SetStorageCount(ctx context.Context, storageType string, count int64) {
	m.storageCount.WithLabelValues(storageType).Set(float64(count))
}

// RecordRows adds n rows for a sync stream outcome
func (m *MetricsCollector) RecordRows(ctx context.Context, stream string, outcome string, n int) {
	if n <= 0 {
		return
	}
	m.syncRows.WithLabelValues(stream, outcome).Add(float64(n))
}

// RecordCache records one artifact cache lookup
func (m *MetricsCollector) RecordCache(ctx context.Context, artifactType string, result string) {
	m.cacheLookups.WithLabelValues(artifactType, result).Inc()
}

// Registry returns the Prometheus registry for HTTP exposure
func (m *MetricsCollector) Registry() *prometheus.Registry {
	return m.registry
}
