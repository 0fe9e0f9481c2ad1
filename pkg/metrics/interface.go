package metrics

import "context"

// Collector is the interface for metrics collection.
// Implementations are the Prometheus-backed MetricsCollector and NoopCollector.
type Collector interface {
	RecordOperation(ctx context.Context, operation string, status string, durationMs int64)
	RecordStage(ctx context.Context, operation string, stage string, durationMs int64)
	RecordError(ctx context.Context, operation string, errorType string)
	SetStorageCount(ctx context.Context, storageType string, count int64)

	// RecordRows counts rows moved by the sync engine for a stream ("things", ...)
	// and outcome ("inserted", "duplicate", "marked", "deferred").
	RecordRows(ctx context.Context, stream string, outcome string, n int)

	// RecordCache counts artifact cache lookups by result ("hit", "miss", "stale", "expired").
	RecordCache(ctx context.Context, artifactType string, result string)
}
