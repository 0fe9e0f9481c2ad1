package metrics

import "context"

// NoopCollector discards everything. It is the default when metrics are disabled.
type NoopCollector struct{}

// NewNoopCollector creates a no-op collector
func NewNoopCollector() *NoopCollector {
	return &NoopCollector{}
}

func (c *NoopCollector) RecordOperation(ctx context.Context, operation string, status string, durationMs int64) {
}

func (c *NoopCollector) RecordStage(ctx context.Context, operation string, stage string, durationMs int64) {
}

func (c *NoopCollector) RecordError(ctx context.Context, operation string, errorType string) {}

func (c *NoopCollector) SetStorageCount(ctx context.Context, storageType string, count int64) {}

func (c *NoopCollector) RecordRows(ctx context.Context, stream string, outcome string, n int) {}

func (c *NoopCollector) RecordCache(ctx context.Context, artifactType string, result string) {}

var (
	_ Collector = (*NoopCollector)(nil)
	_ Collector = (*MetricsCollector)(nil)
)
