package metrics

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsCollector_RecordOperation(t *testing.T) {
	collector := NewCollector()
	ctx := context.Background()

	// Record some operations
	collector.RecordOperation(ctx, "sync", "success", 1000)
	collector.RecordOperation(ctx, "sync", "success", 1500)
	collector.RecordOperation(ctx, "sync", "error", 500)
	collector.RecordOperation(ctx, "search", "success", 200)

	// Verify counters
	if got := testutil.CollectAndCount(collector.operationsTotal); got != 3 {
		t.Errorf("expected 3 metric series (sync/success, sync/error, search/success), got %d", got)
	}

	// Check specific counter value
	syncSuccess := testutil.ToFloat64(collector.operationsTotal.WithLabelValues("sync", "success"))
	if syncSuccess != 2 {
		t.Errorf("expected 2 sync/success operations, got %f", syncSuccess)
	}

	syncError := testutil.ToFloat64(collector.operationsTotal.WithLabelValues("sync", "error"))
	if syncError != 1 {
		t.Errorf("expected 1 sync/error operation, got %f", syncError)
	}
}

func TestMetricsCollector_RecordStage(t *testing.T) {
	collector := NewCollector()
	ctx := context.Background()

	// Record stage durations (in milliseconds)
	collector.RecordStage(ctx, "sync", "fetch", 100)
	collector.RecordStage(ctx, "sync", "insert", 2500)
	collector.RecordStage(ctx, "sync", "insert", 3000)

	// Verify histogram has entries
	if got := testutil.CollectAndCount(collector.operationDuration); got != 2 {
		t.Errorf("expected 2 histogram series, got %d", got)
	}

	// Note: detailed histogram bucket verification would require more complex parsing
	// For now, we verify the histogram is being updated
	insertHistogram := collector.operationDuration.WithLabelValues("sync", "insert")
	if insertHistogram == nil {
		t.Error("expected insert histogram to exist")
	}
}

func TestMetricsCollector_RecordError(t *testing.T) {
	collector := NewCollector()
	ctx := context.Background()

	collector.RecordError(ctx, "sync", "network")
	collector.RecordError(ctx, "sync", "network")
	collector.RecordError(ctx, "sync", "conflict")
	collector.RecordError(ctx, "search", "timeout")

	networkErrors := testutil.ToFloat64(collector.errorsTotal.WithLabelValues("sync", "network"))
	if networkErrors != 2 {
		t.Errorf("expected 2 network errors, got %f", networkErrors)
	}

	conflictErrors := testutil.ToFloat64(collector.errorsTotal.WithLabelValues("sync", "conflict"))
	if conflictErrors != 1 {
		t.Errorf("expected 1 conflict error, got %f", conflictErrors)
	}
}

func TestMetricsCollector_SetStorageCount(t *testing.T) {
	collector := NewCollector()
	ctx := context.Background()

	collector.SetStorageCount(ctx, "things", 42)
	collector.SetStorageCount(ctx, "relationships", 150)
	collector.SetStorageCount(ctx, "events", 300)

	things := testutil.ToFloat64(collector.storageCount.WithLabelValues("things"))
	if things != 42 {
		t.Errorf("expected 42 things, got %f", things)
	}

	// Update existing gauge
	collector.SetStorageCount(ctx, "things", 50)
	things = testutil.ToFloat64(collector.storageCount.WithLabelValues("things"))
	if things != 50 {
		t.Errorf("expected 50 things after update, got %f", things)
	}
}

func TestMetricsCollector_Registry(t *testing.T) {
	collector := NewCollector()
	ctx := context.Background()

	// Generate some metrics first so they appear in the registry
	collector.RecordOperation(ctx, "test", "success", 100)
	collector.RecordStage(ctx, "test", "stage1", 50)
	collector.RecordError(ctx, "test", "error1")
	collector.SetStorageCount(ctx, "things", 10)
	collector.RecordRows(ctx, "things", "inserted", 3)
	collector.RecordCache(ctx, "html", "hit")

	registry := collector.Registry()
	if registry == nil {
		t.Fatal("expected non-nil registry")
	}

	// Verify metrics are registered
	metricFamilies, err := registry.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	expectedFamilies := 6
	if len(metricFamilies) != expectedFamilies {
		t.Errorf("expected %d metric families, got %d", expectedFamilies, len(metricFamilies))
	}
}

// TestMetricsCollector_NoPayloadLeakage verifies metrics contain no sensitive data
func TestMetricsCollector_NoPayloadLeakage(t *testing.T) {
	collector := NewCollector()
	ctx := context.Background()

	// Simulate operations with context that might contain sensitive data
	// (in real usage, context would never contain payload, but this tests the interface contract)
	collector.RecordOperation(ctx, "sync", "success", 1000)
	collector.RecordStage(ctx, "sync", "insert", 500)
	collector.RecordError(ctx, "sync", "conflict")

	// Gather all metrics
	metricFamilies, err := collector.Registry().Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	// Verify no sensitive keywords appear in any label values
	forbiddenTerms := []string{"content", "data", "https://ex.com/Post/secret", "api_key", "Bearer"}
	for _, mf := range metricFamilies {
		for _, m := range mf.GetMetric() {
			for _, label := range m.GetLabel() {
				value := label.GetValue()
				for _, term := range forbiddenTerms {
					if value == term {
						t.Errorf("found forbidden term %q in metric label", term)
					}
				}
			}
		}
	}
}

func TestMetricsCollector_RecordRowsAndCache(t *testing.T) {
	collector := NewCollector()
	ctx := context.Background()

	collector.RecordRows(ctx, "things", "inserted", 5)
	collector.RecordRows(ctx, "things", "inserted", 2)
	collector.RecordRows(ctx, "things", "duplicate", 0)
	collector.RecordCache(ctx, "html", "hit")
	collector.RecordCache(ctx, "html", "stale")
	collector.RecordCache(ctx, "html", "hit")

	if got := testutil.ToFloat64(collector.syncRows.WithLabelValues("things", "inserted")); got != 7 {
		t.Errorf("expected 7 inserted rows, got %f", got)
	}
	if got := testutil.CollectAndCount(collector.syncRows); got != 1 {
		t.Errorf("zero-row outcomes should not create series, got %d series", got)
	}
	if got := testutil.ToFloat64(collector.cacheLookups.WithLabelValues("html", "hit")); got != 2 {
		t.Errorf("expected 2 cache hits, got %f", got)
	}
}

func TestNoopCollector(t *testing.T) {
	var c Collector = NewNoopCollector()
	ctx := context.Background()
	c.RecordOperation(ctx, "sync", "success", 1)
	c.RecordRows(ctx, "things", "inserted", 1)
	c.RecordCache(ctx, "html", "hit")
}
