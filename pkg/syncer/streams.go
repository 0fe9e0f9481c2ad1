package syncer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dan-solli/thingdb/pkg/logger"
	"github.com/dan-solli/thingdb/pkg/schema"
	"github.com/dan-solli/thingdb/pkg/store"
)

type runner interface {
	run(ctx context.Context, e *Engine) StreamReport
}

// stream moves one row kind from source to sink.
type stream[T any] struct {
	name    string
	pending func(ctx context.Context, limit int) ([]T, error)
	insert  func(ctx context.Context, rows []T) (int, error)
	mark    func(ctx context.Context, rows []T, at time.Time) (int64, error)

	// after runs between insert and mark. It returns the rows that may be
	// marked; the others stay pending and err says why.
	after func(ctx context.Context, rows []T) ([]T, error)
}

func (e *Engine) streams() []runner {
	things := &stream[*store.Thing]{
		name:    schema.TableThings,
		pending: e.source.PendingThings,
		insert:  e.sink.InsertThings,
		mark:    e.source.MarkThingsSynced,
	}
	if e.indexer != nil {
		things.after = e.index
	}

	return []runner{
		things,
		&stream[*store.Relationship]{
			name:    schema.TableRelationships,
			pending: e.source.PendingRelationships,
			insert:  e.sink.InsertRelationships,
			mark:    e.source.MarkRelationshipsSynced,
		},
		&stream[*store.Event]{
			name:    schema.TableEvents,
			pending: e.source.PendingEvents,
			insert:  e.sink.InsertEvents,
			mark:    e.source.MarkEventsSynced,
		},
		&stream[*store.Action]{
			name:    schema.TableActions,
			pending: e.source.PendingActions,
			insert:  e.sink.InsertActions,
			mark:    e.source.MarkActionsSynced,
		},
		&stream[*store.Artifact]{
			name:    schema.TableArtifacts,
			pending: e.source.PendingArtifacts,
			insert:  e.sink.InsertArtifacts,
			mark:    e.source.MarkArtifactsSynced,
		},
	}
}

func (s *stream[T]) run(ctx context.Context, e *Engine) StreamReport {
	ctx = logger.WithLogFields(ctx, logger.LogFields{Table: s.name})
	start := time.Now()
	report := StreamReport{Stream: s.name}

	for report.Batches < e.cfg.MaxBatchesPerCycle {
		n, err := s.batch(ctx, e, &report)
		if err != nil {
			report.Err = fmt.Errorf("sync %s: %w", s.name, err)
			e.metrics.RecordError(ctx, "sync", store.Classify(err))
			e.metrics.RecordRows(ctx, s.name, "deferred", n)
			e.logger.WarnContext(ctx, "deferring batch to next cycle", "rows", n, "error", err)
			break
		}
		if n < e.cfg.BatchSize {
			break
		}
	}

	report.Duration = time.Since(start)
	return report
}

// batch syncs one batch and returns how many rows it fetched.
func (s *stream[T]) batch(ctx context.Context, e *Engine, report *StreamReport) (int, error) {
	var rows []T
	stageStart := time.Now()
	err := e.retry(ctx, "fetch", func() error {
		var err error
		rows, err = s.pending(ctx, e.cfg.BatchSize)
		return err
	})
	e.metrics.RecordStage(ctx, "sync", s.name+".fetch", time.Since(stageStart).Milliseconds())
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	report.Batches++
	report.Fetched += len(rows)

	var inserted int
	stageStart = time.Now()
	err = e.retry(ctx, "insert", func() error {
		var err error
		inserted, err = s.insert(ctx, rows)
		return err
	})
	e.metrics.RecordStage(ctx, "sync", s.name+".insert", time.Since(stageStart).Milliseconds())
	if err != nil {
		return len(rows), err
	}
	report.Inserted += inserted
	e.metrics.RecordRows(ctx, s.name, "inserted", inserted)
	e.metrics.RecordRows(ctx, s.name, "duplicate", len(rows)-inserted)

	markable := rows
	var afterErr error
	if s.after != nil {
		stageStart = time.Now()
		markable, afterErr = s.after(ctx, rows)
		e.metrics.RecordStage(ctx, "sync", s.name+".index", time.Since(stageStart).Milliseconds())
	}

	if len(markable) > 0 {
		var marked int64
		stageStart = time.Now()
		err = e.retry(ctx, "mark", func() error {
			var err error
			marked, err = s.mark(ctx, markable, e.now())
			return err
		})
		e.metrics.RecordStage(ctx, "sync", s.name+".mark", time.Since(stageStart).Milliseconds())
		if err != nil {
			return len(rows), err
		}
		report.Marked += marked
		e.metrics.RecordRows(ctx, s.name, "marked", int(marked))

		if changed := int64(len(markable)) - marked; changed > 0 {
			// Rows written again after the fetch stay pending for the next batch.
			e.logger.DebugContext(ctx, "rows changed during sync", "count", changed)
		}
	}
	if afterErr != nil {
		return len(rows) - len(markable), afterErr
	}
	return len(rows), nil
}

// index refreshes search chunks for each synced Thing and returns the Things
// that may be marked. A Thing that fails stays pending on its own; after
// MaxIndexCycles failed cycles it is marked anyway so it cannot hold back the
// stream.
func (e *Engine) index(ctx context.Context, things []*store.Thing) ([]*store.Thing, error) {
	ok := make([]*store.Thing, 0, len(things))
	var errs []error
	for _, t := range things {
		err := e.retry(ctx, "index", func() error { return e.indexer.Index(ctx, t) })
		key := revisionKey(t)
		if err == nil {
			e.forgetIndexFailure(key)
			ok = append(ok, t)
			continue
		}
		if ctx.Err() != nil {
			errs = append(errs, fmt.Errorf("index %s: %w", t.URL, err))
			continue
		}

		failures := e.recordIndexFailure(key)
		if failures >= e.cfg.MaxIndexCycles {
			e.forgetIndexFailure(key)
			e.logger.ErrorContext(ctx, "giving up indexing thing",
				"url", t.URL, "version", t.Version, "failures", failures, "error", err)
			e.metrics.RecordRows(ctx, schema.TableThings, "index_abandoned", 1)
			ok = append(ok, t)
			continue
		}
		e.logger.WarnContext(ctx, "failed to index thing",
			"url", t.URL, "version", t.Version, "failures", failures, "error", err)
		e.metrics.RecordRows(ctx, schema.TableThings, "index_failed", 1)
		errs = append(errs, fmt.Errorf("index %s: %w", t.URL, err))
	}
	return ok, errors.Join(errs...)
}

func revisionKey(t *store.Thing) string {
	return t.URL + "@" + strconv.FormatInt(t.UpdatedAt.UnixNano(), 10)
}

func (e *Engine) recordIndexFailure(key string) int {
	e.failMu.Lock()
	defer e.failMu.Unlock()
	e.indexFailures[key]++
	return e.indexFailures[key]
}

func (e *Engine) forgetIndexFailure(key string) {
	e.failMu.Lock()
	defer e.failMu.Unlock()
	delete(e.indexFailures, key)
}
