// Package syncer replicates durable-store rows into the analytical store.
//
// Each cycle reads rows whose sync marker is unset, oldest first, inserts them
// into the analytical store and only then marks them synced. A crash between
// the two steps re-sends the batch on the next cycle; the analytical store
// drops the duplicates by row key.
package syncer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dan-solli/thingdb/pkg/logger"
	"github.com/dan-solli/thingdb/pkg/metrics"
	"github.com/dan-solli/thingdb/pkg/store"
)

// Source is the durable side of replication.
type Source interface {
	PendingThings(ctx context.Context, limit int) ([]*store.Thing, error)
	MarkThingsSynced(ctx context.Context, things []*store.Thing, at time.Time) (int64, error)
	PendingRelationships(ctx context.Context, limit int) ([]*store.Relationship, error)
	MarkRelationshipsSynced(ctx context.Context, rels []*store.Relationship, at time.Time) (int64, error)
	PendingEvents(ctx context.Context, limit int) ([]*store.Event, error)
	MarkEventsSynced(ctx context.Context, events []*store.Event, at time.Time) (int64, error)
	PendingActions(ctx context.Context, limit int) ([]*store.Action, error)
	MarkActionsSynced(ctx context.Context, actions []*store.Action, at time.Time) (int64, error)
	PendingArtifacts(ctx context.Context, limit int) ([]*store.Artifact, error)
	MarkArtifactsSynced(ctx context.Context, artifacts []*store.Artifact, at time.Time) (int64, error)
}

// Sink is the analytical side. Inserts must be idempotent per row.
type Sink interface {
	InsertThings(ctx context.Context, things []*store.Thing) (int, error)
	InsertRelationships(ctx context.Context, rels []*store.Relationship) (int, error)
	InsertEvents(ctx context.Context, events []*store.Event) (int, error)
	InsertActions(ctx context.Context, actions []*store.Action) (int, error)
	InsertArtifacts(ctx context.Context, artifacts []*store.Artifact) (int, error)
}

// Indexer refreshes the search chunks of a synced Thing.
type Indexer interface {
	Index(ctx context.Context, t *store.Thing) error
}

// Config holds the replication knobs.
type Config struct {
	// BatchSize caps rows fetched per batch. Default 500.
	BatchSize int

	// Interval between timer-driven cycles. Default 30s.
	Interval time.Duration

	// MaxAttempts bounds tries of one step on retryable errors. Default 3.
	MaxAttempts int

	// Backoff is the first retry delay; it doubles per attempt. Default 200ms.
	Backoff time.Duration

	// MaxBatchesPerCycle bounds work per stream per cycle. Default 10.
	MaxBatchesPerCycle int

	// MaxIndexCycles bounds the cycles a Thing revision may fail indexing
	// before it is marked synced without fresh chunks. Default 5.
	MaxIndexCycles int
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Backoff <= 0 {
		c.Backoff = 200 * time.Millisecond
	}
	if c.MaxBatchesPerCycle <= 0 {
		c.MaxBatchesPerCycle = 10
	}
	if c.MaxIndexCycles <= 0 {
		c.MaxIndexCycles = 5
	}
	return c
}

// Options are the optional collaborators of an Engine.
type Options struct {
	Indexer Indexer
	Now     func() time.Time
	Logger  *slog.Logger
	Metrics metrics.Collector
}

// Engine runs sync cycles. SyncOnce calls never overlap.
type Engine struct {
	source Source
	sink   Sink
	cfg    Config

	indexer Indexer
	now     func() time.Time
	logger  *slog.Logger
	metrics metrics.Collector

	cycleMu sync.Mutex
	cycle   atomic.Int64

	// indexFailures counts failed cycles per Thing revision.
	failMu        sync.Mutex
	indexFailures map[string]int

	triggerCh chan struct{}
	stopCh    chan struct{}
	stoppedCh chan struct{}
	running   atomic.Bool
	stopOnce  sync.Once
}

func New(source Source, sink Sink, cfg Config, opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNoopCollector()
	}
	return &Engine{
		source:        source,
		sink:          sink,
		cfg:           cfg.withDefaults(),
		indexer:       opts.Indexer,
		now:           opts.Now,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		triggerCh:     make(chan struct{}, 1),
		indexFailures: make(map[string]int),
		stopCh:        make(chan struct{}),
		stoppedCh:     make(chan struct{}),
	}
}

// StreamReport summarises one stream within a cycle.
type StreamReport struct {
	Stream   string
	Batches  int
	Fetched  int
	Inserted int // new in the sink; Fetched-Inserted were already there
	Marked   int64
	Duration time.Duration

	// Err is set when a batch was deferred to the next cycle.
	Err error
}

// Report summarises one cycle.
type Report struct {
	Cycle    int64
	Streams  []StreamReport
	Duration time.Duration
}

// Err joins the stream errors of the cycle.
func (r Report) Err() error {
	var errs []error
	for _, s := range r.Streams {
		if s.Err != nil {
			errs = append(errs, s.Err)
		}
	}
	return errors.Join(errs...)
}

// Stream returns the report of the named stream.
func (r Report) Stream(name string) StreamReport {
	for _, s := range r.Streams {
		if s.Stream == name {
			return s
		}
	}
	return StreamReport{Stream: name}
}

// SyncOnce runs one cycle over every stream concurrently. Stream failures
// are reported, not returned; the error is non-nil only when ctx ends.
func (e *Engine) SyncOnce(ctx context.Context) (Report, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	cycle := e.cycle.Add(1)
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "thingdb.syncer", Cycle: &cycle})
	span := logger.StartSpan(ctx, "syncer.cycle")
	defer span.End()
	ctx = span.Context()

	start := time.Now()
	streams := e.streams()
	report := Report{Cycle: cycle, Streams: make([]StreamReport, len(streams))}

	var g errgroup.Group
	for i, s := range streams {
		g.Go(func() error {
			report.Streams[i] = s.run(ctx, e)
			return nil
		})
	}
	_ = g.Wait()
	report.Duration = time.Since(start)

	status := "success"
	if err := report.Err(); err != nil {
		status = "partial"
		span.RecordError(err)
	}
	e.metrics.RecordOperation(ctx, "sync_cycle", status, report.Duration.Milliseconds())

	fetched := 0
	for _, s := range report.Streams {
		fetched += s.Fetched
	}
	e.logger.DebugContext(ctx, "sync cycle finished",
		"fetched", fetched, "status", status, "duration_ms", report.Duration.Milliseconds())

	return report, ctx.Err()
}

// Interval is the configured time between timer-driven cycles.
func (e *Engine) Interval() time.Duration { return e.cfg.Interval }

// Trigger asks Run for a cycle now. It never blocks; triggers that arrive
// while one is pending are merged.
func (e *Engine) Trigger() {
	select {
	case e.triggerCh <- struct{}{}:
	default:
	}
}

// Run syncs once, then on every Interval tick and Trigger, until ctx is done
// or Stop is called. Sync always runs apart from the write path.
func (e *Engine) Run(ctx context.Context) {
	e.running.Store(true)
	defer close(e.stoppedCh)
	select {
	case <-e.stopCh:
		return
	default:
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "thingdb.syncer"})
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	e.logger.InfoContext(ctx, "sync engine started",
		"interval", e.cfg.Interval, "batch_size", e.cfg.BatchSize)

	for {
		if report, err := e.SyncOnce(ctx); err != nil {
			return
		} else if cerr := report.Err(); cerr != nil {
			e.logger.WarnContext(ctx, "sync cycle deferred rows", "cycle", report.Cycle, "error", cerr)
		}

		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			e.logger.InfoContext(ctx, "sync engine stopping")
			return
		case <-ticker.C:
		case <-e.triggerCh:
		}
	}
}

// Stop signals Run and waits for the current cycle to finish.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	if e.running.Load() {
		<-e.stoppedCh
	}
}

// retry runs fn until it succeeds, fails with a non-retryable error, or
// MaxAttempts is reached.
func (e *Engine) retry(ctx context.Context, stage string, fn func() error) error {
	delay := e.cfg.Backoff
	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(); err == nil || !store.IsRetryable(err) || attempt >= e.cfg.MaxAttempts {
			return err
		}
		e.logger.DebugContext(ctx, "retrying sync step", "stage", stage, "attempt", attempt, "error", err)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return errors.Join(err, ctx.Err())
		case <-t.C:
		}
		delay *= 2
	}
}
