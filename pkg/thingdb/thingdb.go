// Package thingdb wires the durable store, the analytical store, the artifact
// cache, the tracker, search and the sync engine into one handle.
package thingdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dan-solli/thingdb/pkg/analytics"
	"github.com/dan-solli/thingdb/pkg/cache"
	"github.com/dan-solli/thingdb/pkg/chunker"
	"github.com/dan-solli/thingdb/pkg/id"
	"github.com/dan-solli/thingdb/pkg/logger"
	"github.com/dan-solli/thingdb/pkg/metrics"
	"github.com/dan-solli/thingdb/pkg/search"
	"github.com/dan-solli/thingdb/pkg/store"
	"github.com/dan-solli/thingdb/pkg/syncer"
	"github.com/dan-solli/thingdb/pkg/tracker"
)

// DB is the main entry point.
type DB struct {
	config Config
	logger *slog.Logger

	store     *store.SQLiteStore
	analytics analytics.Store
	redis     *redis.Client

	cache    *cache.Cache
	sweeper  *cache.Sweeper
	events   *tracker.Events
	actions  *tracker.Actions
	engine   *syncer.Engine
	indexer  *search.Indexer
	searcher *search.HybridSearcher
	metrics  metrics.Collector

	mu        sync.Mutex
	started   bool
	workers   sync.WaitGroup
	gaugeStop chan struct{}
	gaugeDone chan struct{}
	closeOnce sync.Once
}

// Open opens both stores, migrating them, and wires every component.
// Background workers run only after Start.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "thingdb"})

	db := &DB{config: cfg, logger: cfg.Logger, metrics: cfg.Metrics}

	var err error
	db.store, err = store.OpenSQLite(ctx, cfg.DBPath, store.Options{Logger: cfg.Logger})
	if err != nil {
		return nil, fmt.Errorf("failed to open durable store: %w", err)
	}

	db.analytics, err = analytics.Open(ctx, cfg.AnalyticsDSN, analytics.Options{
		QueryTimeout: cfg.QueryTimeout,
		Logger:       cfg.Logger,
	})
	if err != nil {
		db.store.Close()
		return nil, fmt.Errorf("failed to open analytical store: %w", err)
	}

	backend, err := db.cacheBackend(ctx)
	if err != nil {
		db.closeStores()
		return nil, err
	}
	db.cache = cache.New(backend, db.store.SourceHash, cache.Options{Logger: cfg.Logger, Metrics: cfg.Metrics})
	db.sweeper = cache.NewSweeper(db.cache, cfg.SweepInterval)

	db.indexer = search.NewIndexer(db.analytics,
		chunker.Chunker{MaxTokens: cfg.ChunkSize, Overlap: cfg.ChunkOverlap},
		search.IndexerOptions{Embedder: cfg.Embedder, Logger: cfg.Logger, Metrics: cfg.Metrics})
	db.searcher = search.NewHybridSearcher(db.analytics, cfg.Embedder, db.store, cfg.Logger)

	db.engine = syncer.New(db.store, db.analytics, cfg.Sync, syncer.Options{
		Indexer: db.indexer,
		Logger:  cfg.Logger,
		Metrics: cfg.Metrics,
	})

	ids, err := id.NewGenerator(cfg.NodeID)
	if err != nil {
		db.closeStores()
		return nil, err
	}
	trackerOpts := tracker.Options{Logger: cfg.Logger, Metrics: cfg.Metrics, Notify: db.engine.Trigger}
	db.events = tracker.NewEvents(db.store, ids, trackerOpts)
	db.actions = tracker.NewActions(db.store, trackerOpts)

	db.logger.InfoContext(ctx, "thingdb opened",
		"db_path", cfg.DBPath, "cache_backend", cfg.CacheBackend, "embedder", cfg.Embedder != nil)
	return db, nil
}

func (db *DB) cacheBackend(ctx context.Context) (cache.Backend, error) {
	switch db.config.CacheBackend {
	case CacheMemory:
		return cache.NewMemoryBackend(), nil
	case CacheSQLite:
		return db.store, nil
	case CacheRedis:
		opts, err := redis.ParseURL(db.config.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis url: %w", err)
		}
		db.redis = redis.NewClient(opts)
		if err := db.redis.Ping(ctx).Err(); err != nil {
			db.redis.Close()
			db.redis = nil
			return nil, store.Unavailable("open_cache", fmt.Errorf("failed to ping redis: %w", err))
		}
		return cache.NewRedisBackend(db.redis, db.config.RedisPrefix), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", db.config.CacheBackend)
	}
}

// Start launches the sync engine, the cache sweeper and the storage gauges.
// They stop on Close or when ctx ends.
func (db *DB) Start(ctx context.Context) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.started {
		return
	}
	db.started = true

	db.gaugeStop = make(chan struct{})
	db.gaugeDone = make(chan struct{})
	db.workers.Add(2)
	go func() {
		defer db.workers.Done()
		db.engine.Run(ctx)
	}()
	go func() {
		defer db.workers.Done()
		db.sweeper.Run(ctx)
	}()
	go db.runGauges(ctx)
}

func (db *DB) runGauges(ctx context.Context) {
	defer close(db.gaugeDone)
	ticker := time.NewTicker(db.engine.Interval())
	defer ticker.Stop()
	for {
		if err := db.RefreshGauges(ctx); err != nil && ctx.Err() == nil {
			db.logger.WarnContext(ctx, "failed to refresh storage gauges", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-db.gaugeStop:
			return
		case <-ticker.C:
		}
	}
}

// RefreshGauges publishes live row counts per durable table.
func (db *DB) RefreshGauges(ctx context.Context) error {
	counts, err := db.store.Counts(ctx)
	if err != nil {
		return err
	}
	for table, n := range counts {
		db.metrics.SetStorageCount(ctx, table, n)
	}
	return nil
}

// Close stops the workers, drains pending event writes and closes both stores.
func (db *DB) Close() error {
	var err error
	db.closeOnce.Do(func() {
		db.mu.Lock()
		started := db.started
		db.mu.Unlock()

		db.engine.Stop()
		db.sweeper.Stop()
		if started {
			db.workers.Wait()
			close(db.gaugeStop)
			<-db.gaugeDone
		}
		db.events.Wait()
		err = db.closeStores()
	})
	return err
}

func (db *DB) closeStores() error {
	var errs []error
	if db.redis != nil {
		errs = append(errs, db.redis.Close())
	}
	if db.analytics != nil {
		errs = append(errs, db.analytics.Close())
	}
	errs = append(errs, db.store.Close())
	return errors.Join(errs...)
}

// SyncOnce runs one sync cycle now.
func (db *DB) SyncOnce(ctx context.Context) (syncer.Report, error) {
	return db.engine.SyncOnce(ctx)
}

// Sweep deletes expired artifacts now.
func (db *DB) Sweep(ctx context.Context) (int, error) {
	return db.cache.SweepExpired(ctx)
}

// Purge physically removes Things and edges soft-deleted more than olderThan
// ago whose deletion already reached the analytical store.
func (db *DB) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	n, err := db.store.PurgeDeleted(ctx, time.Now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	db.logger.InfoContext(ctx, "purged deleted things", "count", n, "older_than", olderThan)
	return n, nil
}

// Search ranks Things for query.
func (db *DB) Search(ctx context.Context, query string, opts search.SearchOptions) ([]search.SearchResult, error) {
	return db.searcher.Search(ctx, query, opts)
}

// Store returns the durable store.
func (db *DB) Store() *store.SQLiteStore { return db.store }

// Analytics returns the analytical store.
func (db *DB) Analytics() analytics.Store { return db.analytics }

func (db *DB) Cache() *cache.Cache { return db.cache }

func (db *DB) Events() *tracker.Events { return db.events }

func (db *DB) Actions() *tracker.Actions { return db.actions }

func (db *DB) Syncer() *syncer.Engine { return db.engine }

func (db *DB) Indexer() *search.Indexer { return db.indexer }

func (db *DB) Config() Config { return db.config }
