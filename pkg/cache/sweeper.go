package cache

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dan-solli/thingdb/pkg/logger"
	"github.com/dan-solli/thingdb/pkg/store"
)

// DefaultSweepInterval is used when a Sweeper is given no interval.
const DefaultSweepInterval = 5 * time.Minute

// Sweeper periodically removes expired artifacts. Reads never depend on it.
type Sweeper struct {
	cache    *Cache
	interval time.Duration

	stopCh    chan struct{}
	stoppedCh chan struct{}
	running   atomic.Bool
	stopOnce  sync.Once
}

func NewSweeper(c *Cache, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		cache:     c,
		interval:  interval,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Run blocks until ctx is done or Stop is called.
func (s *Sweeper) Run(ctx context.Context) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "thingdb.cache.sweeper"})
	s.running.Store(true)
	defer close(s.stoppedCh)
	select {
	case <-s.stopCh:
		return
	default:
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.cache.logger.InfoContext(ctx, "sweeper started", "interval", s.interval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			s.cache.logger.InfoContext(ctx, "sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	start := time.Now()
	n, err := s.cache.SweepExpired(ctx)
	if err != nil {
		s.cache.logger.ErrorContext(ctx, "sweep cycle error", "error", err)
		s.cache.metrics.RecordError(ctx, "sweep", store.Classify(err))
		return
	}
	s.cache.metrics.RecordOperation(ctx, "sweep", "success", time.Since(start).Milliseconds())
	level := slog.LevelDebug
	if n > 0 {
		level = slog.LevelInfo
	}
	s.cache.logger.Log(ctx, level, "swept expired artifacts", "count", n)
}

// Stop signals the sweeper and, if Run was started, waits for it to return.
// It is safe to call more than once.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	if s.running.Load() {
		<-s.stoppedCh
	}
}
