// Package cache implements the content-addressed artifact cache. An artifact
// is served only while its source hash matches the live hash of the source and
// its TTL has not passed; anything else is a miss, never an error.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dan-solli/thingdb/pkg/metrics"
	"github.com/dan-solli/thingdb/pkg/store"
)

// Lookup results reported to metrics.
const (
	ResultHit     = "hit"
	ResultMiss    = "miss"
	ResultStale   = "stale"
	ResultExpired = "expired"
)

// Backend stores artifacts. One artifact exists per (source, type) slot.
// GetArtifact returns a store.ErrNotFound error for an empty slot and must
// return expired rows as-is; freshness is judged by Cache.
type Backend interface {
	GetArtifact(ctx context.Context, source string, typ store.ArtifactType) (*store.Artifact, error)
	PutArtifact(ctx context.Context, a *store.Artifact) error
	DeleteArtifacts(ctx context.Context, source string, types ...store.ArtifactType) (int, error)
	ListArtifacts(ctx context.Context, tag string) ([]*store.Artifact, error)
	DeleteExpiredArtifacts(ctx context.Context, now time.Time) (int, error)
}

// HashFunc returns the live content hash of source.
// A store.ErrNotFound error means the source is gone and every artifact of it is stale.
type HashFunc func(ctx context.Context, source string) (string, error)

// Options configures a Cache.
type Options struct {
	Now     func() time.Time
	Logger  *slog.Logger
	Metrics metrics.Collector
}

// Cache is safe for concurrent use.
type Cache struct {
	backend Backend
	hash    HashFunc
	now     func() time.Time
	logger  *slog.Logger
	metrics metrics.Collector

	group singleflight.Group
}

// New creates a Cache over backend that validates hits with hash.
func New(backend Backend, hash HashFunc, opts Options) *Cache {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNoopCollector()
	}
	return &Cache{
		backend: backend,
		hash:    hash,
		now:     opts.Now,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
}

// Key derives the content address of an artifact.
func Key(source string, typ store.ArtifactType, sourceHash string) string {
	sum := sha256.Sum256([]byte(source + "|" + string(typ) + "|" + sourceHash))
	return hex.EncodeToString(sum[:])
}

// Get returns the artifact for (source, typ) when it is fresh.
// The bool is false on any miss; err is set only when a backend fails.
func (c *Cache) Get(ctx context.Context, source string, typ store.ArtifactType) (*store.Artifact, bool, error) {
	a, err := c.backend.GetArtifact(ctx, source, typ)
	if errors.Is(err, store.ErrNotFound) {
		c.record(ctx, typ, ResultMiss)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	if a.Expired(c.now()) {
		c.record(ctx, typ, ResultExpired)
		return nil, false, nil
	}

	live, err := c.hash(ctx, source)
	if errors.Is(err, store.ErrNotFound) {
		c.record(ctx, typ, ResultStale)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if live != a.SourceHash {
		c.record(ctx, typ, ResultStale)
		return nil, false, nil
	}

	c.record(ctx, typ, ResultHit)
	return a, true, nil
}

// Put stores content for (source, typ), replacing any prior artifact in the slot.
// ttl <= 0 means no expiry.
func (c *Cache) Put(ctx context.Context, source string, typ store.ArtifactType, sourceHash string, content []byte, ttl time.Duration) (*store.Artifact, error) {
	if !typ.Valid() {
		return nil, fmt.Errorf("unknown artifact type %q", typ)
	}
	if source == "" || sourceHash == "" {
		return nil, fmt.Errorf("artifact source and source hash are required")
	}

	now := c.now()
	a := &store.Artifact{
		Key:        Key(source, typ, sourceHash),
		Type:       typ,
		Source:     source,
		SourceHash: sourceHash,
		Content:    content,
		Size:       int64(len(content)),
		CreatedAt:  now,
	}
	if ttl > 0 {
		expires := now.Add(ttl)
		a.ExpiresAt = &expires
	}

	if err := c.backend.PutArtifact(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Invalidate evicts the artifacts of source, all types when none are given.
func (c *Cache) Invalidate(ctx context.Context, source string, types ...store.ArtifactType) (int, error) {
	n, err := c.backend.DeleteArtifacts(ctx, source, types...)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.logger.DebugContext(ctx, "invalidated artifacts", "source", source, "count", n)
	}
	return n, nil
}

// List returns every artifact stored for source, fresh or not.
func (c *Cache) List(ctx context.Context, source string) ([]*store.Artifact, error) {
	return c.backend.ListArtifacts(ctx, source)
}

// SweepExpired removes artifacts whose TTL passed before the sweep started.
func (c *Cache) SweepExpired(ctx context.Context) (int, error) {
	return c.backend.DeleteExpiredArtifacts(ctx, c.now())
}

// GetOrCompute returns the fresh artifact for (source, typ) or regenerates it
// with compute. Concurrent regenerations of one slot share a single call.
// Backend read failures fall through to compute.
func (c *Cache) GetOrCompute(ctx context.Context, source string, typ store.ArtifactType, ttl time.Duration,
	compute func(ctx context.Context) ([]byte, error)) (*store.Artifact, error) {
	a, ok, err := c.Get(ctx, source, typ)
	if err != nil {
		c.logger.WarnContext(ctx, "artifact lookup failed, regenerating",
			"source", source, "type", typ, "error", err)
	}
	if ok {
		return a, nil
	}

	v, err, shared := c.group.Do(source+"|"+string(typ), func() (interface{}, error) {
		// Hash first so the artifact never claims a newer source than it was built from.
		sourceHash, err := c.hash(ctx, source)
		if err != nil {
			return nil, fmt.Errorf("failed to hash source %s: %w", source, err)
		}
		content, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		return c.Put(ctx, source, typ, sourceHash, content, ttl)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.logger.DebugContext(ctx, "shared artifact regeneration", "source", source, "type", typ)
	}
	return v.(*store.Artifact), nil
}

func (c *Cache) record(ctx context.Context, typ store.ArtifactType, result string) {
	c.metrics.RecordCache(ctx, string(typ), result)
}
