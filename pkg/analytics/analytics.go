// Package analytics is the append-oriented analytical store fed by the sync
// engine. Logical updates are new rows tagged with an event marker; nothing is
// updated in place except the search chunk set of a Thing, which is replaced
// atomically.
package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dan-solli/thingdb/pkg/store"
)

// Row events recorded next to every Thing and Relationship revision.
const (
	EventCreated = "created"
	EventUpdated = "updated"
	EventDeleted = "deleted"
)

// Limits.
const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 1000
	DefaultTopK       = 10
	MaxTopK           = 100

	DefaultQueryTimeout = 30 * time.Second
)

// Store is the analytical backend contract.
//
// Insert* calls are idempotent: every row carries a stable row key derived
// from its source row, and re-inserting it is a no-op. They return the number
// of rows newly stored.
//
// Every call runs under a deadline, the caller's if set and QueryTimeout
// otherwise; exceeding it fails with store.ErrTimeout.
type Store interface {
	InsertThings(ctx context.Context, things []*store.Thing) (int, error)
	InsertRelationships(ctx context.Context, rels []*store.Relationship) (int, error)
	InsertEvents(ctx context.Context, events []*store.Event) (int, error)
	InsertActions(ctx context.Context, actions []*store.Action) (int, error)
	InsertArtifacts(ctx context.Context, artifacts []*store.Artifact) (int, error)

	// Query runs a validated predicate query against one analytical table.
	Query(ctx context.Context, q Query) ([]Record, error)

	// Things returns the latest revision of each Thing matching f.
	Things(ctx context.Context, f ThingFilter) ([]*store.Thing, error)

	// RecentEvents returns the newest events of one type within a namespace.
	RecentEvents(ctx context.Context, ns, event string, limit int) ([]*store.Event, error)

	// ReplaceChunks swaps the whole chunk set of parent in one transaction.
	// An empty set removes every chunk of parent.
	ReplaceChunks(ctx context.Context, parent string, chunks []store.Chunk) error

	// Chunks returns the chunk set of parent ordered by index.
	Chunks(ctx context.Context, parent string) ([]store.Chunk, error)

	// Search ranks chunks by full-text relevance to text.
	Search(ctx context.Context, text string, f SearchFilter) ([]SearchResult, error)

	// VectorSearch ranks embedded chunks by cosine distance to embedding.
	// topK <= 0 means DefaultTopK; values above MaxTopK are clamped.
	VectorSearch(ctx context.Context, embedding []float32, topK int, f SearchFilter) ([]SearchResult, error)

	Close() error
}

// Options configures any analytical backend.
type Options struct {
	// QueryTimeout bounds calls whose context has no deadline.
	QueryTimeout time.Duration

	// Now overrides the clock used for ingested_at (tests).
	Now func() time.Time

	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.QueryTimeout <= 0 {
		o.QueryTimeout = DefaultQueryTimeout
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// ThingFilter selects Things by namespace and type.
type ThingFilter struct {
	NS             string
	Type           string
	IncludeDeleted bool
	Limit          int
}

// SearchFilter scopes Search and VectorSearch.
type SearchFilter struct {
	NS   string
	Type string

	// Limit caps full-text results; VectorSearch uses topK instead.
	Limit int
}

// SearchResult is one ranked chunk. Score is higher-is-better for both search
// kinds; Distance is set by VectorSearch only (cosine distance, lower is closer).
type SearchResult struct {
	Chunk    store.Chunk
	Score    float64
	Distance float64
}

// Open picks a backend by DSN: postgres:// and postgresql:// open Postgres,
// sqlite:// or a bare path opens SQLite.
func Open(ctx context.Context, dsn string, opts Options) (Store, error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		s, err := OpenPostgres(ctx, PostgresConfig{DSN: dsn}, opts)
		if err != nil {
			return nil, err
		}
		return s, nil
	case dsn == "", dsn == "sqlite://":
		return nil, fmt.Errorf("analytics dsn is empty")
	default:
		s, err := OpenSQLite(ctx, strings.TrimPrefix(dsn, "sqlite://"), opts)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

func clampLimit(n, def, max int) int {
	if n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
