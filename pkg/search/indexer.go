package search

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dan-solli/thingdb/pkg/chunker"
	"github.com/dan-solli/thingdb/pkg/embeddings"
	"github.com/dan-solli/thingdb/pkg/metrics"
	"github.com/dan-solli/thingdb/pkg/store"
)

// ChunkStore holds the chunk sets the Indexer writes.
type ChunkStore interface {
	ReplaceChunks(ctx context.Context, parent string, chunks []store.Chunk) error
}

// IndexerOptions are the optional collaborators of an Indexer.
type IndexerOptions struct {
	// Embedder vectors every chunk when set; otherwise chunks are text-only.
	Embedder embeddings.Client
	Logger   *slog.Logger
	Metrics  metrics.Collector
}

// Indexer turns a Thing's content into its search chunk set.
type Indexer struct {
	store    ChunkStore
	chunker  chunker.Chunker
	embedder embeddings.Client
	logger   *slog.Logger
	metrics  metrics.Collector
}

func NewIndexer(s ChunkStore, c chunker.Chunker, opts IndexerOptions) *Indexer {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNoopCollector()
	}
	return &Indexer{
		store:    s,
		chunker:  c,
		embedder: opts.Embedder,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}
}

// Index replaces the chunk set of t. Deleted Things and empty content clear it.
func (ix *Indexer) Index(ctx context.Context, t *store.Thing) error {
	start := time.Now()
	if t.Deleted() || t.Content == "" {
		if err := ix.store.ReplaceChunks(ctx, t.URL, nil); err != nil {
			return fmt.Errorf("failed to clear chunks: %w", err)
		}
		return nil
	}

	pieces := ix.chunker.Chunk(t.Content)
	chunks := make([]store.Chunk, len(pieces))
	for i, p := range pieces {
		chunks[i] = store.Chunk{
			Parent:  t.URL,
			Index:   p.Index,
			NS:      t.NS,
			Type:    t.Type,
			Content: p.Text,
			Start:   p.Start,
			End:     p.End,
		}
	}

	if ix.embedder != nil && len(pieces) > 0 {
		texts := make([]string, len(pieces))
		for i, p := range pieces {
			texts[i] = p.Text
		}
		embedStart := time.Now()
		vectors, err := ix.embedder.Embed(ctx, texts)
		ix.metrics.RecordStage(ctx, "index", "embed", time.Since(embedStart).Milliseconds())
		if err != nil {
			return fmt.Errorf("failed to embed chunks: %w", err)
		}
		if len(vectors) != len(chunks) {
			return fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(chunks))
		}
		for i := range chunks {
			chunks[i].Embedding = vectors[i]
			chunks[i].Model = ix.embedder.Model()
		}
	}

	if err := ix.store.ReplaceChunks(ctx, t.URL, chunks); err != nil {
		return fmt.Errorf("failed to replace chunks: %w", err)
	}

	ix.metrics.RecordStage(ctx, "index", "total", time.Since(start).Milliseconds())
	ix.logger.DebugContext(ctx, "indexed thing", "url", t.URL, "chunks", len(chunks))
	return nil
}
