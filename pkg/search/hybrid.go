package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/dan-solli/thingdb/pkg/analytics"
	"github.com/dan-solli/thingdb/pkg/embeddings"
	"github.com/dan-solli/thingdb/pkg/store"
)

// ErrNoEmbedder is returned by vector search when no embedder is configured.
var ErrNoEmbedder = errors.New("vector search requires an embedder")

// Backend is the chunk search side of the analytical store.
type Backend interface {
	Search(ctx context.Context, text string, f analytics.SearchFilter) ([]analytics.SearchResult, error)
	VectorSearch(ctx context.Context, embedding []float32, topK int, f analytics.SearchFilter) ([]analytics.SearchResult, error)
}

// Graph resolves result Things and their edges in the durable store.
type Graph interface {
	GetByURL(ctx context.Context, url string) (*store.Thing, error)
	Relationships(ctx context.Context, key store.Key, dir store.Direction) ([]*store.Relationship, error)
}

// HybridSearcher combines full-text, vector and graph search.
type HybridSearcher struct {
	backend  Backend
	embedder embeddings.Client
	graph    Graph
	logger   *slog.Logger
}

// NewHybridSearcher creates a new hybrid searcher. embedder and graph may be
// nil; without an embedder hybrid search degrades to text search.
func NewHybridSearcher(backend Backend, embedder embeddings.Client, graph Graph, logger *slog.Logger) *HybridSearcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &HybridSearcher{
		backend:  backend,
		embedder: embedder,
		graph:    graph,
		logger:   logger,
	}
}

type hit struct {
	url         string
	thing       *store.Thing
	chunk       store.Chunk
	chunkScore  float64
	textScore   float64
	vectorScore float64
	graphScore  float64
	graphDepth  int
	foundBy     map[string]bool
}

// Search ranks Things for query.
// Score formula: combined = text + vector + graph, where text is the best
// chunk score divided by the best overall, vector is the best cosine
// similarity floored at 0, and graph is 1/(1+depth) for expanded Things.
func (h *HybridSearcher) Search(ctx context.Context, query string, opts SearchOptions) ([]SearchResult, error) {
	ApplyDefaults(&opts)

	useText, useVector := true, true
	switch opts.Type {
	case SearchTypeText:
		useVector = false
	case SearchTypeVector:
		useText = false
		if h.embedder == nil {
			return nil, ErrNoEmbedder
		}
	case SearchTypeHybrid:
		if h.embedder == nil {
			h.logger.DebugContext(ctx, "no embedder configured, hybrid search uses text only")
			useVector = false
		}
	default:
		return nil, fmt.Errorf("unknown search type %q", opts.Type)
	}

	// Fetch more than TopK so per-Thing merging still fills TopK.
	fetch := opts.TopK * 2
	if fetch < 20 {
		fetch = 20
	}
	filter := analytics.SearchFilter{NS: opts.NS, Type: opts.ThingType, Limit: fetch}

	hits := make(map[string]*hit)
	get := func(c store.Chunk) *hit {
		e, ok := hits[c.Parent]
		if !ok {
			e = &hit{url: c.Parent, foundBy: make(map[string]bool)}
			hits[c.Parent] = e
		}
		return e
	}
	best := func(e *hit, c store.Chunk, score float64) {
		if e.chunk.Parent == "" || score > e.chunkScore {
			e.chunk, e.chunkScore = c, score
		}
	}

	if useText {
		results, err := h.backend.Search(ctx, query, filter)
		if err != nil {
			return nil, err
		}
		var top float64
		for _, r := range results {
			if r.Score > top {
				top = r.Score
			}
		}
		for _, r := range results {
			e := get(r.Chunk)
			score := 1.0
			if top > 0 {
				score = r.Score / top
			}
			if score > e.textScore {
				e.textScore = score
			}
			e.foundBy[SourceText] = true
			best(e, r.Chunk, score)
		}
	}

	if useVector {
		embedding, err := h.embedder.EmbedOne(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("failed to embed query: %w", err)
		}
		results, err := h.backend.VectorSearch(ctx, embedding, fetch, filter)
		if err != nil {
			return nil, err
		}
		for _, r := range results {
			e := get(r.Chunk)
			score := r.Score
			if score < 0 {
				score = 0
			}
			if score > e.vectorScore {
				e.vectorScore = score
			}
			e.foundBy[SourceVector] = true
			best(e, r.Chunk, score)
		}
	}

	if h.graph != nil {
		if err := h.resolve(ctx, hits); err != nil {
			return nil, err
		}
		if opts.GraphDepth > 0 {
			if err := h.expand(ctx, hits, opts); err != nil {
				return nil, err
			}
		}
	}

	results := make([]SearchResult, 0, len(hits))
	for _, e := range hits {
		results = append(results, SearchResult{
			URL:        e.url,
			Thing:      e.thing,
			Score:      e.textScore + e.vectorScore + e.graphScore,
			Chunk:      e.chunk,
			Source:     source(e.foundBy),
			GraphDepth: e.graphDepth,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].URL < results[j].URL
	})
	if len(results) > opts.TopK {
		results = results[:opts.TopK]
	}
	return results, nil
}

func source(foundBy map[string]bool) string {
	switch {
	case foundBy[SourceText] && foundBy[SourceVector]:
		return SourceHybrid
	case foundBy[SourceText]:
		return SourceText
	case foundBy[SourceVector]:
		return SourceVector
	default:
		return SourceGraph
	}
}

// resolve attaches live Things to hits and drops chunks of Things deleted
// since they were indexed.
func (h *HybridSearcher) resolve(ctx context.Context, hits map[string]*hit) error {
	for url, e := range hits {
		t, err := h.graph.GetByURL(ctx, url)
		if errors.Is(err, store.ErrNotFound) {
			delete(hits, url)
			continue
		}
		if err != nil {
			return err
		}
		e.thing = t
	}
	return nil
}

// expand performs a BFS over live relationships from every direct hit.
func (h *HybridSearcher) expand(ctx context.Context, hits map[string]*hit, opts SearchOptions) error {
	type queueItem struct {
		url   string
		depth int
	}
	var queue []queueItem
	visited := make(map[string]bool)
	for url := range hits {
		queue = append(queue, queueItem{url, 0})
		visited[url] = true
	}
	sort.Slice(queue, func(i, j int) bool { return queue[i].url < queue[j].url })

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if current.depth >= opts.GraphDepth {
			continue
		}

		neighbors, err := h.neighbors(ctx, current.url)
		if err != nil {
			return err
		}
		nextDepth := current.depth + 1
		for _, url := range neighbors {
			if visited[url] {
				continue
			}
			visited[url] = true

			key, err := store.ParseURL(url)
			if err != nil || (opts.NS != "" && key.NS != opts.NS) || (opts.ThingType != "" && key.Type != opts.ThingType) {
				continue
			}
			t, err := h.graph.GetByURL(ctx, url)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}

			hits[url] = &hit{
				url:        url,
				thing:      t,
				graphScore: 1.0 / float64(1+nextDepth),
				graphDepth: nextDepth,
				foundBy:    map[string]bool{},
			}
			queue = append(queue, queueItem{url, nextDepth})
		}
	}
	return nil
}

func (h *HybridSearcher) neighbors(ctx context.Context, url string) ([]string, error) {
	key, err := store.ParseURL(url)
	if err != nil {
		return nil, nil
	}
	var out []string
	for _, dir := range []store.Direction{store.Forward, store.Backward} {
		rels, err := h.graph.Relationships(ctx, key, dir)
		if err != nil {
			return nil, err
		}
		for _, r := range rels {
			if dir == store.Forward {
				out = append(out, r.To)
			} else {
				out = append(out, r.From)
			}
		}
	}
	return out, nil
}
