// Package search ranks Things by full-text and vector relevance of their
// chunks, optionally widened through the relationship graph.
package search

import (
	"context"

	"github.com/dan-solli/thingdb/pkg/analytics"
	"github.com/dan-solli/thingdb/pkg/store"
)

// SearchType specifies the type of search to perform.
type SearchType string

const (
	// SearchTypeText ranks chunks by full-text relevance only.
	SearchTypeText SearchType = "text"

	// SearchTypeVector ranks chunks by cosine similarity only.
	SearchTypeVector SearchType = "vector"

	// SearchTypeHybrid sums normalized text and vector scores per Thing.
	SearchTypeHybrid SearchType = "hybrid"
)

// Sources reported on results.
const (
	SourceText   = "text"
	SourceVector = "vector"
	SourceHybrid = "hybrid"
	SourceGraph  = "graph"
)

// SearchResult is one Thing with its combined score.
type SearchResult struct {
	URL   string       // Parent Thing url
	Thing *store.Thing // Live Thing, nil when no Graph is configured
	Score float64      // Combined relevance score (higher is better)

	// Chunk is the best-matching chunk; zero for graph-only results.
	Chunk  store.Chunk
	Source string

	// GraphDepth is the hop count from the nearest direct hit, 0 for direct hits.
	GraphDepth int
}

// SearchOptions configures search behavior.
type SearchOptions struct {
	Type SearchType // Default: hybrid
	TopK int        // Maximum number of results to return (default: 10)

	NS        string
	ThingType string

	// GraphDepth expands direct hits through live relationships, both
	// directions. 0 disables expansion.
	GraphDepth int
}

// Searcher defines the interface for Thing search.
type Searcher interface {
	Search(ctx context.Context, query string, opts SearchOptions) ([]SearchResult, error)
}

// ApplyDefaults sets default values for unspecified search options.
func ApplyDefaults(opts *SearchOptions) {
	if opts.Type == "" {
		opts.Type = SearchTypeHybrid
	}
	if opts.TopK <= 0 {
		opts.TopK = analytics.DefaultTopK
	}
	if opts.TopK > analytics.MaxTopK {
		opts.TopK = analytics.MaxTopK
	}
	if opts.GraphDepth < 0 {
		opts.GraphDepth = 0
	}
}
