// Package embeddings is the contract for the caller-supplied embedding
// function. thingdb stores and compares vectors; it never computes them.
package embeddings

import (
	"context"
	"fmt"
)

// Client generates text embeddings.
type Client interface {
	// Embed generates embeddings for multiple texts, one per input, in order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedOne generates an embedding for a single text.
	EmbedOne(ctx context.Context, text string) ([]float32, error)

	// Model names the embedding model, stored next to every vector.
	Model() string
}

// Func adapts a single-text embedding function to Client.
type Func struct {
	Name string
	Fn   func(ctx context.Context, text string) ([]float32, error)
}

func (f Func) Model() string { return f.Name }

func (f Func) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	return f.Fn(ctx, text)
}

// Embed calls Fn once per text and stops at the first error.
func (f Func) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v, err := f.Fn(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("failed to embed text %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}
