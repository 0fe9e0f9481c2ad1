package embeddings

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lengthEmbedder() Func {
	return Func{Name: "len-v1", Fn: func(ctx context.Context, text string) ([]float32, error) {
		if strings.Contains(text, "boom") {
			return nil, errors.New("model unavailable")
		}
		return []float32{float32(len(text)), 1}, nil
	}}
}

func TestFunc_Embed(t *testing.T) {
	var c Client = lengthEmbedder()
	assert.Equal(t, "len-v1", c.Model())

	vecs, err := c.Embed(context.Background(), []string{"a", "abc"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 1}, {3, 1}}, vecs)

	one, err := c.EmbedOne(context.Background(), "ab")
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 1}, one)
}

func TestFunc_EmbedError(t *testing.T) {
	_, err := lengthEmbedder().Embed(context.Background(), []string{"ok", "boom"})
	assert.ErrorContains(t, err, "text 1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = lengthEmbedder().Embed(ctx, []string{"ok"})
	assert.ErrorIs(t, err, context.Canceled)
}
