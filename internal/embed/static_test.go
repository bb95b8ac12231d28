package embed

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func vectorNorm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func TestStaticEmbedderDeterministic(t *testing.T) {
	e := NewStaticEmbedder(64)
	ctx := context.Background()

	a, err := e.Embed(ctx, "the quick brown fox")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "the quick brown fox")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := e.Embed(ctx, "something else entirely")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestStaticEmbedderUnitLength(t *testing.T) {
	e := NewStaticEmbedder(64)

	vec, err := e.Embed(context.Background(), "normalize me please")
	require.NoError(t, err)
	require.Len(t, vec, 64)
	assert.InDelta(t, 1.0, vectorNorm(vec), 1e-5)
}

func TestStaticEmbedderEmptyText(t *testing.T) {
	e := NewStaticEmbedder(32)

	vec, err := e.Embed(context.Background(), "   \n\t ")
	require.NoError(t, err)
	assert.Equal(t, make([]float32, 32), vec)
}

func TestStaticEmbedderSharedTokensOverlap(t *testing.T) {
	e := NewStaticEmbedder(128)
	ctx := context.Background()

	a, err := e.Embed(ctx, "tomato soup recipe")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "tomato soup with basil")
	require.NoError(t, err)
	c, err := e.Embed(ctx, "quarterly budget review")
	require.NoError(t, err)

	dot := func(x, y []float32) float64 {
		var s float64
		for i := range x {
			s += float64(x[i]) * float64(y[i])
		}
		return s
	}
	assert.Greater(t, dot(a, b), dot(a, c))
}

func TestStaticEmbedderBatch(t *testing.T) {
	e := NewStaticEmbedder(64)

	vecs, err := e.EmbedBatch(context.Background(), []string{"one", "two", "three"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)

	single, err := e.Embed(context.Background(), "two")
	require.NoError(t, err)
	assert.Equal(t, single, vecs[1])
}

func TestStaticEmbedderClosed(t *testing.T) {
	e := NewStaticEmbedder(16)
	require.NoError(t, e.Close())

	_, err := e.Embed(context.Background(), "after close")
	assert.Error(t, err)
}

func TestStaticEmbedderDefaultDims(t *testing.T) {
	e := NewStaticEmbedder(0)
	assert.Equal(t, SupportedModels["static"].Dimensions, e.Dimensions())
	assert.Equal(t, "static", e.ModelName())
	assert.True(t, e.Available(context.Background()))
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"hello", "world", "42"}, tokenize("Hello, World! 42"))
	assert.Empty(t, tokenize("---"))
}

func TestExtractNgrams(t *testing.T) {
	assert.Equal(t, []string{"abc", "bcd"}, extractNgrams("abcd", 3))
	assert.Nil(t, extractNgrams("ab", 3))
}
