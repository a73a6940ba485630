package llm

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingEmbedder records how many times the underlying provider is hit.
type countingEmbedder struct {
	mockProvider
	embedCalls  int
	singleCalls int
}

func (c *countingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	c.embedCalls++
	return c.mockProvider.Embed(ctx, texts)
}

func (c *countingEmbedder) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	c.singleCalls++
	return c.mockProvider.EmbedSingle(ctx, text)
}

func newCacheFixture(t *testing.T) (*countingEmbedder, *CachedEmbeddingProvider) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	underlying := &countingEmbedder{mockProvider: mockProvider{name: "counting"}}
	return underlying, NewCachedEmbeddingProvider(underlying, client, nil)
}

func TestCachedEmbedSingle(t *testing.T) {
	underlying, cached := newCacheFixture(t)
	ctx := context.Background()

	first, err := cached.EmbedSingle(ctx, "refund policy")
	require.NoError(t, err)
	second, err := cached.EmbedSingle(ctx, "refund policy")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, underlying.singleCalls, "second call should be served from cache")
}

func TestCachedEmbedOnlyMissesReachProvider(t *testing.T) {
	underlying, cached := newCacheFixture(t)
	ctx := context.Background()

	_, err := cached.EmbedSingle(ctx, "alpha")
	require.NoError(t, err)

	embeddings, err := cached.Embed(ctx, []string{"alpha", "beta"})
	require.NoError(t, err)
	require.Len(t, embeddings, 2)

	// "alpha" was cached by EmbedSingle; only "beta" is a miss.
	assert.Equal(t, 1, underlying.embedCalls)

	_, err = cached.Embed(ctx, []string{"alpha", "beta"})
	require.NoError(t, err)
	assert.Equal(t, 1, underlying.embedCalls, "fully cached batch should not reach provider")
}

func TestCachedEmbedEmptyInput(t *testing.T) {
	_, cached := newCacheFixture(t)

	_, err := cached.Embed(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestCacheDisabledPassesThrough(t *testing.T) {
	underlying := &countingEmbedder{mockProvider: mockProvider{name: "counting"}}
	cached := NewCachedEmbeddingProvider(underlying, nil, &EmbeddingCacheConfig{Enabled: false})

	_, err := cached.EmbedSingle(context.Background(), "alpha")
	require.NoError(t, err)
	_, err = cached.EmbedSingle(context.Background(), "alpha")
	require.NoError(t, err)

	assert.Equal(t, 2, underlying.singleCalls)
}

func TestCachePreservesDimensionAndName(t *testing.T) {
	underlying, cached := newCacheFixture(t)

	assert.Equal(t, underlying.Name(), cached.Name())
	assert.Equal(t, underlying.Dimension(), cached.Dimension())
}
