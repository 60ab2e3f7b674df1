package cache_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recallhq/recall/internal/cache"
	"github.com/recallhq/recall/internal/llm"
)

// countingEmbedder returns a fixed vector per distinct text and counts
// provider calls. failing toggles hard failure.
type countingEmbedder struct {
	calls   atomic.Int64
	failing atomic.Bool
}

func (e *countingEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.calls.Add(1)
	if e.failing.Load() {
		return nil, fmt.Errorf("%w: forced failure", llm.ErrEmbeddingUnavailable)
	}
	// Deterministic per-text vector: length of text spread over 3 dims.
	n := float32(len(text))
	return []float32{n, n + 1, n + 2}, nil
}

func (e *countingEmbedder) Model() string { return "counting" }

func TestEmbeddingCacheHitSkipsProvider(t *testing.T) {
	embedder := &countingEmbedder{}
	c := cache.NewEmbeddingCache(embedder, 16, time.Minute, 0)

	first, err := c.Get(context.Background(), "vegan diet")
	require.NoError(t, err)

	second, err := c.Get(context.Background(), "vegan diet")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), embedder.calls.Load(), "second lookup must be served from cache")
}

func TestEmbeddingCacheNormalizesText(t *testing.T) {
	embedder := &countingEmbedder{}
	c := cache.NewEmbeddingCache(embedder, 16, time.Minute, 0)

	_, err := c.Get(context.Background(), "Vegan   Diet")
	require.NoError(t, err)
	_, err = c.Get(context.Background(), "  vegan diet ")
	require.NoError(t, err)

	assert.Equal(t, int64(1), embedder.calls.Load(),
		"case and whitespace variants must share one record")
	assert.Equal(t, 1, c.Len())
}

func TestEmbeddingCacheDoesNotCacheFailures(t *testing.T) {
	embedder := &countingEmbedder{}
	embedder.failing.Store(true)
	c := cache.NewEmbeddingCache(embedder, 16, time.Minute, 0)

	_, err := c.Get(context.Background(), "likes jogging")
	require.Error(t, err)
	assert.True(t, errors.Is(err, llm.ErrEmbeddingUnavailable))
	assert.Equal(t, 0, c.Len())

	// Provider recovers; next lookup succeeds and is cached.
	embedder.failing.Store(false)
	_, err = c.Get(context.Background(), "likes jogging")
	require.NoError(t, err)
	assert.Equal(t, 1, c.Len())
}

func TestEmbeddingCacheEvictsLeastRecentlyUsed(t *testing.T) {
	embedder := &countingEmbedder{}
	c := cache.NewEmbeddingCache(embedder, 2, time.Minute, 0)

	ctx := context.Background()
	_, _ = c.Get(ctx, "alpha")
	_, _ = c.Get(ctx, "beta")
	_, _ = c.Get(ctx, "alpha") // refresh alpha
	_, _ = c.Get(ctx, "gamma") // evicts beta

	require.Equal(t, int64(3), embedder.calls.Load())

	_, _ = c.Get(ctx, "alpha") // still cached
	assert.Equal(t, int64(3), embedder.calls.Load())

	_, _ = c.Get(ctx, "beta") // was evicted, hits provider again
	assert.Equal(t, int64(4), embedder.calls.Load())
}

func TestEmbeddingCacheTTLExpiry(t *testing.T) {
	embedder := &countingEmbedder{}
	c := cache.NewEmbeddingCache(embedder, 16, 30*time.Millisecond, 0)

	ctx := context.Background()
	_, err := c.Get(ctx, "short lived")
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)

	_, err = c.Get(ctx, "short lived")
	require.NoError(t, err)
	assert.Equal(t, int64(2), embedder.calls.Load(), "expired record must be refetched")
}
