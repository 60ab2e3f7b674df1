// Package cache implements the caching layer for Recall: text-to-vector
// memoization, pairwise similarity memoization, per-user memory snapshots,
// and debounced snapshot invalidation. Each cache is an explicit,
// constructible object injected into the engine, never ambient state.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/recallhq/recall/internal/llm"
)

// EmbeddingCache memoizes embedding provider calls keyed by a hash of the
// normalized text. Embeddings of identical text are immutable in meaning,
// so the TTL is long; capacity is bounded with LRU eviction.
type EmbeddingCache struct {
	embedder llm.EmbeddingGenerator
	entries  *expirable.LRU[string, []float32]
	timeout  time.Duration
}

// NewEmbeddingCache creates an embedding cache in front of the given
// provider. timeout bounds each provider call; zero means the provider's
// own timeout applies alone.
func NewEmbeddingCache(embedder llm.EmbeddingGenerator, capacity int, ttl, timeout time.Duration) *EmbeddingCache {
	return &EmbeddingCache{
		embedder: embedder,
		entries:  expirable.NewLRU[string, []float32](capacity, nil, ttl),
		timeout:  timeout,
	}
}

// Get returns the embedding for text, calling the provider on a miss.
// Provider failure surfaces as an error wrapping llm.ErrEmbeddingUnavailable;
// nothing is cached for failed lookups.
func (c *EmbeddingCache) Get(ctx context.Context, text string) ([]float32, error) {
	key := embeddingKey(text)
	if vec, ok := c.entries.Get(key); ok {
		return vec, nil
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	vec, err := c.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	// Whole-record insert: a superseded record is evicted by the LRU,
	// never mutated in place.
	c.entries.Add(key, vec)
	return vec, nil
}

// Len returns the number of live cached embeddings.
func (c *EmbeddingCache) Len() int {
	return c.entries.Len()
}

// embeddingKey hashes the normalized text so that case and whitespace
// variations of the same statement share one record.
func embeddingKey(text string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
