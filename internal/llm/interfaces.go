// Package llm provides the external provider layer for Recall: text
// completion used by the memory-worthiness classifier and vector embedding
// generation used by semantic retrieval. All HTTP calls are bounded by a
// per-call timeout and protected by a circuit breaker.
package llm

import (
	"context"
	"errors"
)

// ErrEmbeddingUnavailable indicates that the embedding provider failed,
// timed out, or is circuit-broken. Callers degrade to importance/recency
// ranking instead of failing the request.
var ErrEmbeddingUnavailable = errors.New("embedding provider unavailable")

// TextGenerator is the interface for single-turn LLM completion.
// The classifier uses it with strict JSON-only prompts.
type TextGenerator interface {
	Complete(ctx context.Context, prompt string) (string, error)
	Model() string
}

// EmbeddingGenerator converts text into a fixed-length vector.
// Failures are reported as errors wrapping ErrEmbeddingUnavailable;
// no other contract (model, dimensionality) is assumed by callers.
type EmbeddingGenerator interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Model() string
}
