package cache

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// SimilarityCache memoizes pairwise cosine similarity scores keyed by an
// order-independent hash of the two vector fingerprints, so sim(a,b) and
// sim(b,a) share one record. Similarity is cheap to recompute, so the TTL
// is shorter than the embedding cache's.
type SimilarityCache struct {
	entries *expirable.LRU[string, float64]
}

// NewSimilarityCache creates a similarity cache with the given capacity and TTL.
func NewSimilarityCache(capacity int, ttl time.Duration) *SimilarityCache {
	return &SimilarityCache{
		entries: expirable.NewLRU[string, float64](capacity, nil, ttl),
	}
}

// Score returns the cosine similarity of a and b, computing and caching it
// on a miss. Either vector having zero norm (or zero length) yields 0.0.
func (c *SimilarityCache) Score(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}

	key := pairKey(a, b)
	if score, ok := c.entries.Get(key); ok {
		return score
	}

	score := Cosine(a, b)
	c.entries.Add(key, score)
	return score
}

// Len returns the number of live cached scores.
func (c *SimilarityCache) Len() int {
	return c.entries.Len()
}

// Cosine computes cosine similarity: dot(a,b) / (|a|*|b|), defined as 0.0
// when either norm is zero. Mismatched lengths compare over the shorter
// prefix; in practice all vectors share the provider's dimensionality.
func Cosine(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}

	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		av, bv := float64(a[i]), float64(b[i])
		dot += av * bv
		normA += av * av
		normB += bv * bv
	}

	if normA == 0 || normB == 0 {
		return 0.0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// pairKey builds a symmetric cache key from the two vector fingerprints.
// The smaller fingerprint always comes first, so argument order never
// changes the key.
func pairKey(a, b []float32) string {
	fa, fb := fingerprint(a), fingerprint(b)
	if fa > fb {
		fa, fb = fb, fa
	}
	return fmt.Sprintf("%016x:%016x", fa, fb)
}

// fingerprint hashes a vector's raw values into a 64-bit identity.
func fingerprint(vec []float32) uint64 {
	h := fnv.New64a()
	var buf [4]byte
	for _, v := range vec {
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
		_, _ = h.Write(buf[:])
	}
	return h.Sum64()
}
