package engine

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/recallhq/recall/internal/queue"
	"github.com/recallhq/recall/pkg/types"
)

// ContextRequest asks for the memories relevant to the current point in a
// conversation.
type ContextRequest struct {
	UserID string

	// History holds recent conversation turns, most recent last. Used as a
	// fallback query when CurrentMessage is empty.
	History []string

	// CurrentMessage is the message the caller wants context for.
	CurrentMessage string

	// Limit caps the number of returned memories; values <= 0 use the
	// configured default.
	Limit int
}

// ScoredMemory is one ranked retrieval result.
type ScoredMemory struct {
	Entry types.MemoryEntry `json:"entry"`

	// Score is the composite ranking score.
	Score float64 `json:"score"`

	// Similarity is the semantic similarity component, 0.0 for entries
	// without an embedding and in degraded mode.
	Similarity float64 `json:"similarity"`

	// Degraded reports that semantic ranking was unavailable and the
	// score is importance/recency only.
	Degraded bool `json:"degraded,omitempty"`
}

// GetContextualMemories returns the user's memories ranked by relevance to
// the current conversation. It runs synchronously in the request path:
// candidates come from the snapshot cache, the query embedding from the
// embedding cache, and access tracking is deferred to the queue.
//
// Embedding-provider failure or an empty query degrades to importance and
// recency ranking instead of failing the call.
func (e *Engine) GetContextualMemories(ctx context.Context, req ContextRequest) ([]ScoredMemory, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: user ID is required", types.ErrInvalidInput)
	}

	limit := req.Limit
	if limit <= 0 {
		limit = e.retrieval.DefaultLimit
	}

	entries, err := e.loadSnapshot(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return []ScoredMemory{}, nil
	}

	queryVec, degraded := e.queryEmbedding(ctx, req)

	now := time.Now()
	scored := make([]ScoredMemory, 0, len(entries))
	for _, entry := range entries {
		sim := 0.0
		if !degraded && len(entry.Embedding) > 0 {
			// Negative similarity means "actively unrelated"; the floor
			// keeps it from dragging importance and recency below zero.
			if s := e.similarities.Score(queryVec, entry.Embedding); s > 0 {
				sim = s
			}
		}

		scored = append(scored, ScoredMemory{
			Entry:      entry,
			Score:      e.composite(sim, entry, now, degraded),
			Similarity: sim,
			Degraded:   degraded,
		})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})
	if len(scored) > limit {
		scored = scored[:limit]
	}

	ids := make([]string, len(scored))
	for i, s := range scored {
		ids[i] = s.Entry.ID
	}
	e.tasks.Enqueue(&queue.Task{
		Kind:     queue.KindAccessTracking,
		Priority: priorityAccess,
		Payload:  accessJob{UserID: req.UserID, IDs: ids},
	})

	return scored, nil
}

// queryEmbedding resolves the query vector for a request. It returns
// degraded=true when no usable query text exists or the provider fails.
func (e *Engine) queryEmbedding(ctx context.Context, req ContextRequest) ([]float32, bool) {
	query := req.CurrentMessage
	if query == "" && len(req.History) > 0 {
		query = req.History[len(req.History)-1]
	}
	if query == "" {
		return nil, true
	}

	vec, err := e.embeddings.Get(ctx, query)
	if err != nil {
		log.Printf("engine: query embedding unavailable for user %s, ranking without similarity: %v",
			req.UserID, err)
		return nil, true
	}
	return vec, false
}

// composite blends similarity, stored importance, and a recency/frequency
// term. Weights are tunable policy; they are normalized here so the score
// stays in [0, 1]. Degraded mode renormalizes over importance and recency
// so ordering among survivors is unchanged in scale.
func (e *Engine) composite(similarity float64, entry types.MemoryEntry, now time.Time, degraded bool) float64 {
	wSim := e.retrieval.SimilarityWeight
	if degraded {
		wSim = 0
	}
	wImp := e.retrieval.ImportanceWeight
	wRec := e.retrieval.RecencyWeight

	total := wSim + wImp + wRec
	if total == 0 {
		return 0
	}

	score := wSim*similarity + wImp*entry.Importance + wRec*recencyFrequency(entry, now)
	return score / total
}

// recencyFrequency scores how alive a memory is: how recently it was
// touched and how often it has been accessed, each saturating into [0, 1].
// A never-reaccessed old entry scores near zero here, which is what keeps
// incidental similarity from dominating the ranking.
func recencyFrequency(entry types.MemoryEntry, now time.Time) float64 {
	ageDays := now.Sub(entry.LastTouched()).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	// Hyperbolic decay: 1.0 today, 0.5 at 7 days, ~0.19 at 30 days.
	recency := 1 / (1 + ageDays/7)

	// Access counts saturate: the fifth access matters less than the first.
	frequency := float64(entry.AccessCount) / float64(entry.AccessCount+5)

	return 0.7*recency + 0.3*frequency
}
