package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recallhq/recall/internal/cache"
	"github.com/recallhq/recall/internal/classifier"
	"github.com/recallhq/recall/internal/config"
	"github.com/recallhq/recall/internal/engine"
	"github.com/recallhq/recall/internal/queue"
	"github.com/recallhq/recall/internal/storage/sqlite"
	"github.com/recallhq/recall/pkg/types"
)

// stubEmbedder returns a constant vector for every text.
type stubEmbedder struct{}

func (stubEmbedder) Embed(context.Context, string) ([]float32, error) {
	return []float32{0.6, 0.8, 0}, nil
}

func (stubEmbedder) Model() string { return "stub" }

// stubClassifier never finds anything memory-worthy.
type stubClassifier struct{}

func (stubClassifier) Classify(context.Context, string) (*classifier.Verdict, error) {
	return &classifier.Verdict{Worthy: false}, nil
}

func newTestAPI(t *testing.T) (*APIHandler, *http.ServeMux) {
	t.Helper()

	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	tasks, err := queue.New(queue.Config{
		Depth:         100,
		Workers:       2,
		DrainInterval: 10 * time.Millisecond,
		MaxRetries:    1,
		ShutdownWait:  time.Second,
	})
	require.NoError(t, err)

	eng, err := engine.New(engine.Deps{
		Store:        store,
		Classifier:   stubClassifier{},
		Embeddings:   cache.NewEmbeddingCache(stubEmbedder{}, 64, time.Minute, 0),
		Similarities: cache.NewSimilarityCache(256, time.Minute),
		Snapshots:    cache.NewSnapshotCache(time.Minute),
		Tasks:        tasks,
		Retrieval: config.RetrievalConfig{
			SimilarityWeight: 0.5,
			ImportanceWeight: 0.3,
			RecencyWeight:    0.2,
			DefaultLimit:     5,
		},
		DebounceQuiet: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(eng.Shutdown)

	api := NewAPIHandler(eng)
	mux := http.NewServeMux()
	api.RegisterRoutes(mux)
	return api, mux
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestCreateAndListMemories(t *testing.T) {
	_, mux := newTestAPI(t)

	rec := doJSON(t, mux, http.MethodPost, "/api/users/u1/memories", createMemoryRequest{
		Content:    "user is vegan",
		Category:   "preference",
		Importance: 0.8,
		Keywords:   []string{"vegan"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created types.MemoryEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "u1", created.UserID)

	rec = doJSON(t, mux, http.MethodGet, "/api/users/u1/memories", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var listed struct {
		Memories []types.MemoryEntry `json:"memories"`
		Count    int                 `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	assert.Equal(t, 1, listed.Count)
	require.Len(t, listed.Memories, 1)
	assert.Equal(t, "user is vegan", listed.Memories[0].Content)
}

func TestCreateMemoryRejectsInvalidInput(t *testing.T) {
	_, mux := newTestAPI(t)

	rec := doJSON(t, mux, http.MethodPost, "/api/users/u1/memories", createMemoryRequest{
		Content:  "mystery",
		Category: "mood",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Contains(t, errResp.Error, "category")
}

func TestListMemoriesFiltersByCategory(t *testing.T) {
	_, mux := newTestAPI(t)

	for _, body := range []createMemoryRequest{
		{Content: "user is vegan", Category: "preference", Importance: 0.8},
		{Content: "user works at Acme", Category: "personal_info", Importance: 0.5},
	} {
		rec := doJSON(t, mux, http.MethodPost, "/api/users/u1/memories", body)
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := doJSON(t, mux, http.MethodGet, "/api/users/u1/memories?category=preference", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var listed struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	assert.Equal(t, 1, listed.Count)

	rec = doJSON(t, mux, http.MethodGet, "/api/users/u1/memories?category=mood", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteMemory(t *testing.T) {
	_, mux := newTestAPI(t)

	rec := doJSON(t, mux, http.MethodPost, "/api/users/u1/memories", createMemoryRequest{
		Content: "user is vegan", Category: "preference", Importance: 0.8,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created types.MemoryEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = doJSON(t, mux, http.MethodDelete, "/api/users/u1/memories/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, mux, http.MethodDelete, "/api/users/u1/memories/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetContextReturnsRankedMemories(t *testing.T) {
	_, mux := newTestAPI(t)

	rec := doJSON(t, mux, http.MethodPost, "/api/users/u1/memories", createMemoryRequest{
		Content: "user is vegan", Category: "preference", Importance: 0.8,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, mux, http.MethodPost, "/api/context", contextRequest{
		UserID:         "u1",
		CurrentMessage: "any dinner ideas?",
		Limit:          3,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Memories []engine.ScoredMemory `json:"memories"`
		Count    int                   `json:"count"`
		Degraded bool                  `json:"degraded"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
	assert.False(t, resp.Degraded)
}

func TestGetContextRequiresUserID(t *testing.T) {
	_, mux := newTestAPI(t)

	rec := doJSON(t, mux, http.MethodPost, "/api/context", contextRequest{
		CurrentMessage: "hello",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecordMessageIsAccepted(t *testing.T) {
	_, mux := newTestAPI(t)

	rec := doJSON(t, mux, http.MethodPost, "/api/messages", recordMessageRequest{
		UserID:         "u1",
		ConversationID: "c1",
		Role:           "user",
		Text:           "I switched to a vegan diet",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		Queued bool `json:"queued"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Queued)
}

func TestOverviewEndpoint(t *testing.T) {
	_, mux := newTestAPI(t)

	for i := 0; i < 2; i++ {
		rec := doJSON(t, mux, http.MethodPost, "/api/users/u1/memories", createMemoryRequest{
			Content: fmt.Sprintf("fact %d", i), Category: "context", Importance: 0.5,
		})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	// Creation invalidates the snapshot on a debounce; wait out the quiet
	// period so the overview reflects both writes.
	require.Eventually(t, func() bool {
		rec := doJSON(t, mux, http.MethodGet, "/api/users/u1/overview", nil)
		if rec.Code != http.StatusOK {
			return false
		}
		var overview engine.Overview
		if err := json.Unmarshal(rec.Body.Bytes(), &overview); err != nil {
			return false
		}
		return overview.Total == 2 && overview.ByCategory[types.CategoryContext] == 2
	}, time.Second, 20*time.Millisecond)
}
