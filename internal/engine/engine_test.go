package engine_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recallhq/recall/internal/cache"
	"github.com/recallhq/recall/internal/classifier"
	"github.com/recallhq/recall/internal/config"
	"github.com/recallhq/recall/internal/engine"
	"github.com/recallhq/recall/internal/llm"
	"github.com/recallhq/recall/internal/queue"
	"github.com/recallhq/recall/internal/storage"
	"github.com/recallhq/recall/pkg/types"
)

// fakeStore is an in-memory storage.Store that counts LoadAll calls so
// tests can assert snapshot cache behavior.
type fakeStore struct {
	mu        sync.Mutex
	entries   map[string]types.MemoryEntry
	messages  []types.ConversationMessage
	loadCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{entries: make(map[string]types.MemoryEntry)}
}

func (s *fakeStore) Insert(_ context.Context, entry *types.MemoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.ID] = *entry
	return nil
}

func (s *fakeStore) LoadAll(_ context.Context, userID string) ([]types.MemoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadCalls++
	out := []types.MemoryEntry{}
	for _, e := range s.entries {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *fakeStore) UpdateEmbedding(_ context.Context, id string, embedding []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return storage.ErrNotFound
	}
	e.Embedding = embedding
	s.entries[id] = e
	return nil
}

func (s *fakeStore) UpdateAccessStats(_ context.Context, ids []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if e, ok := s.entries[id]; ok {
			t := at
			e.LastAccessedAt = &t
			e.AccessCount++
			s.entries[id] = e
		}
	}
	return nil
}

func (s *fakeStore) Delete(_ context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok || e.UserID != userID {
		return storage.ErrNotFound
	}
	delete(s.entries, id)
	return nil
}

func (s *fakeStore) CountByCategory(_ context.Context, userID string) (map[types.Category]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[types.Category]int)
	for _, e := range s.entries {
		if e.UserID == userID {
			counts[e.Category]++
		}
	}
	return counts, nil
}

func (s *fakeStore) AppendMessage(_ context.Context, msg *types.ConversationMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, *msg)
	return nil
}

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) get(id string) (types.MemoryEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	return e, ok
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *fakeStore) loads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadCalls
}

// mapEmbedder returns canned vectors per text and can be toggled to fail.
type mapEmbedder struct {
	mu      sync.Mutex
	vectors map[string][]float32
	failing bool
}

func (e *mapEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failing {
		return nil, fmt.Errorf("%w: provider down", llm.ErrEmbeddingUnavailable)
	}
	if vec, ok := e.vectors[text]; ok {
		return vec, nil
	}
	return []float32{0.5, 0.5, 0.5}, nil
}

func (e *mapEmbedder) Model() string { return "map" }

func (e *mapEmbedder) setFailing(failing bool) {
	e.mu.Lock()
	e.failing = failing
	e.mu.Unlock()
}

// fixedClassifier returns the same verdict for every message.
type fixedClassifier struct {
	verdict *classifier.Verdict
	err     error
}

func (c *fixedClassifier) Classify(context.Context, string) (*classifier.Verdict, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.verdict, nil
}

// eventLog records published events.
type eventLog struct {
	mu     sync.Mutex
	events []engine.Event
}

func (l *eventLog) Publish(event engine.Event) {
	l.mu.Lock()
	l.events = append(l.events, event)
	l.mu.Unlock()
}

func (l *eventLog) ofType(eventType string) []engine.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []engine.Event
	for _, e := range l.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// harness bundles an engine wired with fast test timings.
type harness struct {
	engine   *engine.Engine
	store    *fakeStore
	embedder *mapEmbedder
	detector *fixedClassifier
	events   *eventLog
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	store := newFakeStore()
	embedder := &mapEmbedder{vectors: map[string][]float32{}}
	detector := &fixedClassifier{verdict: &classifier.Verdict{Worthy: false}}
	events := &eventLog{}

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
		Classifier:   detector,
		Embeddings:   cache.NewEmbeddingCache(embedder, 64, time.Minute, 0),
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
		Events:        events,
	})
	require.NoError(t, err)

	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(eng.Shutdown)

	return &harness{engine: eng, store: store, embedder: embedder, detector: detector, events: events}
}

func TestRememberPersistsAndEmbedsInBackground(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	entry, err := h.engine.Remember(ctx, &types.MemoryEntry{
		UserID:     "u1",
		Content:    "user is vegan",
		Category:   types.CategoryPreference,
		Importance: 0.8,
	})
	require.NoError(t, err)
	require.NotEmpty(t, entry.ID)

	stored, ok := h.store.get(entry.ID)
	require.True(t, ok, "entry must be durable before Remember returns")
	assert.Empty(t, stored.Embedding, "embedding is computed asynchronously")

	require.Eventually(t, func() bool {
		stored, _ := h.store.get(entry.ID)
		return len(stored.Embedding) > 0
	}, time.Second, 10*time.Millisecond)

	assert.Len(t, h.events.ofType("memory_created"), 1)
	require.Eventually(t, func() bool {
		return len(h.events.ofType("memory_embedded")) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestRememberRejectsInvalidEntry(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.Remember(context.Background(), &types.MemoryEntry{
		UserID:   "u1",
		Content:  "mystery",
		Category: types.Category("mood"),
	})
	assert.ErrorIs(t, err, types.ErrInvalidInput)
	assert.Equal(t, 0, h.store.count())
}

func TestRecordPotentialMemoryCreatesEntryOnPositiveVerdict(t *testing.T) {
	h := newHarness(t)
	h.detector.verdict = &classifier.Verdict{
		Worthy:     true,
		Statement:  "User follows a vegan diet",
		Category:   types.CategoryPersonalInfo,
		Importance: 0.9,
		Keywords:   []string{"vegan", "diet"},
	}

	queued, err := h.engine.RecordPotentialMemory(context.Background(), &types.ConversationMessage{
		UserID:         "u1",
		ConversationID: "c1",
		Role:           "user",
		Text:           "I switched to a vegan diet last month",
	}, engine.MemoryHint{})
	require.NoError(t, err)
	assert.True(t, queued)
	assert.Equal(t, 0, h.store.count(), "classification must not run in the request path")

	require.Eventually(t, func() bool {
		return h.store.count() == 1
	}, time.Second, 10*time.Millisecond)

	memories, err := h.engine.UserMemories(context.Background(), "u1", "")
	require.NoError(t, err)
	require.Len(t, memories, 1)
	assert.Equal(t, "User follows a vegan diet", memories[0].Content)
	assert.Equal(t, types.CategoryPersonalInfo, memories[0].Category)

	h.store.mu.Lock()
	logged := len(h.store.messages)
	h.store.mu.Unlock()
	assert.Equal(t, 1, logged, "the raw message is logged for audit")
}

func TestRecordPotentialMemoryHintOverridesVerdict(t *testing.T) {
	h := newHarness(t)
	h.detector.verdict = &classifier.Verdict{
		Worthy:     true,
		Statement:  "User follows a vegan diet",
		Category:   types.CategoryContext,
		Importance: 0.4,
	}

	queued, err := h.engine.RecordPotentialMemory(context.Background(), &types.ConversationMessage{
		UserID: "u1",
		Text:   "remember this: I am vegan",
	}, engine.MemoryHint{Category: types.CategoryPreference, Importance: 0.95})
	require.NoError(t, err)
	require.True(t, queued)

	require.Eventually(t, func() bool {
		return h.store.count() == 1
	}, time.Second, 10*time.Millisecond)

	memories, err := h.engine.UserMemories(context.Background(), "u1", "")
	require.NoError(t, err)
	require.Len(t, memories, 1)
	assert.Equal(t, types.CategoryPreference, memories[0].Category)
	assert.InDelta(t, 0.95, memories[0].Importance, 1e-9)
}

func TestRecordPotentialMemoryRejectsBadHint(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.RecordPotentialMemory(context.Background(), &types.ConversationMessage{
		UserID: "u1",
		Text:   "hello",
	}, engine.MemoryHint{Category: types.Category("mood")})
	assert.ErrorIs(t, err, types.ErrInvalidInput)
}

func TestRecordPotentialMemoryNegativeVerdictCreatesNothing(t *testing.T) {
	h := newHarness(t)
	h.detector.verdict = &classifier.Verdict{Worthy: false}

	queued, err := h.engine.RecordPotentialMemory(context.Background(), &types.ConversationMessage{
		UserID: "u1",
		Text:   "what time is it?",
	}, engine.MemoryHint{})
	require.NoError(t, err)
	assert.True(t, queued)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, h.store.count())
}

func TestForgetDeletesAndInvalidates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	entry, err := h.engine.Remember(ctx, &types.MemoryEntry{
		UserID:     "u1",
		Content:    "user is vegan",
		Category:   types.CategoryPreference,
		Importance: 0.8,
	})
	require.NoError(t, err)

	// Warm the snapshot, then delete.
	_, err = h.engine.UserMemories(ctx, "u1", "")
	require.NoError(t, err)

	require.NoError(t, h.engine.Forget(ctx, "u1", entry.ID))
	assert.Len(t, h.events.ofType("memory_deleted"), 1)

	// After the debounce quiet period the snapshot is evicted and the next
	// read sees the deletion.
	require.Eventually(t, func() bool {
		memories, err := h.engine.UserMemories(ctx, "u1", "")
		return err == nil && len(memories) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestForgetUnknownEntry(t *testing.T) {
	h := newHarness(t)

	err := h.engine.Forget(context.Background(), "u1", "no-such-id")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUserMemoriesFiltersAndSorts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	now := time.Now()
	older := now.Add(-time.Hour)
	seed := []types.MemoryEntry{
		{ID: "a", UserID: "u1", Content: "likes jazz", Category: types.CategoryPreference, Importance: 0.4, CreatedAt: now, LastAccessedAt: &now},
		{ID: "b", UserID: "u1", Content: "is vegan", Category: types.CategoryPreference, Importance: 0.9, CreatedAt: now},
		{ID: "c", UserID: "u1", Content: "works at Acme", Category: types.CategoryPersonalInfo, Importance: 0.4, CreatedAt: now, LastAccessedAt: &older},
	}
	for i := range seed {
		require.NoError(t, h.store.Insert(ctx, &seed[i]))
	}

	all, err := h.engine.UserMemories(ctx, "u1", "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "b", all[0].ID, "importance sorts first")
	assert.Equal(t, "a", all[1].ID, "ties break on last access, newest first")
	assert.Equal(t, "c", all[2].ID)

	prefs, err := h.engine.UserMemories(ctx, "u1", types.CategoryPreference)
	require.NoError(t, err)
	assert.Len(t, prefs, 2)

	_, err = h.engine.UserMemories(ctx, "u1", types.Category("mood"))
	assert.ErrorIs(t, err, types.ErrInvalidInput)
}

func TestUserOverviewCounts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.store.Insert(ctx, &types.MemoryEntry{
		ID: "a", UserID: "u1", Content: "is vegan",
		Category: types.CategoryPreference, Importance: 0.9,
		CreatedAt: time.Now(), Embedding: []float32{1, 0},
	}))
	require.NoError(t, h.store.Insert(ctx, &types.MemoryEntry{
		ID: "b", UserID: "u1", Content: "works at Acme",
		Category: types.CategoryPersonalInfo, Importance: 0.5, CreatedAt: time.Now(),
	}))

	overview, err := h.engine.UserOverview(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, overview.Total)
	assert.Equal(t, 1, overview.ByCategory[types.CategoryPreference])
	assert.Equal(t, 1, overview.ByCategory[types.CategoryPersonalInfo])
	assert.Equal(t, 1, overview.Embedded)
}
