// Package engine orchestrates the recall pipeline: it owns the caches, the
// background task queue, and the debounced invalidator, and exposes the
// synchronous retrieval and memory lifecycle operations the web layer calls.
//
// The split is strict: anything with unbounded latency (classification,
// embedding generation, similarity precomputation, access-tracking writes)
// runs through the queue; the synchronous path only touches caches and the
// store's read side.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/recallhq/recall/internal/cache"
	"github.com/recallhq/recall/internal/classifier"
	"github.com/recallhq/recall/internal/config"
	"github.com/recallhq/recall/internal/queue"
	"github.com/recallhq/recall/internal/storage"
	"github.com/recallhq/recall/pkg/types"
)

// Task priorities. Embedding work runs first because retrieval quality
// depends on it; access tracking is pure bookkeeping and runs last.
const (
	priorityEmbedding  = 8
	priorityProcessing = 6
	prioritySimilarity = 4
	priorityAccess     = 2
)

// Event describes a memory lifecycle change, published to subscribers
// (the WebSocket hub) after the change is durable.
type Event struct {
	Type     string             `json:"type"` // memory_created, memory_embedded, memory_deleted
	UserID   string             `json:"user_id"`
	MemoryID string             `json:"memory_id"`
	Entry    *types.MemoryEntry `json:"entry,omitempty"`
	At       time.Time          `json:"at"`
}

// EventSink receives lifecycle events. Publish must not block.
type EventSink interface {
	Publish(event Event)
}

// Deps carries the collaborators an Engine is wired with.
type Deps struct {
	Store        storage.Store
	Classifier   classifier.Classifier
	Embeddings   *cache.EmbeddingCache
	Similarities *cache.SimilarityCache
	Snapshots    *cache.SnapshotCache
	Tasks        *queue.TaskQueue
	Retrieval    config.RetrievalConfig
	// DebounceQuiet is the invalidation quiet period.
	DebounceQuiet time.Duration
	// Events is optional; nil disables event publication.
	Events EventSink
}

// Engine is the contextual memory retrieval and caching engine.
type Engine struct {
	store        storage.Store
	detector     classifier.Classifier
	embeddings   *cache.EmbeddingCache
	similarities *cache.SimilarityCache
	snapshots    *cache.SnapshotCache
	invalidator  *cache.Invalidator
	tasks        *queue.TaskQueue
	retrieval    config.RetrievalConfig
	events       EventSink
}

// MemoryHint carries optional caller-supplied overrides for detection:
// explicit "remember this" triggers often know the category or importance
// better than the classifier does. Zero values mean "no hint".
type MemoryHint struct {
	Category   types.Category
	Importance float64
}

// Task payloads. Tasks run in-process, so payloads are typed structs
// rather than serialized blobs.
type processJob struct {
	Message *types.ConversationMessage
	Hint    MemoryHint
}

type embedJob struct {
	EntryID string
	UserID  string
	Text    string
}

type similarityJob struct {
	UserID  string
	EntryID string
}

type accessJob struct {
	UserID string
	IDs    []string
}

// New wires an engine and registers its task handlers on the queue.
// Call Start to begin background processing.
func New(deps Deps) (*Engine, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("engine: store is required")
	}
	if deps.Classifier == nil {
		return nil, fmt.Errorf("engine: classifier is required")
	}
	if deps.Embeddings == nil || deps.Similarities == nil || deps.Snapshots == nil {
		return nil, fmt.Errorf("engine: all three caches are required")
	}
	if deps.Tasks == nil {
		return nil, fmt.Errorf("engine: task queue is required")
	}
	if deps.DebounceQuiet <= 0 {
		return nil, fmt.Errorf("engine: debounce quiet period must be positive")
	}

	e := &Engine{
		store:        deps.Store,
		detector:     deps.Classifier,
		embeddings:   deps.Embeddings,
		similarities: deps.Similarities,
		snapshots:    deps.Snapshots,
		tasks:        deps.Tasks,
		retrieval:    deps.Retrieval,
		events:       deps.Events,
	}
	e.invalidator = cache.NewInvalidator(deps.DebounceQuiet, e.snapshots.Invalidate)

	e.tasks.Register(queue.KindMemoryProcessing, e.handleMemoryProcessing)
	e.tasks.Register(queue.KindEmbeddingGeneration, e.handleEmbeddingGeneration)
	e.tasks.Register(queue.KindSimilarityCalculation, e.handleSimilarityCalculation)
	e.tasks.Register(queue.KindAccessTracking, e.handleAccessTracking)

	return e, nil
}

// Start launches background processing.
func (e *Engine) Start(ctx context.Context) error {
	return e.tasks.Start(ctx)
}

// Shutdown stops background processing and cancels pending invalidations.
// In-flight tasks are drained within the queue's shutdown budget.
func (e *Engine) Shutdown() {
	e.tasks.Stop()
	e.invalidator.Stop()
}

// RecordPotentialMemory logs a conversation message and queues it for
// memory-worthiness classification. It returns immediately; queued reports
// whether the message made it into the queue (false under backpressure).
// The hint, when set, overrides the classifier's category or importance on
// a positive verdict.
func (e *Engine) RecordPotentialMemory(ctx context.Context, msg *types.ConversationMessage, hint MemoryHint) (queued bool, err error) {
	if msg == nil || msg.UserID == "" || msg.Text == "" {
		return false, fmt.Errorf("%w: user ID and text are required", types.ErrInvalidInput)
	}
	if hint.Category != "" && !hint.Category.Valid() {
		return false, fmt.Errorf("%w: unknown category %q", types.ErrInvalidInput, hint.Category)
	}
	if hint.Importance < 0 || hint.Importance > 1 {
		return false, fmt.Errorf("%w: importance %.3f is outside [0.0, 1.0]", types.ErrInvalidInput, hint.Importance)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	// The raw log is an audit trail, not a dependency of classification.
	// A log failure must not lose the detection.
	if err := e.store.AppendMessage(ctx, msg); err != nil {
		log.Printf("engine: failed to log message for user %s: %v", msg.UserID, err)
	}

	queued = e.tasks.Enqueue(&queue.Task{
		Kind:     queue.KindMemoryProcessing,
		Priority: priorityProcessing,
		Payload:  processJob{Message: msg, Hint: hint},
	})
	return queued, nil
}

// Remember creates a memory entry immediately on explicit user request.
// The embedding is computed in the background; until it lands, retrieval
// ranks the entry on importance and recency alone.
func (e *Engine) Remember(ctx context.Context, entry *types.MemoryEntry) (*types.MemoryEntry, error) {
	if entry == nil {
		return nil, fmt.Errorf("%w: nil entry", types.ErrInvalidInput)
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	if err := entry.Validate(); err != nil {
		return nil, err
	}

	if err := e.store.Insert(ctx, entry); err != nil {
		return nil, fmt.Errorf("engine: failed to store entry: %w", err)
	}

	e.afterWrite(entry)
	return entry, nil
}

// Forget deletes a memory entry on explicit user request.
func (e *Engine) Forget(ctx context.Context, userID, id string) error {
	if userID == "" || id == "" {
		return fmt.Errorf("%w: user ID and entry ID are required", types.ErrInvalidInput)
	}

	if err := e.store.Delete(ctx, userID, id); err != nil {
		return err
	}

	e.invalidator.Schedule(userID)
	e.publish(Event{Type: "memory_deleted", UserID: userID, MemoryID: id, At: time.Now()})
	return nil
}

// UserMemories returns a user's memories filtered by category (empty means
// all), sorted by importance descending then last access descending. The
// view is computed fresh over the shared snapshot; the snapshot itself is
// never mutated.
func (e *Engine) UserMemories(ctx context.Context, userID string, category types.Category) ([]types.MemoryEntry, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user ID is required", types.ErrInvalidInput)
	}
	if category != "" && !category.Valid() {
		return nil, fmt.Errorf("%w: unknown category %q", types.ErrInvalidInput, category)
	}

	entries, err := e.loadSnapshot(ctx, userID)
	if err != nil {
		return nil, err
	}

	view := make([]types.MemoryEntry, 0, len(entries))
	for _, entry := range entries {
		if category == "" || entry.Category == category {
			view = append(view, entry)
		}
	}
	sort.SliceStable(view, func(i, j int) bool {
		if view[i].Importance != view[j].Importance {
			return view[i].Importance > view[j].Importance
		}
		return view[i].LastTouched().After(view[j].LastTouched())
	})
	return view, nil
}

// Overview summarises a user's memory set.
type Overview struct {
	Total      int                    `json:"total"`
	ByCategory map[types.Category]int `json:"by_category"`
	Embedded   int                    `json:"embedded"`
}

// UserOverview reports entry counts per category and how many entries
// already carry an embedding.
func (e *Engine) UserOverview(ctx context.Context, userID string) (*Overview, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user ID is required", types.ErrInvalidInput)
	}

	counts, err := e.store.CountByCategory(ctx, userID)
	if err != nil {
		return nil, err
	}

	entries, err := e.loadSnapshot(ctx, userID)
	if err != nil {
		return nil, err
	}

	overview := &Overview{ByCategory: counts}
	for _, n := range counts {
		overview.Total += n
	}
	for _, entry := range entries {
		if len(entry.Embedding) > 0 {
			overview.Embedded++
		}
	}
	return overview, nil
}

// loadSnapshot returns the user's memory set, cache-first. A miss loads
// the full set from the store and caches it; an empty set is cached too,
// so new users do not hammer the store.
func (e *Engine) loadSnapshot(ctx context.Context, userID string) ([]types.MemoryEntry, error) {
	if entries, ok := e.snapshots.Get(userID); ok {
		return entries, nil
	}

	entries, err := e.store.LoadAll(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("engine: failed to load memories for user %s: %w", userID, err)
	}
	e.snapshots.Set(userID, entries)
	return entries, nil
}

// afterWrite runs the shared post-insert steps: queue embedding work,
// schedule invalidation, and announce the entry.
func (e *Engine) afterWrite(entry *types.MemoryEntry) {
	e.tasks.Enqueue(&queue.Task{
		Kind:     queue.KindEmbeddingGeneration,
		Priority: priorityEmbedding,
		Payload:  embedJob{EntryID: entry.ID, UserID: entry.UserID, Text: entry.Content},
	})
	e.invalidator.Schedule(entry.UserID)
	e.publish(Event{
		Type:     "memory_created",
		UserID:   entry.UserID,
		MemoryID: entry.ID,
		Entry:    entry,
		At:       time.Now(),
	})
}

func (e *Engine) publish(event Event) {
	if e.events != nil {
		e.events.Publish(event)
	}
}

// handleMemoryProcessing runs the classifier on a logged message and
// creates an entry on a positive verdict.
func (e *Engine) handleMemoryProcessing(ctx context.Context, task *queue.Task) error {
	job, ok := task.Payload.(processJob)
	if !ok {
		return fmt.Errorf("engine: unexpected payload %T for memory processing", task.Payload)
	}
	msg := job.Message

	verdict, err := e.detector.Classify(ctx, msg.Text)
	if err != nil {
		return fmt.Errorf("engine: classification failed for user %s: %w", msg.UserID, err)
	}
	if !verdict.Worthy {
		return nil
	}

	category := verdict.Category
	if job.Hint.Category != "" {
		category = job.Hint.Category
	}
	importance := verdict.Importance
	if job.Hint.Importance > 0 {
		importance = job.Hint.Importance
	}

	entry := &types.MemoryEntry{
		ID:         uuid.NewString(),
		UserID:     msg.UserID,
		Content:    verdict.Statement,
		Category:   category,
		Importance: importance,
		Keywords:   verdict.Keywords,
		CreatedAt:  time.Now(),
	}
	if err := entry.Validate(); err != nil {
		return fmt.Errorf("engine: classifier produced invalid entry: %w", err)
	}

	if err := e.store.Insert(ctx, entry); err != nil {
		return fmt.Errorf("engine: failed to store detected entry: %w", err)
	}

	log.Printf("engine: detected %s memory for user %s (importance %.2f)",
		entry.Category, entry.UserID, entry.Importance)
	e.afterWrite(entry)
	return nil
}

// handleEmbeddingGeneration computes and persists the embedding for an
// entry that lacks one, then queues similarity precomputation.
func (e *Engine) handleEmbeddingGeneration(ctx context.Context, task *queue.Task) error {
	job, ok := task.Payload.(embedJob)
	if !ok {
		return fmt.Errorf("engine: unexpected payload %T for embedding generation", task.Payload)
	}

	vec, err := e.embeddings.Get(ctx, job.Text)
	if err != nil {
		return fmt.Errorf("engine: embedding failed for entry %s: %w", job.EntryID, err)
	}

	if err := e.store.UpdateEmbedding(ctx, job.EntryID, vec); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Deleted while queued. Nothing to embed anymore.
			return nil
		}
		return fmt.Errorf("engine: failed to persist embedding for entry %s: %w", job.EntryID, err)
	}

	e.tasks.Enqueue(&queue.Task{
		Kind:     queue.KindSimilarityCalculation,
		Priority: prioritySimilarity,
		Payload:  similarityJob{UserID: job.UserID, EntryID: job.EntryID},
	})
	e.invalidator.Schedule(job.UserID)
	e.publish(Event{Type: "memory_embedded", UserID: job.UserID, MemoryID: job.EntryID, At: time.Now()})
	return nil
}

// handleSimilarityCalculation warms the similarity cache for a newly
// embedded entry against the user's existing set. Purely an optimization;
// retrieval computes any missing pair on demand.
func (e *Engine) handleSimilarityCalculation(ctx context.Context, task *queue.Task) error {
	job, ok := task.Payload.(similarityJob)
	if !ok {
		return fmt.Errorf("engine: unexpected payload %T for similarity calculation", task.Payload)
	}

	entries, err := e.store.LoadAll(ctx, job.UserID)
	if err != nil {
		return fmt.Errorf("engine: failed to load memories for similarity warmup: %w", err)
	}

	var target []float32
	for _, entry := range entries {
		if entry.ID == job.EntryID {
			target = entry.Embedding
			break
		}
	}
	if len(target) == 0 {
		return nil
	}

	for _, entry := range entries {
		if entry.ID == job.EntryID || len(entry.Embedding) == 0 {
			continue
		}
		e.similarities.Score(target, entry.Embedding)
	}
	return nil
}

// handleAccessTracking bumps access stats for entries returned by a
// retrieval. The cached snapshot keeps its pre-bump stats until its TTL
// expires; recency staleness of that order is accepted.
func (e *Engine) handleAccessTracking(ctx context.Context, task *queue.Task) error {
	job, ok := task.Payload.(accessJob)
	if !ok {
		return fmt.Errorf("engine: unexpected payload %T for access tracking", task.Payload)
	}

	if err := e.store.UpdateAccessStats(ctx, job.IDs, time.Now()); err != nil {
		return fmt.Errorf("engine: failed to update access stats for user %s: %w", job.UserID, err)
	}
	return nil
}
