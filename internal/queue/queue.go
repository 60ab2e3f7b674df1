// Package queue provides the priority background-task queue that keeps
// classification, embedding generation, similarity precomputation, and
// access tracking off the synchronous retrieval path. Enqueue never blocks
// the caller; a drain loop on a fixed tick dispatches tasks to a bounded
// worker pool in priority order.
package queue

import (
	"container/heap"
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the type of background work a task performs.
type Kind string

const (
	// KindMemoryProcessing runs the memory-worthiness classifier on a
	// conversation message and creates an entry on a positive verdict.
	KindMemoryProcessing Kind = "memory_processing"

	// KindEmbeddingGeneration computes and stores the embedding for an
	// entry that lacks one.
	KindEmbeddingGeneration Kind = "embedding_generation"

	// KindSimilarityCalculation precomputes similarity scores for a new
	// or updated entry against the user's existing set.
	KindSimilarityCalculation Kind = "similarity_calculation"

	// KindAccessTracking bumps access stats for entries returned by a
	// retrieval, so the ranked list never waits on the write.
	KindAccessTracking Kind = "access_tracking"
)

// Task is one unit of background work. The queue owns a task from enqueue
// until completion or drop; tasks are never shared with each other.
type Task struct {
	ID        string
	Kind      Kind
	Payload   interface{}
	Priority  int // higher runs first
	CreatedAt time.Time
	Attempt   int

	seq   uint64 // insertion order, breaks priority ties
	index int    // heap bookkeeping
}

// Handler executes tasks of one kind. A returned error (or panic) is
// logged; the task is retried at most MaxRetries times, then dropped.
type Handler func(ctx context.Context, task *Task) error

// Config holds task queue tuning.
type Config struct {
	// Depth is the maximum number of queued tasks; Enqueue reports false
	// beyond it (explicit backpressure, never blocking).
	Depth int

	// Workers bounds concurrent task execution.
	Workers int

	// DrainInterval is the fixed tick between drain cycles.
	DrainInterval time.Duration

	// MaxRetries is the number of re-attempts for a failed task.
	// Background failures are bounded: silent infinite retry is forbidden.
	MaxRetries int

	// ShutdownWait is the maximum time to wait for in-flight tasks on Stop.
	ShutdownWait time.Duration
}

// DefaultConfig returns the queue tuning used in production.
func DefaultConfig() Config {
	return Config{
		Depth:         1000,
		Workers:       4,
		DrainInterval: time.Second,
		MaxRetries:    1,
		ShutdownWait:  30 * time.Second,
	}
}

// Validate checks the config.
func (c Config) Validate() error {
	if c.Depth < 1 {
		return fmt.Errorf("queue: Depth must be >= 1, got %d", c.Depth)
	}
	if c.Workers < 1 {
		return fmt.Errorf("queue: Workers must be >= 1, got %d", c.Workers)
	}
	if c.DrainInterval <= 0 {
		return fmt.Errorf("queue: DrainInterval must be positive, got %v", c.DrainInterval)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("queue: MaxRetries must be >= 0, got %d", c.MaxRetries)
	}
	return nil
}

// TaskQueue is a bounded priority queue with per-kind handlers.
type TaskQueue struct {
	cfg      Config
	handlers map[Kind]Handler

	mu      sync.Mutex
	pending taskHeap
	seq     uint64
	started bool

	cancel  context.CancelFunc
	workers chan struct{} // semaphore bounding concurrent execution
	wg      sync.WaitGroup
	done    chan struct{}
}

// New creates a task queue. Register handlers before Start.
func New(cfg Config) (*TaskQueue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &TaskQueue{
		cfg:      cfg,
		handlers: make(map[Kind]Handler),
		workers:  make(chan struct{}, cfg.Workers),
		done:     make(chan struct{}),
	}, nil
}

// Register installs the handler for a task kind. Must be called before Start.
func (q *TaskQueue) Register(kind Kind, handler Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = handler
}

// Enqueue adds a task and returns immediately. It reports false when the
// queue is at its depth limit. Tasks enqueued before Start are held and
// drained once the queue starts.
func (q *TaskQueue) Enqueue(task *Task) bool {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.pending.Len() >= q.cfg.Depth {
		log.Printf("queue: depth limit %d reached, dropping %s task %s",
			q.cfg.Depth, task.Kind, task.ID)
		return false
	}

	q.seq++
	task.seq = q.seq
	heap.Push(&q.pending, task)
	return true
}

// Len returns the number of queued (not yet dispatched) tasks.
func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

// Start launches the drain loop. The queue drains on a fixed tick until
// Stop is called or ctx is cancelled.
func (q *TaskQueue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return fmt.Errorf("queue: already started")
	}
	q.started = true
	q.mu.Unlock()

	ctx, q.cancel = context.WithCancel(ctx)

	go func() {
		defer close(q.done)
		ticker := time.NewTicker(q.cfg.DrainInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				q.drain(ctx)
			}
		}
	}()

	log.Printf("queue: started (workers=%d, tick=%v)", q.cfg.Workers, q.cfg.DrainInterval)
	return nil
}

// drain dispatches all currently queued tasks in priority order, blocking
// only on worker slots, never on callers of Enqueue.
func (q *TaskQueue) drain(ctx context.Context) {
	for {
		task := q.pop()
		if task == nil {
			return
		}

		select {
		case q.workers <- struct{}{}:
		case <-ctx.Done():
			return
		}

		q.wg.Add(1)
		go q.execute(ctx, task)
	}
}

// pop removes and returns the highest-priority task, or nil when empty.
func (q *TaskQueue) pop() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.pending.Len() == 0 {
		return nil
	}
	return heap.Pop(&q.pending).(*Task)
}

// execute runs one task through its handler. Failures and panics are
// logged; the task is requeued at most MaxRetries times, then dropped.
// No caller is waiting, so nothing propagates.
func (q *TaskQueue) execute(ctx context.Context, task *Task) {
	defer q.wg.Done()
	defer func() { <-q.workers }()

	defer func() {
		if r := recover(); r != nil {
			log.Printf("queue: %s task %s panicked: %v", task.Kind, task.ID, r)
			q.retry(task)
		}
	}()

	handler, ok := q.handlers[task.Kind]
	if !ok {
		log.Printf("queue: no handler for kind %s, dropping task %s", task.Kind, task.ID)
		return
	}

	if err := handler(ctx, task); err != nil {
		log.Printf("queue: %s task %s failed (attempt %d): %v", task.Kind, task.ID, task.Attempt, err)
		q.retry(task)
	}
}

// retry requeues a failed task unless its retry budget is spent.
func (q *TaskQueue) retry(task *Task) {
	if task.Attempt >= q.cfg.MaxRetries {
		log.Printf("queue: dropping %s task %s after %d attempts", task.Kind, task.ID, task.Attempt+1)
		return
	}
	task.Attempt++
	if !q.Enqueue(task) {
		log.Printf("queue: failed to requeue %s task %s", task.Kind, task.ID)
	}
}

// Stop halts the drain loop and waits for in-flight tasks up to
// ShutdownWait. Tasks still queued afterwards are dropped.
func (q *TaskQueue) Stop() {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	q.started = false
	q.mu.Unlock()

	q.cancel()
	<-q.done

	finished := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(q.cfg.ShutdownWait):
		log.Printf("queue: shutdown timeout, %d queued tasks dropped", q.Len())
	}
}

// taskHeap orders tasks by priority descending, then insertion order
// ascending so equal priorities run first-in first-out.
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x interface{}) {
	task := x.(*Task)
	task.index = len(*h)
	*h = append(*h, task)
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	task := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return task
}
