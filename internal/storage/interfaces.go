// Package storage defines the persistence interfaces for the recall engine.
//
// The interfaces are small and backend-agnostic: the engine only ever loads
// a user's full memory set, appends rows, and patches columns. Ranking and
// similarity live above this layer, so backends stay simple row stores.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/recallhq/recall/pkg/types"
)

var (
	// ErrNotFound indicates that the requested entry does not exist.
	ErrNotFound = errors.New("entry not found")

	// ErrUnavailable indicates that the backend cannot be reached.
	ErrUnavailable = errors.New("storage unavailable")
)

// MemoryStore provides the durable system of record for memory entries.
// Caches above this layer are rebuildable projections of it.
type MemoryStore interface {
	// Insert persists a new memory entry. The entry must already carry an ID.
	Insert(ctx context.Context, entry *types.MemoryEntry) error

	// LoadAll returns every memory entry for a user. An unknown user yields
	// an empty slice, not an error.
	LoadAll(ctx context.Context, userID string) ([]types.MemoryEntry, error)

	// UpdateEmbedding attaches a computed embedding to an existing entry.
	// Returns ErrNotFound if the entry no longer exists.
	UpdateEmbedding(ctx context.Context, id string, embedding []float32) error

	// UpdateAccessStats bumps last_accessed_at and access_count for the
	// given entry IDs. IDs that no longer exist are skipped silently.
	UpdateAccessStats(ctx context.Context, ids []string, accessedAt time.Time) error

	// Delete removes an entry owned by the given user.
	// Returns ErrNotFound if no such entry exists for that user.
	Delete(ctx context.Context, userID, id string) error

	// CountByCategory returns per-category entry counts for a user.
	CountByCategory(ctx context.Context, userID string) (map[types.Category]int, error)

	// Close releases any resources held by the store.
	Close() error
}

// MessageLog records raw conversation messages for audit and reprocessing.
type MessageLog interface {
	// AppendMessage appends one conversation message to the log.
	AppendMessage(ctx context.Context, msg *types.ConversationMessage) error
}

// Store is the full persistence surface the engine wires against.
type Store interface {
	MemoryStore
	MessageLog
}
