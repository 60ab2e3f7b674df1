// Package types defines the shared data model for the Recall memory layer.
// MemoryEntry is the atomic unit of personalization: a short factual or
// preference statement extracted from user interactions.
package types

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidInput indicates that input failed boundary validation.
// Invalid entries are rejected before they reach storage or the task queue.
var ErrInvalidInput = errors.New("invalid input")

// MaxContentLength is the maximum allowed length of memory content in characters.
const MaxContentLength = 500

// Category classifies what kind of statement a memory holds.
// It is a closed enumeration: values outside the four known categories
// are rejected at the boundary, never silently stored.
type Category string

const (
	CategoryPreference   Category = "preference"
	CategoryPersonalInfo Category = "personal_info"
	CategoryContext      Category = "context"
	CategoryInstruction  Category = "instruction"
)

// Categories lists all valid categories in a stable order.
func Categories() []Category {
	return []Category{CategoryPreference, CategoryPersonalInfo, CategoryContext, CategoryInstruction}
}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryPreference, CategoryPersonalInfo, CategoryContext, CategoryInstruction:
		return true
	}
	return false
}

// MemoryEntry represents a single stored fact or preference for a user.
type MemoryEntry struct {
	ID      string `json:"id"`      // Unique identifier
	UserID  string `json:"user_id"` // Owning user
	Content string `json:"content"` // Statement text (1-500 chars)

	Category   Category `json:"category"`           // Closed category enum
	Importance float64  `json:"importance"`         // Importance score (0.0-1.0)
	Keywords   []string `json:"keywords,omitempty"` // Ordered keyword list

	// Embedding is nil until background embedding generation completes.
	// When set, its length always equals the provider's dimensionality.
	Embedding []float32 `json:"embedding,omitempty"`

	CreatedAt      time.Time  `json:"created_at"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`
	AccessCount    int        `json:"access_count"`
}

// Validate checks the entry against the boundary contract.
// Errors wrap ErrInvalidInput so callers can reject with errors.Is.
func (m *MemoryEntry) Validate() error {
	if m.UserID == "" {
		return fmt.Errorf("%w: user ID is required", ErrInvalidInput)
	}

	content := strings.TrimSpace(m.Content)
	if content == "" {
		return fmt.Errorf("%w: content is required", ErrInvalidInput)
	}
	if len([]rune(m.Content)) > MaxContentLength {
		return fmt.Errorf("%w: content exceeds %d characters", ErrInvalidInput, MaxContentLength)
	}

	if !m.Category.Valid() {
		return fmt.Errorf("%w: unknown category %q", ErrInvalidInput, m.Category)
	}

	if m.Importance < 0.0 || m.Importance > 1.0 {
		return fmt.Errorf("%w: importance %.3f is outside [0.0, 1.0]", ErrInvalidInput, m.Importance)
	}

	if m.AccessCount < 0 {
		return fmt.Errorf("%w: access count must be >= 0", ErrInvalidInput)
	}

	return nil
}

// LastTouched returns the most recent access time, falling back to the
// creation time for entries that have never been re-accessed.
func (m *MemoryEntry) LastTouched() time.Time {
	if m.LastAccessedAt != nil {
		return *m.LastAccessedAt
	}
	return m.CreatedAt
}

// ConversationMessage is a row in the legacy message log the persistence
// layer keeps alongside memory rows. recordPotentialMemory appends the
// source message here before queueing detection.
type ConversationMessage struct {
	UserID         string    `json:"user_id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"created_at"`
}
