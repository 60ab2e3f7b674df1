package cache

import (
	"sync"
	"time"

	"github.com/recallhq/recall/pkg/types"
)

// SnapshotCache holds at most one TTL-bounded snapshot of each user's full
// memory set. A snapshot is either fully valid or absent; it is replaced
// wholesale, never patched, so readers can never observe a partial one.
// An empty memory set is a valid snapshot: "user has no memories" is
// cacheable knowledge, distinct from "not loaded yet".
type SnapshotCache struct {
	mu        sync.RWMutex
	ttl       time.Duration
	snapshots map[string]userSnapshot
}

type userSnapshot struct {
	entries   []types.MemoryEntry
	expiresAt time.Time
}

// NewSnapshotCache creates a snapshot cache with the given TTL.
func NewSnapshotCache(ttl time.Duration) *SnapshotCache {
	return &SnapshotCache{
		ttl:       ttl,
		snapshots: make(map[string]userSnapshot),
	}
}

// Get returns the live snapshot for userID. The returned slice is shared,
// immutable data: callers filter and sort over copies, never in place.
func (c *SnapshotCache) Get(userID string) ([]types.MemoryEntry, bool) {
	c.mu.RLock()
	snap, ok := c.snapshots[userID]
	c.mu.RUnlock()

	if !ok || time.Now().After(snap.expiresAt) {
		return nil, false
	}
	return snap.entries, true
}

// Set replaces the snapshot for userID with the given entries.
func (c *SnapshotCache) Set(userID string, entries []types.MemoryEntry) {
	snap := userSnapshot{
		entries:   entries,
		expiresAt: time.Now().Add(c.ttl),
	}

	c.mu.Lock()
	c.snapshots[userID] = snap
	c.mu.Unlock()
}

// Invalidate evicts the snapshot for userID. The next Get misses and the
// caller lazily reloads from the store.
func (c *SnapshotCache) Invalidate(userID string) {
	c.mu.Lock()
	delete(c.snapshots, userID)
	c.mu.Unlock()
}

// Len returns the number of stored snapshots, including any that have
// expired but not yet been replaced.
func (c *SnapshotCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.snapshots)
}
