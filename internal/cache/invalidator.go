package cache

import (
	"sync"
	"time"
)

// Invalidator coalesces bursts of invalidation requests per user into a
// single delayed eviction. Memory writes often arrive in bursts (several
// detections from one long message); evicting once per burst avoids
// snapshot thrashing while guaranteeing that any read after the quiet
// period sees fresh data.
//
// It keeps an explicit timer-handle table: scheduling for a user that
// already has a pending timer cancels and reschedules it, never spawning
// a second timer for the same user.
type Invalidator struct {
	mu      sync.Mutex
	quiet   time.Duration
	evict   func(userID string)
	timers  map[string]*time.Timer
	stopped bool
}

// NewInvalidator creates an invalidator that calls evict(userID) once per
// burst, after quiet has elapsed with no further Schedule calls for that user.
func NewInvalidator(quiet time.Duration, evict func(userID string)) *Invalidator {
	return &Invalidator{
		quiet:  quiet,
		evict:  evict,
		timers: make(map[string]*time.Timer),
	}
}

// Schedule requests invalidation for userID, resetting the quiet period
// if one is already pending.
func (inv *Invalidator) Schedule(userID string) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if inv.stopped {
		return
	}

	if prev, ok := inv.timers[userID]; ok {
		prev.Stop()
	}

	var t *time.Timer
	t = time.AfterFunc(inv.quiet, func() {
		inv.mu.Lock()
		// A Stop can lose the race with an already-fired timer; only the
		// timer still registered in the table may evict.
		if inv.stopped || inv.timers[userID] != t {
			inv.mu.Unlock()
			return
		}
		delete(inv.timers, userID)
		inv.mu.Unlock()

		inv.evict(userID)
	})
	inv.timers[userID] = t
}

// Pending returns the number of users with an invalidation timer pending.
func (inv *Invalidator) Pending() int {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return len(inv.timers)
}

// Stop cancels all pending timers. Scheduled evictions that have not yet
// fired are dropped; Schedule becomes a no-op afterwards.
func (inv *Invalidator) Stop() {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	inv.stopped = true
	for userID, t := range inv.timers {
		t.Stop()
		delete(inv.timers, userID)
	}
}
