// Package admission gates every paid provider call behind rate windows
// and daily cost ceilings.
package admission

import (
	"context"
	"sync"
	"time"
)

// Counter is a fixed-window counter keyed by subject+window. The in-memory
// implementation is per-process: behind a load balancer the effective
// ceiling is instances x configured limit. The Redis implementation
// centralizes counts and closes that gap.
type Counter interface {
	// Incr consumes one point from the window identified by key and
	// returns the new count and the time until the window resets.
	Incr(ctx context.Context, key string, window time.Duration) (count int64, resetIn time.Duration, err error)
}

// MemoryCounter is a process-local Counter backed by a map with expiry.
type MemoryCounter struct {
	mu      sync.Mutex
	entries map[string]*counterEntry
	now     func() time.Time

	lastPrune time.Time
}

type counterEntry struct {
	count   int64
	resetAt time.Time
}

// NewMemoryCounter creates an empty in-memory counter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{
		entries: make(map[string]*counterEntry),
		now:     time.Now,
	}
}

const pruneInterval = time.Minute

func (c *MemoryCounter) Incr(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.pruneLocked(now)

	e, ok := c.entries[key]
	if !ok || !e.resetAt.After(now) {
		e = &counterEntry{resetAt: now.Add(window)}
		c.entries[key] = e
	}

	e.count++
	return e.count, e.resetAt.Sub(now), nil
}

func (c *MemoryCounter) pruneLocked(now time.Time) {
	if now.Sub(c.lastPrune) < pruneInterval {
		return
	}
	c.lastPrune = now
	for key, e := range c.entries {
		if !e.resetAt.After(now) {
			delete(c.entries, key)
		}
	}
}
