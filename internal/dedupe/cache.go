// ABOUTME: Two-generation in-memory cache of recently completed event IDs
// ABOUTME: Lets consumers skip redeliveries without a store round trip; receipts stay authoritative

package dedupe

import (
	"sync"
	"time"
)

// Cache remembers event IDs whose processing recently completed so a
// consumer can drop an obvious redelivery before touching the store. It is
// a fast path only: a miss here proves nothing, and the receipt table
// remains the source of truth.
//
// Entries live in two generations. New marks go into the current
// generation; when it fills up or its window elapses, it becomes the
// previous generation and the oldest entries are forgotten wholesale.
// This bounds memory without tracking per-entry order.
type Cache struct {
	mu        sync.Mutex
	current   map[string]struct{}
	previous  map[string]struct{}
	rotatedAt time.Time
	window    time.Duration
	maxSize   int
}

// New creates a cache. Entries are remembered for at least window and at
// most twice that. maxSize caps each generation.
func New(window time.Duration, maxSize int) *Cache {
	return &Cache{
		current:   make(map[string]struct{}),
		previous:  make(map[string]struct{}),
		rotatedAt: time.Now(),
		window:    window,
		maxSize:   maxSize,
	}
}

// Seen reports whether the event ID completed recently.
func (c *Cache) Seen(eventID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.maybeRotate()
	if _, ok := c.current[eventID]; ok {
		return true
	}
	_, ok := c.previous[eventID]
	return ok
}

// MarkCompleted records that processing for the event ID finished.
func (c *Cache) MarkCompleted(eventID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.maybeRotate()
	c.current[eventID] = struct{}{}
}

// maybeRotate ages out the previous generation when the current one is
// full or stale. Must be called with mu held.
func (c *Cache) maybeRotate() {
	if len(c.current) < c.maxSize && time.Since(c.rotatedAt) < c.window {
		return
	}
	c.previous = c.current
	c.current = make(map[string]struct{})
	c.rotatedAt = time.Now()
}

// Len returns the number of live entries across both generations.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.current) + len(c.previous)
}
