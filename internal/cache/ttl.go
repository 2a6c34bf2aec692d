// Package cache provides the small in-process caches shared by the
// enrichment workers. Writes are single-entry updates with last-writer-wins
// semantics; no lock is held across a fetch.
package cache

import (
	"sync"
	"time"
)

// TTLCache is a bounded map cache whose entries expire after a fixed TTL.
// A zero TTL disables expiry (entries live until evicted by capacity).
type TTLCache[K comparable, V any] struct {
	entries map[K]*entry[V]
	mu      sync.RWMutex
	maxSize int
	ttl     time.Duration
}

type entry[V any] struct {
	value    V
	storedAt time.Time
}

// NewTTL creates a cache holding at most maxSize entries with the given TTL.
func NewTTL[K comparable, V any](maxSize int, ttl time.Duration) *TTLCache[K, V] {
	return &TTLCache[K, V]{
		entries: make(map[K]*entry[V]),
		maxSize: maxSize,
		ttl:     ttl,
	}
}

// Get returns the cached value and its age. Entries older than the TTL are
// treated as a miss.
func (c *TTLCache[K, V]) Get(key K) (V, time.Duration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var zero V
	e, exists := c.entries[key]
	if !exists {
		return zero, 0, false
	}

	age := time.Since(e.storedAt)
	if c.ttl > 0 && age > c.ttl {
		return zero, 0, false
	}

	return e.value, age, true
}

// Set stores a value, overwriting any existing entry for the key.
func (c *TTLCache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Simple eviction: remove an arbitrary entry if at capacity.
	if len(c.entries) >= c.maxSize {
		for k := range c.entries {
			delete(c.entries, k)
			break
		}
	}

	c.entries[key] = &entry[V]{
		value:    value,
		storedAt: time.Now(),
	}
}

// Size returns the current number of entries, expired ones included.
func (c *TTLCache[K, V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Clear removes all entries.
func (c *TTLCache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[K]*entry[V])
}
