package upstream

import (
	"sync"
	"time"
)

type ttlEntry[V any] struct {
	value    V
	storedAt time.Time
	ttl      time.Duration
}

// TTLCache is a small keyed cache with per-entry absolute expiry.
// Params: time source passed as now func.
// Returns: concurrency-safe cache.
type TTLCache[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]ttlEntry[V]
	now     func() time.Time
}

// NewTTLCache creates empty cache.
// Params: now func used for expiry checks.
// Returns: initialized cache.
func NewTTLCache[K comparable, V any](now func() time.Time) *TTLCache[K, V] {
	if now == nil {
		now = time.Now
	}
	return &TTLCache[K, V]{entries: make(map[K]ttlEntry[V]), now: now}
}

// Get returns fresh value for key.
// Params: cache key.
// Returns: value and true while entry age is below its ttl.
func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || c.now().Sub(entry.storedAt) >= entry.ttl {
		var zero V
		return zero, false
	}
	return entry.value, true
}

// Set stores value with ttl.
// Params: key, value, and ttl (non-positive ttl removes entry).
// Returns: none.
func (c *TTLCache[K, V]) Set(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ttl <= 0 {
		delete(c.entries, key)
		return
	}
	c.entries[key] = ttlEntry[V]{value: value, storedAt: c.now(), ttl: ttl}
}

// Delete removes key.
func (c *TTLCache[K, V]) Delete(key K) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Prune drops expired entries.
// Params: none.
// Returns: number of removed entries.
func (c *TTLCache[K, V]) Prune() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, entry := range c.entries {
		if now.Sub(entry.storedAt) >= entry.ttl {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}
