package adapter

import "sync"

// ValueCache remembers the last normalized value per control id and
// decides whether a new value is a change worth emitting.
type ValueCache struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewValueCache creates an empty cache.
func NewValueCache() *ValueCache {
	return &ValueCache{values: make(map[string]any)}
}

// Store records v for id unconditionally and reports whether it differs
// from the previously cached value. The first value for an id is a change.
func (c *ValueCache) Store(id string, v any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev, ok := c.values[id]
	c.values[id] = v
	return !ok || prev != v
}

// Get returns the cached value for id.
func (c *ValueCache) Get(id string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[id]
	return v, ok
}

// Retain drops every entry whose id is not in keep.
func (c *ValueCache) Retain(keep map[string]struct{}) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for id := range c.values {
		if _, ok := keep[id]; !ok {
			delete(c.values, id)
			removed++
		}
	}
	return removed
}

// Snapshot returns a copy of the cache.
func (c *ValueCache) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]any, len(c.values))
	for id, v := range c.values {
		out[id] = v
	}
	return out
}

// Len returns the number of cached ids.
func (c *ValueCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.values)
}
