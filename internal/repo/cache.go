package repo

import "sync"

// MergePolicy decides how a freshly loaded or written entity combines with
// the cached copy. Policies are injected per entity type; the cache itself
// never invents merge semantics.
type MergePolicy[T any] func(old, fresh T) T

// Replace discards the cached copy.
func Replace[T any](_, fresh T) T { return fresh }

// Cache is a keyed read-through cache owned by the repo. It is not a
// module-level singleton; each Repo carries its own instances.
type Cache[T any] struct {
	mu      sync.RWMutex
	entries map[string]T
	merge   MergePolicy[T]
}

func NewCache[T any](merge MergePolicy[T]) *Cache[T] {
	if merge == nil {
		merge = Replace[T]
	}
	return &Cache[T]{entries: make(map[string]T), merge: merge}
}

func (c *Cache[T]) Get(id string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.entries[id]
	return v, ok
}

// Put stores v, applying the merge policy against any cached copy.
func (c *Cache[T]) Put(id string, v T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.entries[id]; ok {
		v = c.merge(old, v)
	}
	c.entries[id] = v
}

func (c *Cache[T]) Invalidate(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}
