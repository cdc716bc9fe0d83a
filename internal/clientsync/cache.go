// Package clientsync reconciles cached read views against the changefeed.
// Views are invalidated wholesale on any touching event and reloaded from
// the store, never field-patched, so server-computed aggregates such as
// peak_viewers and active counts cannot drift.
package clientsync

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// ViewCache is a keyed view cache with a per-key generation counter. An
// invalidation bumps the generation; a load that started before the bump
// carries the old generation and is discarded on store, so stale in-flight
// reads never overwrite a fresher invalidation.
type ViewCache struct {
	mu      sync.RWMutex
	entries map[string]*viewEntry
	group   singleflight.Group
}

type viewEntry struct {
	generation uint64
	value      any
	loaded     bool
}

// NewViewCache creates an empty view cache.
func NewViewCache() *ViewCache {
	return &ViewCache{entries: make(map[string]*viewEntry)}
}

// Generation returns the current generation for a key.
func (c *ViewCache) Generation(key string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e, ok := c.entries[key]; ok {
		return e.generation
	}
	return 0
}

// Get returns the cached view for a key, if one is loaded.
func (c *ViewCache) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || !e.loaded {
		return nil, false
	}
	return e.value, true
}

// Store installs a value loaded at the given generation. It reports false
// and keeps the cache untouched when the key was invalidated after the
// load began.
func (c *ViewCache) Store(key string, generation uint64, value any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		if generation != 0 {
			return false
		}
		e = &viewEntry{}
		c.entries[key] = e
	}
	if e.generation != generation {
		return false
	}
	e.value = value
	e.loaded = true
	return true
}

// Invalidate drops a key's view and bumps its generation.
func (c *ViewCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		e = &viewEntry{}
		c.entries[key] = e
	}
	e.generation++
	e.value = nil
	e.loaded = false
}

// InvalidateAll drops every view, used after a changefeed gap when missed
// events cannot be replayed.
func (c *ViewCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		e.generation++
		e.value = nil
		e.loaded = false
	}
}

// GetOrLoad returns the cached view or loads it, deduplicating concurrent
// loads per key. A load racing an invalidation returns the loaded value to
// its caller but is not cached.
func (c *ViewCache) GetOrLoad(ctx context.Context, key string, load func(context.Context) (any, error)) (any, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		generation := c.Generation(key)
		v, err := load(ctx)
		if err != nil {
			return nil, err
		}
		c.Store(key, generation, v)
		return v, nil
	})
	return v, err
}
