package checkpoint

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// EventCache is the bounded set of recently forwarded event ids used by
// connectors whose ids are stable across polls. It round-trips through
// Context.CachedEvents.
type EventCache struct {
	lru *lru.Cache[string, struct{}]
}

// NewEventCache creates a cache holding at most size ids (MaxCachedEvents
// when size <= 0 or larger).
func NewEventCache(size int) *EventCache {
	if size <= 0 || size > MaxCachedEvents {
		size = MaxCachedEvents
	}
	c, _ := lru.New[string, struct{}](size) // only fails on size <= 0
	return &EventCache{lru: c}
}

// Seed loads ids, oldest first.
func (c *EventCache) Seed(ids []string) {
	for _, id := range ids {
		c.lru.Add(id, struct{}{})
	}
}

// Seen reports whether id was forwarded recently, without refreshing it.
func (c *EventCache) Seen(id string) bool {
	return c.lru.Contains(id)
}

// Add records id as forwarded.
func (c *EventCache) Add(id string) {
	c.lru.Add(id, struct{}{})
}

// Len returns the number of cached ids.
func (c *EventCache) Len() int { return c.lru.Len() }

// IDs returns the cached ids, oldest first, ready for Context.CachedEvents.
func (c *EventCache) IDs() []string {
	return c.lru.Keys()
}
