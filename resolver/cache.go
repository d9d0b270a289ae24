package resolver

import (
	"container/list"
	"sync"
	"time"
)

// cacheEntry is one cached answer, positive or negative, for a
// (qtype, name) key.
type cacheEntry struct {
	key       string
	records   []string
	negative  bool
	expiresAt time.Time
}

// lruCache is a fixed-capacity, TTL-aware cache of DNS answers: a plain
// map for lookups plus a doubly-linked list for LRU eviction order,
// matching the teacher's own map-based caches in domain/cache.go but
// bounded, since a resolver cache can't grow with every domain it's
// ever asked about.
type lruCache struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*list.Element
	order    *list.List
}

func newLRUCache(capacity int) *lruCache {
	return &lruCache{
		capacity: capacity,
		items:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

func (c *lruCache) get(key string) (*cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*cacheEntry)
	if time.Now().After(entry.expiresAt) {
		c.order.Remove(el)
		delete(c.items, key)
		return nil, false
	}
	c.order.MoveToFront(el)
	return entry, true
}

func (c *lruCache) set(entry *cacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[entry.key]; ok {
		el.Value = entry
		c.order.MoveToFront(el)
		return
	}

	el := c.order.PushFront(entry)
	c.items[entry.key] = el

	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).key)
	}
}
