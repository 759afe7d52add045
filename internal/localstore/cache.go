package localstore

import (
	"container/list"
	"sync"
	"time"
)

// indexCacheCapacity bounds the number of mailboxes whose reduced index
// is held in memory. Eviction never touches disk; an evicted mailbox is
// transparently reloadable.
const indexCacheCapacity = 30

type cacheEntry struct {
	key     string
	reduced map[string]IndexEntry
	// modTime is the index log's modification time at reduction time.
	// The entry is only served while the on-disk time still matches.
	modTime time.Time
}

// indexCache is an LRU cache of reduced mailbox indexes. Staleness is
// detected, not assumed: concurrent writers may land between a read and
// its use, so every lookup revalidates against the log's current mtime.
type indexCache struct {
	mu      sync.Mutex
	order   *list.List // front = most recently used
	entries map[string]*list.Element
	// evictions is observed by tests; real eviction counting goes
	// through metrics.
	onEvict func(key string)
}

func newIndexCache() *indexCache {
	return &indexCache{
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

// get returns the cached reduction for key when its recorded log mtime
// equals modTime. A stale entry is removed on sight.
func (c *indexCache) get(key string, modTime time.Time) (map[string]IndexEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*cacheEntry)
	if !entry.modTime.Equal(modTime) {
		c.order.Remove(el)
		delete(c.entries, key)
		return nil, false
	}
	c.order.MoveToFront(el)
	return entry.reduced, true
}

// put stores a fresh reduction, evicting the least-recently-used entry
// beyond capacity.
func (c *indexCache) put(key string, reduced map[string]IndexEntry, modTime time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		el.Value.(*cacheEntry).reduced = reduced
		el.Value.(*cacheEntry).modTime = modTime
		c.order.MoveToFront(el)
		return
	}

	el := c.order.PushFront(&cacheEntry{key: key, reduced: reduced, modTime: modTime})
	c.entries[key] = el

	for c.order.Len() > indexCacheCapacity {
		oldest := c.order.Back()
		evicted := oldest.Value.(*cacheEntry)
		c.order.Remove(oldest)
		delete(c.entries, evicted.key)
		if c.onEvict != nil {
			c.onEvict(evicted.key)
		}
	}
}

// invalidate drops the entry for key, if any.
func (c *indexCache) invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.order.Remove(el)
		delete(c.entries, key)
	}
}

// invalidatePrefix drops every entry whose key starts with prefix.
// Used when an account's storage is removed wholesale.
func (c *indexCache) invalidatePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, el := range c.entries {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			c.order.Remove(el)
			delete(c.entries, key)
		}
	}
}

// len reports the number of cached mailboxes.
func (c *indexCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
