package search

import (
	"container/list"
	"sync"
	"time"
)

const (
	defaultCacheSize = 200
	defaultCacheTTL  = 2 * time.Minute
)

type resultEntry struct {
	key      string
	results  []Result
	storedAt time.Time
}

// resultCache is a thread-safe LRU with TTL keyed by the canonical
// request JSON.
type resultCache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
	size    int
	ttl     time.Duration
}

func newResultCache(size int, ttl time.Duration) *resultCache {
	if size <= 0 {
		size = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &resultCache{
		entries: make(map[string]*list.Element, size),
		order:   list.New(),
		size:    size,
		ttl:     ttl,
	}
}

func (c *resultCache) get(key string) ([]Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*resultEntry)
	if time.Since(entry.storedAt) > c.ttl {
		c.order.Remove(el)
		delete(c.entries, key)
		return nil, false
	}
	c.order.MoveToFront(el)
	return entry.results, true
}

func (c *resultCache) put(key string, results []Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		entry := el.Value.(*resultEntry)
		entry.results = results
		entry.storedAt = time.Now()
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(&resultEntry{key: key, results: results, storedAt: time.Now()})
	c.entries[key] = el
	for c.order.Len() > c.size {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*resultEntry).key)
	}
}

func (c *resultCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element, c.size)
	c.order.Init()
}

func (c *resultCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
