package embeddings

import (
	"container/list"
	"sync"
	"time"
)

const (
	cacheSize = 500
	cacheTTL  = 5 * time.Minute
)

type cacheEntry struct {
	key      string
	vector   []float32
	storedAt time.Time
}

// vectorCache is a thread-safe LRU with TTL, keyed by entity id.
type vectorCache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
	size    int
	ttl     time.Duration

	hits   int64
	misses int64
}

func newVectorCache(size int, ttl time.Duration) *vectorCache {
	if size <= 0 {
		size = cacheSize
	}
	if ttl <= 0 {
		ttl = cacheTTL
	}
	return &vectorCache{
		entries: make(map[string]*list.Element, size),
		order:   list.New(),
		size:    size,
		ttl:     ttl,
	}
}

func (c *vectorCache) get(key string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	entry := el.Value.(*cacheEntry)
	if time.Since(entry.storedAt) > c.ttl {
		c.order.Remove(el)
		delete(c.entries, key)
		c.misses++
		return nil, false
	}
	c.order.MoveToFront(el)
	c.hits++
	return entry.vector, true
}

func (c *vectorCache) put(key string, vector []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		el.Value.(*cacheEntry).vector = vector
		el.Value.(*cacheEntry).storedAt = time.Now()
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(&cacheEntry{key: key, vector: vector, storedAt: time.Now()})
	c.entries[key] = el
	for c.order.Len() > c.size {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
}

func (c *vectorCache) invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.order.Remove(el)
		delete(c.entries, key)
	}
}

func (c *vectorCache) hitRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.hits + c.misses
	if total == 0 {
		return 0
	}
	return float64(c.hits) / float64(total)
}
