package memory

import (
	"container/list"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/loomagent/loom/pkg/models"
)

// QueryCache is a fixed-capacity LRU cache mapping a (query, topK, memoryType)
// triple to its previously-computed retrieval results. Mirrors the query
// cache's shape: move-to-end on both get and put, evict the least-recently-used
// entry once over capacity, and track a running hit rate.
type QueryCache struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*list.Element
	order    *list.List // front = most recently used
	hits     int64
	misses   int64
}

type cacheEntry struct {
	key     string
	results []*models.MemoryEntry
}

// NewQueryCache builds a QueryCache with the given capacity. A non-positive
// capacity defaults to 1000.
func NewQueryCache(capacity int) *QueryCache {
	if capacity <= 0 {
		capacity = 1000
	}
	return &QueryCache{
		capacity: capacity,
		items:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

// Get returns the cached results for (query, topK, memoryType), promoting the
// entry to most-recently-used on a hit.
func (c *QueryCache) Get(query string, topK int, memoryType models.MemoryType) ([]*models.MemoryEntry, bool) {
	key := makeKey(query, topK, memoryType)

	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}
	c.order.MoveToFront(el)
	c.hits++
	return el.Value.(*cacheEntry).results, true
}

// Put inserts or refreshes the cached results for a key, evicting the
// least-recently-used entry if the cache is now over capacity.
func (c *QueryCache) Put(query string, topK int, memoryType models.MemoryType, results []*models.MemoryEntry) {
	key := makeKey(query, topK, memoryType)

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		el.Value.(*cacheEntry).results = results
		c.order.MoveToFront(el)
		return
	}

	el := c.order.PushFront(&cacheEntry{key: key, results: results})
	c.items[key] = el

	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.items, oldest.Value.(*cacheEntry).key)
		}
	}
}

// Invalidate clears every cached entry. Called on any store or delete, since
// either can change what a previously-cached query should return.
func (c *QueryCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*list.Element, c.capacity)
	c.order.Init()
}

// Stats is the JSON-friendly snapshot returned by QueryCache.Stats.
type Stats struct {
	Size     int     `json:"size"`
	Capacity int     `json:"capacity"`
	Hits     int64   `json:"hits"`
	Misses   int64   `json:"misses"`
	HitRate  float64 `json:"hit_rate"`
}

// Stats reports the cache's current size, capacity, hit/miss counters, and
// hit rate as a percentage (0-100), matching the query cache's convention.
func (c *QueryCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(c.hits) / float64(total) * 100
	}
	return Stats{
		Size:     c.order.Len(),
		Capacity: c.capacity,
		Hits:     c.hits,
		Misses:   c.misses,
		HitRate:  hitRate,
	}
}

// makeKey hashes the cache key's component triple with fnv-1a, a
// non-cryptographic hash adequate for a cache key (see DESIGN.md for why this
// deviates from the original's sha256[:16] digest).
func makeKey(query string, topK int, memoryType models.MemoryType) string {
	mt := string(memoryType)
	if mt == "" {
		mt = "all"
	}
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%d|%s", query, topK, mt)
	return fmt.Sprintf("%x", h.Sum64())
}
