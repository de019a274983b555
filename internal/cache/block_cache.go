// Package cache provides the block cache shared by every SST reader.
//
// BlockCache is an LRU over a byte budget, keyed by an opaque string (the
// engine uses "path:offset"). It knows nothing about tables or levels.
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
)

// BlockCache is a thread-safe LRU cache with a fixed byte capacity.
//
// The cache owns its bytes: Put stores a copy and Get returns a copy, so
// eviction never invalidates a caller's slice. The charge of an entry is
// len(key) + len(value). An entry whose charge alone exceeds capacity is
// silently not cached.
type BlockCache struct {
	mu       sync.Mutex
	capacity uint64
	usage    uint64
	table    map[string]*list.Element
	lru      *list.List // front = most recently used

	hits   atomic.Uint64
	misses atomic.Uint64
}

type lruEntry struct {
	key    string
	value  []byte
	charge uint64
}

func getEntry(elem *list.Element) *lruEntry {
	entry, _ := elem.Value.(*lruEntry)
	return entry
}

// NewBlockCache creates a cache holding at most capacity bytes.
func NewBlockCache(capacity uint64) *BlockCache {
	return &BlockCache{
		capacity: capacity,
		table:    make(map[string]*list.Element),
		lru:      list.New(),
	}
}

// Get returns a copy of the cached value and marks it most recently used.
func (c *BlockCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	elem, ok := c.table[key]
	if !ok {
		c.mu.Unlock()
		c.misses.Add(1)
		return nil, false
	}
	c.lru.MoveToFront(elem)
	out := append([]byte(nil), getEntry(elem).value...)
	c.mu.Unlock()

	c.hits.Add(1)
	return out, true
}

// Put inserts or replaces key. Least recently used entries are evicted one
// at a time until the new entry fits.
func (c *BlockCache) Put(key string, value []byte) {
	charge := uint64(len(key) + len(value))

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.table[key]; ok {
		c.removeElement(elem)
	}
	if charge > c.capacity {
		return
	}
	for c.usage+charge > c.capacity && c.lru.Len() > 0 {
		c.evictOne()
	}

	entry := &lruEntry{
		key:    key,
		value:  append([]byte(nil), value...),
		charge: charge,
	}
	c.table[key] = c.lru.PushFront(entry)
	c.usage += charge
}

// EraseIf removes every entry whose key satisfies pred. Used to drop the
// blocks of a deleted table.
func (c *BlockCache) EraseIf(pred func(key string) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for key, elem := range c.table {
		if pred(key) {
			c.removeElement(elem)
			n++
		}
	}
	return n
}

// evictOne removes the least recently used entry. REQUIRES: c.mu held.
func (c *BlockCache) evictOne() {
	if back := c.lru.Back(); back != nil {
		c.removeElement(back)
	}
}

// removeElement unlinks elem. REQUIRES: c.mu held.
func (c *BlockCache) removeElement(elem *list.Element) {
	entry := getEntry(elem)
	c.lru.Remove(elem)
	delete(c.table, entry.key)
	c.usage -= entry.charge
}

// Capacity returns the byte budget.
func (c *BlockCache) Capacity() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capacity
}

// Usage returns the bytes currently charged.
func (c *BlockCache) Usage() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usage
}

// Len returns the number of cached entries.
func (c *BlockCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Hits returns the number of successful lookups.
func (c *BlockCache) Hits() uint64 { return c.hits.Load() }

// Misses returns the number of failed lookups.
func (c *BlockCache) Misses() uint64 { return c.misses.Load() }

// HitRate returns hits / (hits + misses), or 0 before any lookup.
func (c *BlockCache) HitRate() float64 {
	h, m := c.hits.Load(), c.misses.Load()
	if h+m == 0 {
		return 0
	}
	return float64(h) / float64(h+m)
}
