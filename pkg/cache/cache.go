package cache

import (
	"sync"
	"sync/atomic"
)

// Key identifies a block by segment generation and file offset.
type Key struct {
	Gen    uint64
	Offset uint64
}

// Cache is an LRU of decoded segment blocks bounded by total bytes. It is
// shared by every segment reader of a store. A nil *Cache is valid and
// caches nothing.
type Cache struct {
	mu       sync.Mutex
	capacity int64
	used     int64
	items    map[Key]*cacheItem
	head     *cacheItem
	tail     *cacheItem

	hits   atomic.Uint64
	misses atomic.Uint64
}

type cacheItem struct {
	key   Key
	value []byte
	prev  *cacheItem
	next  *cacheItem
}

// New creates a cache holding up to capacity bytes. A capacity <= 0 returns
// nil.
func New(capacity int64) *Cache {
	if capacity <= 0 {
		return nil
	}
	return &Cache{
		capacity: capacity,
		items:    make(map[Key]*cacheItem),
	}
}

// Get returns the cached block. Callers must not modify it.
func (c *Cache) Get(key Key) ([]byte, bool) {
	if c == nil {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	item, found := c.items[key]
	if !found {
		c.misses.Add(1)
		return nil, false
	}

	c.hits.Add(1)
	c.moveToHead(item)

	return item.value, true
}

// Set stores value, evicting least recently used blocks until the cache fits.
// Blocks larger than the whole cache are not stored.
func (c *Cache) Set(key Key, value []byte) {
	if c == nil || int64(len(value)) > c.capacity {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if item, found := c.items[key]; found {
		c.used += int64(len(value) - len(item.value))
		item.value = value
		c.moveToHead(item)
	} else {
		item := &cacheItem{key: key, value: value}
		c.addToHead(item)
		c.items[key] = item
		c.used += int64(len(value))
	}

	for c.used > c.capacity && c.tail != nil {
		c.remove(c.tail)
	}
}

// EvictGen drops every block of a segment, used when its file is deleted.
func (c *Cache) EvictGen(gen uint64) {
	if c == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for item := c.head; item != nil; {
		next := item.next
		if item.key.Gen == gen {
			c.remove(item)
		}
		item = next
	}
}

type Stats struct {
	Capacity int64  `json:"capacity"`
	Used     int64  `json:"used"`
	Blocks   int    `json:"blocks"`
	Hits     uint64 `json:"hits"`
	Misses   uint64 `json:"misses"`
}

func (c *Cache) Stats() Stats {
	if c == nil {
		return Stats{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Capacity: c.capacity,
		Used:     c.used,
		Blocks:   len(c.items),
		Hits:     c.hits.Load(),
		Misses:   c.misses.Load(),
	}
}

func (c *Cache) moveToHead(item *cacheItem) {
	if item == c.head {
		return
	}
	c.unlink(item)
	c.addToHead(item)
}

func (c *Cache) addToHead(item *cacheItem) {
	item.prev = nil
	item.next = c.head

	if c.head != nil {
		c.head.prev = item
	}
	c.head = item

	if c.tail == nil {
		c.tail = item
	}
}

func (c *Cache) unlink(item *cacheItem) {
	if item.prev != nil {
		item.prev.next = item.next
	} else {
		c.head = item.next
	}
	if item.next != nil {
		item.next.prev = item.prev
	} else {
		c.tail = item.prev
	}
	item.prev, item.next = nil, nil
}

func (c *Cache) remove(item *cacheItem) {
	c.unlink(item)
	delete(c.items, item.key)
	c.used -= int64(len(item.value))
}
