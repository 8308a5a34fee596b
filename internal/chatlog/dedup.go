package chatlog

import (
	"container/list"
	"time"
)

const (
	// DefaultDedupCapacity bounds the number of remembered ids
	DefaultDedupCapacity = 2000
	// DefaultDedupTTL is how long an id is remembered
	DefaultDedupTTL = 15 * time.Minute
)

type dedupEntry struct {
	id   string
	seen time.Time
}

// DedupCache remembers recently seen message ids so duplicate datagrams and
// retransmissions are applied once. Entries leave after the TTL or, oldest
// first, when capacity is exceeded. The cache is not synchronized; the Log
// guards it with its own lock.
type DedupCache struct {
	capacity int
	ttl      time.Duration
	order    *list.List
	items    map[string]*list.Element
}

// NewDedupCache creates a cache. Non-positive arguments select the defaults.
func NewDedupCache(capacity int, ttl time.Duration) *DedupCache {
	if capacity <= 0 {
		capacity = DefaultDedupCapacity
	}
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &DedupCache{
		capacity: capacity,
		ttl:      ttl,
		order:    list.New(),
		items:    make(map[string]*list.Element),
	}
}

// Seen reports whether id was already recorded within the TTL. A new id is
// recorded as a side effect.
func (c *DedupCache) Seen(id string, now time.Time) bool {
	c.prune(now)
	if _, ok := c.items[id]; ok {
		return true
	}
	c.items[id] = c.order.PushBack(dedupEntry{id: id, seen: now})
	for c.order.Len() > c.capacity {
		c.remove(c.order.Front())
	}
	return false
}

// Contains reports whether id is remembered without recording it
func (c *DedupCache) Contains(id string, now time.Time) bool {
	c.prune(now)
	_, ok := c.items[id]
	return ok
}

// Len returns the number of remembered ids
func (c *DedupCache) Len() int {
	return c.order.Len()
}

func (c *DedupCache) prune(now time.Time) {
	for el := c.order.Front(); el != nil; el = c.order.Front() {
		if now.Sub(el.Value.(dedupEntry).seen) <= c.ttl {
			return
		}
		c.remove(el)
	}
}

func (c *DedupCache) remove(el *list.Element) {
	delete(c.items, el.Value.(dedupEntry).id)
	c.order.Remove(el)
}
