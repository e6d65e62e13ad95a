package plan

import (
	"sync"
	"time"

	"notifyd/internal/rule"
)

// Cache is a read-through optimization over the store. It is never the
// source of truth; a miss always falls back to the store.
type Cache interface {
	Put(date rule.Date, entries []Entry, ttl time.Duration)
	Get(date rule.Date) ([]Entry, bool)
	Invalidate(date rule.Date)
}

type cacheItem struct {
	entries []Entry
	until   time.Time
}

// memCache is a small in-memory TTL cache keyed by date. Expired items are
// dropped lazily on access and on Put.
type memCache struct {
	mu    sync.Mutex
	items map[rule.Date]cacheItem
	max   int
}

// NewMemCache returns an in-memory plan cache bounded to maxDates entries.
func NewMemCache(maxDates int) Cache {
	if maxDates <= 0 {
		maxDates = 32
	}
	return &memCache{items: map[rule.Date]cacheItem{}, max: maxDates}
}

func (c *memCache) Put(date rule.Date, entries []Entry, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	cp := append([]Entry(nil), entries...)
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	for d, it := range c.items {
		if now.After(it.until) {
			delete(c.items, d)
		}
	}
	// Bounded: evict the oldest-expiring item when full.
	if len(c.items) >= c.max {
		var victim rule.Date
		var soonest time.Time
		for d, it := range c.items {
			if soonest.IsZero() || it.until.Before(soonest) {
				victim, soonest = d, it.until
			}
		}
		delete(c.items, victim)
	}
	c.items[date] = cacheItem{entries: cp, until: now.Add(ttl)}
}

func (c *memCache) Get(date rule.Date) ([]Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[date]
	if !ok {
		return nil, false
	}
	if time.Now().After(it.until) {
		delete(c.items, date)
		return nil, false
	}
	return append([]Entry(nil), it.entries...), true
}

func (c *memCache) Invalidate(date rule.Date) {
	c.mu.Lock()
	delete(c.items, date)
	c.mu.Unlock()
}
