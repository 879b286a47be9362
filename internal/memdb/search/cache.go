package search

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// resultCache is a TTL result cache. Entries expire after the TTL and,
// when the cache is full, the oldest entry is evicted to make room.
type resultCache struct {
	lru *expirable.LRU[uint64, *Result]
}

func newResultCache(maxEntries int, ttl time.Duration) *resultCache {
	return &resultCache{
		lru: expirable.NewLRU[uint64, *Result](maxEntries, nil, ttl),
	}
}

// get returns a copy of the cached result flagged as a cache hit.
func (c *resultCache) get(key uint64) (*Result, bool) {
	cached, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	cp := *cached
	cp.CacheHit = true
	return &cp, true
}

func (c *resultCache) put(key uint64, res *Result) {
	c.lru.Add(key, res)
}

func (c *resultCache) purge() { c.lru.Purge() }

func (c *resultCache) len() int { return c.lru.Len() }
