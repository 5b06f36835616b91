// Package cache is a bounded LRU with optional expiry and hit counters,
// built on hashicorp/golang-lru.
package cache

import (
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultCapacity is used when New is given a non-positive capacity.
const DefaultCapacity = 1024

// Stats holds cache statistics.
type Stats struct {
	Hits      int64
	Misses    int64
	Size      int
	Capacity  int
	Evictions int64 // entries pushed out by capacity
}

// store is the method set shared by lru.Cache and expirable.LRU.
type store[K comparable, V any] interface {
	Get(key K) (V, bool)
	Add(key K, value V) bool
	Remove(key K) bool
	Keys() []K
	Len() int
	Purge()
}

// Cache is a threadsafe LRU. With a ttl, entries also expire.
type Cache[K comparable, V any] struct {
	entries  store[K, V]
	capacity int
	ttl      time.Duration

	hits, misses, evictions atomic.Int64
}

// New returns a cache holding up to capacity entries, each kept for at most
// ttl when ttl > 0.
func New[K comparable, V any](capacity int, ttl time.Duration) *Cache[K, V] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c := &Cache[K, V]{capacity: capacity, ttl: ttl}
	if ttl > 0 {
		c.entries = expirable.NewLRU[K, V](capacity, nil, ttl)
		return c
	}
	l, err := lru.New[K, V](capacity)
	if err != nil {
		// only returned for a non-positive size
		panic(err)
	}
	c.entries = l
	return c
}

// Get retrieves a value if present and not expired.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	v, ok := c.entries.Get(key)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return v, ok
}

// Set inserts or updates an entry, evicting the least recently used one when
// the cache is full.
func (c *Cache[K, V]) Set(key K, value V) {
	if c.entries.Add(key, value) {
		c.evictions.Add(1)
	}
}

func (c *Cache[K, V]) Delete(key K) { c.entries.Remove(key) }

// DeleteFunc removes all entries whose key satisfies match.
func (c *Cache[K, V]) DeleteFunc(match func(K) bool) {
	for _, k := range c.entries.Keys() {
		if match(k) {
			c.entries.Remove(k)
		}
	}
}

func (c *Cache[K, V]) Clear() { c.entries.Purge() }

func (c *Cache[K, V]) Size() int { return c.entries.Len() }

func (c *Cache[K, V]) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Size:      c.entries.Len(),
		Capacity:  c.capacity,
		Evictions: c.evictions.Load(),
	}
}

// Close drops every entry. The cache stays usable.
func (c *Cache[K, V]) Close() error {
	c.entries.Purge()
	return nil
}
