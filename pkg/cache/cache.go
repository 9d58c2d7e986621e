// Package cache holds short-lived computed values, like the sync status
// summary, that are shared across requests and must be invalidated
// explicitly when the data behind them changes.
package cache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const defaultSize = 128

// Cache is a size-bounded map whose entries expire after a fixed TTL.
// It's safe for concurrent use.
type Cache[K comparable, V any] struct {
	lru *expirable.LRU[K, V]
}

// New returns a cache whose entries live for ttl. A ttl of zero or less
// disables caching: Get always misses.
func New[K comparable, V any](ttl time.Duration) *Cache[K, V] {
	if ttl <= 0 {
		return &Cache[K, V]{}
	}
	return &Cache[K, V]{lru: expirable.NewLRU[K, V](defaultSize, nil, ttl)}
}

func (c *Cache[K, V]) Get(key K) (V, bool) {
	if c.lru == nil {
		var zero V
		return zero, false
	}
	return c.lru.Get(key)
}

func (c *Cache[K, V]) Set(key K, value V) {
	if c.lru == nil {
		return
	}
	c.lru.Add(key, value)
}

// Invalidate drops key.
func (c *Cache[K, V]) Invalidate(key K) {
	if c.lru == nil {
		return
	}
	c.lru.Remove(key)
}

// InvalidateAll drops every entry.
func (c *Cache[K, V]) InvalidateAll() {
	if c.lru == nil {
		return
	}
	c.lru.Purge()
}
