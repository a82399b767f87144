// Package cache holds the last observed mark price per symbol.
package cache

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const numShards = 16

// ShardedPriceCache spreads symbols across independently locked shards so
// quote refreshes for one symbol never block valuation of another.
type ShardedPriceCache struct {
	shards [numShards]*priceShard
	now    func() time.Time
}

type priceShard struct {
	mu    sync.RWMutex
	items map[string]priceEntry
}

type priceEntry struct {
	price     decimal.Decimal
	updatedAt time.Time
}

// NewShardedPriceCache creates an empty cache.
func NewShardedPriceCache() *ShardedPriceCache {
	c := &ShardedPriceCache{now: time.Now}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &priceShard{items: make(map[string]priceEntry)}
	}
	return c
}

func (c *ShardedPriceCache) shard(symbol string) *priceShard {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return c.shards[h.Sum32()%numShards]
}

// Set stores a mark. Non-positive prices are ignored.
func (c *ShardedPriceCache) Set(symbol string, price decimal.Decimal) {
	if !price.IsPositive() {
		return
	}
	s := c.shard(symbol)
	s.mu.Lock()
	s.items[symbol] = priceEntry{price: price, updatedAt: c.now()}
	s.mu.Unlock()
}

// Get returns the mark for symbol.
func (c *ShardedPriceCache) Get(symbol string) (decimal.Decimal, bool) {
	s := c.shard(symbol)
	s.mu.RLock()
	e, ok := s.items[symbol]
	s.mu.RUnlock()
	return e.price, ok
}

// GetWithAge returns the mark and how long ago it was stored.
func (c *ShardedPriceCache) GetWithAge(symbol string) (decimal.Decimal, time.Duration, bool) {
	s := c.shard(symbol)
	s.mu.RLock()
	e, ok := s.items[symbol]
	s.mu.RUnlock()
	if !ok {
		return decimal.Zero, 0, false
	}
	return e.price, c.now().Sub(e.updatedAt), true
}

// Len returns the number of symbols with a mark.
func (c *ShardedPriceCache) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.RLock()
		total += len(s.items)
		s.mu.RUnlock()
	}
	return total
}

// Cleanup drops marks older than maxAge and returns how many were removed.
func (c *ShardedPriceCache) Cleanup(maxAge time.Duration) int {
	removed := 0
	cutoff := c.now().Add(-maxAge)
	for _, s := range c.shards {
		s.mu.Lock()
		for sym, e := range s.items {
			if e.updatedAt.Before(cutoff) {
				delete(s.items, sym)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// GetAll copies every mark.
func (c *ShardedPriceCache) GetAll() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for _, s := range c.shards {
		s.mu.RLock()
		for sym, e := range s.items {
			out[sym] = e.price
		}
		s.mu.RUnlock()
	}
	return out
}
