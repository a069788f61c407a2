// Package stream maintains the live market-data feed: a reconnecting
// websocket client, the in-memory price cache it feeds, and the pure
// reconciliation logic that maps open positions to feed subscriptions.
package stream

import (
	"sync"

	"github.com/premiumpilot/bot/internal/models"
)

// PriceCache maps normalized symbols to the most recently observed price.
// Entries are last-write-wins with no sequence validation: an out-of-order
// stream message silently overwrites with a possibly-stale value, and
// staleness is unbounded when the feed goes quiet. Volatile, never persisted.
type PriceCache struct {
	mu     sync.RWMutex
	prices map[string]float64
}

// NewPriceCache creates an empty cache.
func NewPriceCache() *PriceCache {
	return &PriceCache{prices: make(map[string]float64)}
}

// Get returns the last observed price for any spelling variant of a symbol.
func (c *PriceCache) Get(symbol string) (float64, bool) {
	key := models.Normalize(symbol)
	c.mu.RLock()
	defer c.mu.RUnlock()
	px, ok := c.prices[key]
	return px, ok
}

// Set records the latest price for a symbol.
func (c *PriceCache) Set(symbol string, price float64) {
	key := models.Normalize(symbol)
	if key == "" {
		return
	}
	c.mu.Lock()
	c.prices[key] = price
	c.mu.Unlock()
}

// Len returns the number of cached symbols.
func (c *PriceCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.prices)
}

// Snapshot returns a copy of the cache contents for status endpoints.
func (c *PriceCache) Snapshot() map[string]float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]float64, len(c.prices))
	for k, v := range c.prices {
		out[k] = v
	}
	return out
}
