package service

import (
	"sync"

	"github.com/alanyoungcy/swipefeed/internal/domain"
)

// PriceCache holds the latest update per ticker. Writes overwrite; no
// history is kept.
type PriceCache struct {
	mu     sync.RWMutex
	prices map[string]domain.PriceUpdate
}

// NewPriceCache creates an empty PriceCache.
func NewPriceCache() *PriceCache {
	return &PriceCache{prices: make(map[string]domain.PriceUpdate)}
}

// Set stores u, replacing any previous update for the same ticker.
func (c *PriceCache) Set(u domain.PriceUpdate) {
	c.mu.Lock()
	c.prices[u.Ticker] = u
	c.mu.Unlock()
}

// Get returns the latest update for ticker.
func (c *PriceCache) Get(ticker string) (domain.PriceUpdate, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.prices[ticker]
	return u, ok
}

// Quotes returns quotes for exactly the requested tickers that are cached.
// Unknown tickers are omitted.
func (c *PriceCache) Quotes(tickers []string) map[string]domain.Quote {
	out := make(map[string]domain.Quote, len(tickers))
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, t := range tickers {
		if u, ok := c.prices[t]; ok {
			out[t] = u.Quote()
		}
	}
	return out
}

// Len returns the number of cached tickers.
func (c *PriceCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.prices)
}
