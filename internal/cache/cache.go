// Package cache holds the aggregator's last-known price per ticker.
package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"pricestream/internal/core"
	"pricestream/pkg/concurrency"
)

// DefaultPrice is returned for tickers that have never been written
const DefaultPrice int64 = 100

// Mirror receives every cache write for external persistence
type Mirror interface {
	Store(ctx context.Context, update core.PriceUpdate) error
}

// PriceCache is a concurrent ticker -> last price map. Reads never fail.
type PriceCache struct {
	mu           sync.RWMutex
	prices       map[string]int64
	defaultPrice int64

	mirror        Mirror
	pool          *concurrency.WorkerPool
	mirrorTimeout time.Duration
	logger        core.ILogger
}

// Option configures a PriceCache
type Option func(*PriceCache)

// WithDefaultPrice overrides the price returned for unseen tickers
func WithDefaultPrice(p int64) Option {
	return func(c *PriceCache) { c.defaultPrice = p }
}

// WithMirror forwards every write to m on pool. Writes are dropped, not
// blocked, when the pool is saturated.
func WithMirror(m Mirror, pool *concurrency.WorkerPool, timeout time.Duration) Option {
	return func(c *PriceCache) {
		c.mirror = m
		c.pool = pool
		c.mirrorTimeout = timeout
	}
}

// New creates an empty cache
func New(logger core.ILogger, opts ...Option) *PriceCache {
	c := &PriceCache{
		prices:        make(map[string]int64),
		defaultPrice:  DefaultPrice,
		mirrorTimeout: time.Second,
		logger:        logger.WithField("component", "price_cache"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func normalize(ticker string) string {
	return strings.ToUpper(strings.TrimSpace(ticker))
}

// Put records update as the latest price for its ticker
func (c *PriceCache) Put(update core.PriceUpdate) {
	c.Set(update.Symbol.String(), update.Price)
	c.mirrorAsync(update)
}

// Set writes a price without mirroring it
func (c *PriceCache) Set(ticker string, price int64) {
	c.mu.Lock()
	c.prices[normalize(ticker)] = price
	c.mu.Unlock()
}

// OnUpdate implements core.UpdateListener
func (c *PriceCache) OnUpdate(update core.PriceUpdate) {
	c.Put(update)
}

// Get returns the last price for ticker, or the default if none was recorded
func (c *PriceCache) Get(ticker string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if p, ok := c.prices[normalize(ticker)]; ok {
		return p
	}
	return c.defaultPrice
}

// Lookup is Get that also reports whether the ticker was ever written
func (c *PriceCache) Lookup(ticker string) (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.prices[normalize(ticker)]
	if !ok {
		return c.defaultPrice, false
	}
	return p, true
}

// Snapshot copies the current contents
func (c *PriceCache) Snapshot() map[string]int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]int64, len(c.prices))
	for k, v := range c.prices {
		out[k] = v
	}
	return out
}

// Len returns the number of tickers with a recorded price
func (c *PriceCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.prices)
}

func (c *PriceCache) mirrorAsync(update core.PriceUpdate) {
	if c.mirror == nil || c.pool == nil {
		return
	}
	err := c.pool.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.mirrorTimeout)
		defer cancel()
		if err := c.mirror.Store(ctx, update); err != nil {
			c.logger.Debug("Mirror write failed", "ticker", update.Symbol.String(), "error", err)
		}
	})
	if err != nil {
		c.logger.Debug("Mirror write dropped", "ticker", update.Symbol.String(), "error", err)
	}
}

var (
	_ core.PriceLookup    = (*PriceCache)(nil)
	_ core.UpdateListener = (*PriceCache)(nil)
)
