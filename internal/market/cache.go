package market

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/xtrntr/tradecore/internal/models"
)

// CacheConfig sets ticker TTLs per asset class
type CacheConfig struct {
	Size int
	TTL  map[models.MarketType]time.Duration
	// DefaultTTL applies to classes missing from TTL
	DefaultTTL time.Duration
}

// DefaultCacheConfig caches crypto quotes for 5s and everything else for 60s
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Size:       1024,
		TTL:        map[models.MarketType]time.Duration{models.MarketCrypto: 5 * time.Second},
		DefaultTTL: 60 * time.Second,
	}
}

// ClassFunc reports the asset class of a pair
type ClassFunc func(pair string) models.MarketType

// CachedProvider memoizes tickers in front of another provider. Candles
// always pass through.
type CachedProvider struct {
	inner   Provider
	classOf ClassFunc
	cfg     CacheConfig

	mu     sync.Mutex
	caches map[time.Duration]*expirable.LRU[string, Ticker]
	last   map[string]Ticker
}

// NewCachedProvider wraps inner. A nil classOf treats every pair as DefaultTTL.
func NewCachedProvider(inner Provider, classOf ClassFunc, cfg CacheConfig) *CachedProvider {
	if cfg.Size <= 0 {
		cfg.Size = 1024
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 60 * time.Second
	}
	if classOf == nil {
		classOf = func(string) models.MarketType { return "" }
	}
	return &CachedProvider{
		inner:   inner,
		classOf: classOf,
		cfg:     cfg,
		caches:  make(map[time.Duration]*expirable.LRU[string, Ticker]),
		last:    make(map[string]Ticker),
	}
}

func (c *CachedProvider) cacheFor(pair string) *expirable.LRU[string, Ticker] {
	ttl, ok := c.cfg.TTL[c.classOf(pair)]
	if !ok || ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	lru, ok := c.caches[ttl]
	if !ok {
		lru = expirable.NewLRU[string, Ticker](c.cfg.Size, nil, ttl)
		c.caches[ttl] = lru
	}
	return lru
}

// Ticker returns a cached quote if still fresh, otherwise fetches one
func (c *CachedProvider) Ticker(ctx context.Context, pair string) (Ticker, error) {
	lru := c.cacheFor(pair)
	if t, ok := lru.Get(pair); ok {
		return t, nil
	}
	t, err := c.inner.Ticker(ctx, pair)
	if err != nil {
		return Ticker{}, err
	}
	lru.Add(pair, t)
	c.mu.Lock()
	c.last[pair] = t
	c.mu.Unlock()
	return t, nil
}

// Historical is never cached
func (c *CachedProvider) Historical(ctx context.Context, pair, timeframe string, limit int) ([]Candle, error) {
	return c.inner.Historical(ctx, pair, timeframe, limit)
}

// LastKnown returns the most recent quote ever fetched for pair, marked
// stale. It is for display only and must not be used to execute.
func (c *CachedProvider) LastKnown(pair string) (Ticker, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.last[pair]
	if !ok {
		return Ticker{}, false
	}
	t.Stale = true
	return t, true
}
