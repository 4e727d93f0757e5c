package memory

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/predictpool/internal/domain"
)

type cachedMarket struct {
	market  domain.Market
	expires time.Time
}

// MarketCache is a TTL map of markets without embedded bets.
type MarketCache struct {
	mu      sync.RWMutex
	entries map[string]cachedMarket
	ttl     time.Duration
}

// NewMarketCache creates a cache whose entries live for ttl.
func NewMarketCache(ttl time.Duration) *MarketCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &MarketCache{entries: make(map[string]cachedMarket), ttl: ttl}
}

func (c *MarketCache) Set(_ context.Context, market domain.Market) error {
	market.Bets = nil
	c.mu.Lock()
	c.entries[market.ID] = cachedMarket{market: market, expires: time.Now().Add(c.ttl)}
	c.mu.Unlock()
	return nil
}

func (c *MarketCache) Get(_ context.Context, id string) (domain.Market, error) {
	c.mu.RLock()
	e, ok := c.entries[id]
	c.mu.RUnlock()
	if !ok || time.Now().After(e.expires) {
		return domain.Market{}, domain.ErrNotFound
	}
	return e.market, nil
}

func (c *MarketCache) Invalidate(_ context.Context, id string) error {
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
	return nil
}

var _ domain.MarketCache = (*MarketCache)(nil)
