package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/predictpool/internal/domain"
	"github.com/redis/go-redis/v9"
)

// MarketCache implements domain.MarketCache with one hash per market holding
// the JSON-encoded row under field "data". Embedded bets are stripped before
// caching; pools are refreshed by invalidation after every mutation.
//
// Key schema:
//
//	{prefix}market:{id} - hash, field "data"
type MarketCache struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewMarketCache creates a MarketCache whose entries expire after ttl.
func NewMarketCache(c *Client, prefix string, ttl time.Duration) *MarketCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &MarketCache{rdb: c.Underlying(), prefix: prefix, ttl: ttl}
}

func (mc *MarketCache) key(id string) string { return mc.prefix + "market:" + id }

// Set stores market, without its bets, for the configured TTL.
func (mc *MarketCache) Set(ctx context.Context, market domain.Market) error {
	market.Bets = nil
	data, err := json.Marshal(market)
	if err != nil {
		return fmt.Errorf("redis: marshal market %s: %w", market.ID, err)
	}

	key := mc.key(market.ID)
	pipe := mc.rdb.TxPipeline()
	pipe.HSet(ctx, key, "data", data)
	pipe.Expire(ctx, key, mc.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set market %s: %w", market.ID, err)
	}
	return nil
}

// Get returns the cached market or domain.ErrNotFound on a miss.
func (mc *MarketCache) Get(ctx context.Context, id string) (domain.Market, error) {
	data, err := mc.rdb.HGet(ctx, mc.key(id), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("redis: get market %s: %w", id, err)
	}

	var market domain.Market
	if err := json.Unmarshal(data, &market); err != nil {
		return domain.Market{}, fmt.Errorf("redis: unmarshal market %s: %w", id, err)
	}
	return market, nil
}

// Invalidate drops the cached entry.
func (mc *MarketCache) Invalidate(ctx context.Context, id string) error {
	if err := mc.rdb.Del(ctx, mc.key(id)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate market %s: %w", id, err)
	}
	return nil
}

var _ domain.MarketCache = (*MarketCache)(nil)
