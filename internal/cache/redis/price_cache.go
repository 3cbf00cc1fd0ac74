package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mkarlsen/leverbot/internal/domain"
)

// PriceCache is the cross-process tier of the price oracle's cache, backed
// by Redis hashes. Each symbol is stored at "price:{symbol}" with fields
// "price", "source" and "ts" (Unix nanoseconds), and the key expires with
// the volatility-adaptive TTL the oracle computed at write time.
type PriceCache struct {
	rdb    *redis.Client
	client *Client
}

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{rdb: c.Underlying(), client: c}
}

func (pc *PriceCache) priceKey(symbol string) string {
	return pc.client.Key("price", symbol)
}

// SetPrice stores a quote with the given TTL.
func (pc *PriceCache) SetPrice(ctx context.Context, symbol string, price float64, source string, ts time.Time, ttl time.Duration) error {
	key := pc.priceKey(symbol)
	fields := map[string]interface{}{
		"price":  strconv.FormatFloat(price, 'f', -1, 64),
		"source": source,
		"ts":     strconv.FormatInt(ts.UnixNano(), 10),
	}
	pipe := pc.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set price %s: %w", symbol, err)
	}
	return nil
}

// GetPrice retrieves the cached quote for a symbol. It returns
// domain.ErrNotFound when the key is missing or expired.
func (pc *PriceCache) GetPrice(ctx context.Context, symbol string) (domain.Quote, error) {
	vals, err := pc.rdb.HGetAll(ctx, pc.priceKey(symbol)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return domain.Quote{}, fmt.Errorf("redis: get price %s: %w", symbol, err)
	}
	if len(vals) == 0 {
		return domain.Quote{}, domain.ErrNotFound
	}

	price, err := strconv.ParseFloat(vals["price"], 64)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("redis: parse price %s: %w", symbol, err)
	}
	tsNano, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("redis: parse ts %s: %w", symbol, err)
	}

	return domain.Quote{
		Symbol: symbol,
		Price:  price,
		Source: vals["source"],
		At:     time.Unix(0, tsNano),
	}, nil
}

// Invalidate drops the cached quote for a symbol, or every cached quote
// when symbol is empty.
func (pc *PriceCache) Invalidate(ctx context.Context, symbol string) error {
	if symbol != "" {
		if err := pc.rdb.Del(ctx, pc.priceKey(symbol)).Err(); err != nil {
			return fmt.Errorf("redis: invalidate price %s: %w", symbol, err)
		}
		return nil
	}

	iter := pc.rdb.Scan(ctx, 0, pc.priceKey("*"), 0).Iterator()
	for iter.Next(ctx) {
		if err := pc.rdb.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("redis: invalidate prices: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis: invalidate prices scan: %w", err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.SharedPriceCache = (*PriceCache)(nil)
