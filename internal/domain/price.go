package domain

import (
	"context"
	"strings"
	"time"
)

// WireSymbol maps a configured trading symbol like "BTC/USDT" to the
// exchange wire form "BTCUSDT". Everything that matches symbols across
// process boundaries (exchange clients, feed streams, reconciliation) must
// go through this one mapping so both sides agree on the key.
func WireSymbol(symbol string) string {
	return strings.ToUpper(strings.NewReplacer("/", "", "-", "").Replace(symbol))
}

// Quote is a resolved price together with the source that produced it.
type Quote struct {
	Symbol string
	Price  float64
	Source string
	At     time.Time
}

// PriceProvider is an independent external price source raced by the oracle.
type PriceProvider interface {
	Name() string
	FetchPrice(ctx context.Context, symbol string) (float64, error)
}

// SharedPriceCache is the cross-process price cache tier (Redis). Entries
// carry the TTL computed by the volatility tracker at write time.
type SharedPriceCache interface {
	SetPrice(ctx context.Context, symbol string, price float64, source string, ts time.Time, ttl time.Duration) error
	GetPrice(ctx context.Context, symbol string) (Quote, error)
	Invalidate(ctx context.Context, symbol string) error
}
