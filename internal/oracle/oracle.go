// Package oracle resolves current prices for symbols by walking a tiered
// source chain: in-process cache, shared Redis cache, exchange-native quote,
// then a ranked set of independent providers. Every remote call is gated by a
// named circuit breaker, and successful lookups refresh a volatility tracker
// that sizes cache TTLs.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mkarlsen/leverbot/internal/breaker"
	"github.com/mkarlsen/leverbot/internal/domain"
)

// exchangeDependency names the exchange-native quote source in the breaker
// registry.
const exchangeDependency = "exchange"

// Config holds oracle tuning knobs.
type Config struct {
	// FetchTimeout bounds each remote price call; a wait beyond it counts as
	// that call's failure and feeds the breaker.
	FetchTimeout time.Duration
	TTL          TTLConfig
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		FetchTimeout: 3 * time.Second,
		TTL:          DefaultTTLConfig(),
	}
}

// Oracle resolves prices. It is safe for concurrent use.
type Oracle struct {
	exchange  domain.ExchangeClient
	providers []domain.PriceProvider
	breakers  *breaker.Registry
	shared    domain.SharedPriceCache // optional cross-process tier

	cache  *memoryCache
	vol    *VolatilityTracker
	board  *scoreboard
	cfg    Config
	logger *slog.Logger
}

// New creates an Oracle. shared may be nil when no Redis tier is configured.
func New(
	exchange domain.ExchangeClient,
	providers []domain.PriceProvider,
	breakers *breaker.Registry,
	shared domain.SharedPriceCache,
	cfg Config,
	logger *slog.Logger,
) *Oracle {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultConfig().FetchTimeout
	}
	if cfg.TTL.Max <= 0 {
		cfg.TTL = DefaultTTLConfig()
	}
	return &Oracle{
		exchange:  exchange,
		providers: providers,
		breakers:  breakers,
		shared:    shared,
		cache:     newMemoryCache(),
		vol:       NewVolatilityTracker(),
		board:     newScoreboard(),
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "oracle")),
	}
}

// Volatility exposes the tracker so the market feed can stream samples in.
func (o *Oracle) Volatility() *VolatilityTracker { return o.vol }

// GetPrice resolves a current price for symbol. When preferNative is set the
// exchange's own ticker is tried before the independent providers. A breaker
// gating one source means "try the next"; only exhaustion of every source
// returns domain.ErrPriceUnavailable.
func (o *Oracle) GetPrice(ctx context.Context, symbol string, preferNative bool) (domain.Quote, error) {
	if q, ok := o.cache.get(symbol); ok {
		return q, nil
	}
	if o.shared != nil {
		if q, err := o.shared.GetPrice(ctx, symbol); err == nil {
			return q, nil
		} else if !errors.Is(err, domain.ErrNotFound) {
			o.logger.Warn("shared cache lookup failed",
				slog.String("symbol", symbol),
				slog.String("error", err.Error()),
			)
		}
	}

	if preferNative && o.exchange != nil {
		q, err := o.fetchNative(ctx, symbol)
		if err == nil {
			return q, nil
		}
		o.logger.Debug("exchange-native quote failed, falling back",
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
	}

	ranked := o.board.rank(o.providers)

	// Race the top two ranked providers; first success wins.
	if len(ranked) >= 2 {
		if q, ok := o.race(ctx, symbol, ranked[0], ranked[1]); ok {
			return q, nil
		}
		ranked = ranked[2:]
	}

	// Sequential fallback through whatever remains, in rank order.
	for _, p := range ranked {
		q, err := o.fetchProvider(ctx, p, symbol)
		if err == nil {
			return q, nil
		}
	}

	return domain.Quote{}, fmt.Errorf("oracle: %s: %w", symbol, domain.ErrPriceUnavailable)
}

// Invalidate drops cached entries for symbol (all symbols when empty). It is
// the only active invalidation path; entries otherwise expire by age.
func (o *Oracle) Invalidate(ctx context.Context, symbol string) {
	o.cache.invalidate(symbol)
	if o.shared != nil {
		if err := o.shared.Invalidate(ctx, symbol); err != nil {
			o.logger.Warn("shared cache invalidation failed",
				slog.String("symbol", symbol),
				slog.String("error", err.Error()),
			)
		}
	}
}

// fetchNative pulls the exchange's own ticker through its breaker.
func (o *Oracle) fetchNative(ctx context.Context, symbol string) (domain.Quote, error) {
	var price float64
	br := o.breakers.Get(exchangeDependency)
	err := br.Do(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, o.cfg.FetchTimeout)
		defer cancel()
		p, err := o.exchange.TickerPrice(callCtx, symbol)
		if err != nil {
			return err
		}
		price = p
		return nil
	})
	if err != nil {
		return domain.Quote{}, err
	}
	return o.record(ctx, symbol, price, exchangeDependency), nil
}

// fetchProvider pulls one provider through its breaker, updating its rolling
// stats and, on success, the caches and volatility tracker.
func (o *Oracle) fetchProvider(ctx context.Context, p domain.PriceProvider, symbol string) (domain.Quote, error) {
	var price float64
	started := time.Now()
	br := o.breakers.Get(p.Name())
	err := br.Do(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, o.cfg.FetchTimeout)
		defer cancel()
		fetched, err := p.FetchPrice(callCtx, symbol)
		if err != nil {
			return err
		}
		price = fetched
		return nil
	})
	if err != nil {
		// Breaker-open rejections are not the provider's fault; only count
		// real call failures against its score.
		if !errors.Is(err, domain.ErrBreakerOpen) {
			o.board.recordFailure(p.Name())
		}
		return domain.Quote{}, fmt.Errorf("oracle: provider %s: %w", p.Name(), err)
	}
	o.board.recordSuccess(p.Name(), float64(time.Since(started).Milliseconds()))
	return o.record(ctx, symbol, price, p.Name()), nil
}

// race fetches from two providers concurrently and accepts the first success.
func (o *Oracle) race(ctx context.Context, symbol string, a, b domain.PriceProvider) (domain.Quote, bool) {
	raceCtx, cancel := context.WithTimeout(ctx, o.cfg.FetchTimeout)
	defer cancel()

	type result struct {
		quote domain.Quote
		err   error
	}
	results := make(chan result, 2)
	for _, p := range []domain.PriceProvider{a, b} {
		go func(p domain.PriceProvider) {
			q, err := o.fetchProvider(raceCtx, p, symbol)
			results <- result{quote: q, err: err}
		}(p)
	}

	for i := 0; i < 2; i++ {
		select {
		case r := <-results:
			if r.err == nil {
				return r.quote, true
			}
		case <-raceCtx.Done():
			return domain.Quote{}, false
		}
	}
	return domain.Quote{}, false
}

// record feeds the volatility tracker and writes both cache tiers with a
// TTL sized to the symbol's current volatility score.
func (o *Oracle) record(ctx context.Context, symbol string, price float64, source string) domain.Quote {
	o.vol.Observe(symbol, price)
	ttl := o.cfg.TTL.TTLFor(o.vol.Score(symbol))

	q := domain.Quote{Symbol: symbol, Price: price, Source: source, At: time.Now().UTC()}
	o.cache.set(q, ttl)
	if o.shared != nil {
		if err := o.shared.SetPrice(ctx, symbol, price, source, q.At, ttl); err != nil {
			o.logger.Warn("shared cache write failed",
				slog.String("symbol", symbol),
				slog.String("error", err.Error()),
			)
		}
	}
	return q
}
