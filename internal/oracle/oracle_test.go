package oracle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mkarlsen/leverbot/internal/breaker"
	"github.com/mkarlsen/leverbot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeExchange stubs only the ticker path; the oracle never calls the rest.
type fakeExchange struct {
	price float64
	err   error
	calls atomic.Int64
}

func (f *fakeExchange) TickerPrice(context.Context, string) (float64, error) {
	f.calls.Add(1)
	return f.price, f.err
}

func (f *fakeExchange) Positions(context.Context) ([]domain.ExchangePosition, error) {
	return nil, nil
}

func (f *fakeExchange) Orders(context.Context, string, domain.OrderStatus) ([]domain.ExchangeOrder, error) {
	return nil, nil
}

func (f *fakeExchange) PlaceOrder(context.Context, domain.OrderRequest) (string, error) {
	return "", nil
}

func (f *fakeExchange) CancelOrder(context.Context, string, string) error { return nil }

func (f *fakeExchange) Balance(context.Context) (float64, error) { return 0, nil }

type fakeProvider struct {
	name  string
	price float64
	err   error
	delay time.Duration
	calls atomic.Int64
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) FetchPrice(ctx context.Context, _ string) (float64, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	return f.price, f.err
}

// fakeShared is an in-memory SharedPriceCache.
type fakeShared struct {
	mu     sync.Mutex
	quotes map[string]domain.Quote
	sets   int
}

func newFakeShared() *fakeShared {
	return &fakeShared{quotes: make(map[string]domain.Quote)}
}

func (f *fakeShared) SetPrice(_ context.Context, symbol string, price float64, source string, ts time.Time, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotes[symbol] = domain.Quote{Symbol: symbol, Price: price, Source: source, At: ts}
	f.sets++
	return nil
}

func (f *fakeShared) GetPrice(_ context.Context, symbol string) (domain.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.quotes[symbol]
	if !ok {
		return domain.Quote{}, domain.ErrNotFound
	}
	return q, nil
}

func (f *fakeShared) Invalidate(_ context.Context, symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if symbol == "" {
		f.quotes = make(map[string]domain.Quote)
		return nil
	}
	delete(f.quotes, symbol)
	return nil
}

func newTestOracle(ex domain.ExchangeClient, shared domain.SharedPriceCache, providers ...domain.PriceProvider) *Oracle {
	reg := breaker.NewRegistry(breaker.DefaultConfig(), testLogger())
	return New(ex, providers, reg, shared, DefaultConfig(), testLogger())
}

func TestGetPriceMemoryCacheHit(t *testing.T) {
	ex := &fakeExchange{price: 100}
	o := newTestOracle(ex, nil)
	o.cache.set(domain.Quote{Symbol: "BTC/USDT", Price: 42_000, Source: "feed"}, time.Minute)

	q, err := o.GetPrice(context.Background(), "BTC/USDT", true)
	if err != nil {
		t.Fatalf("GetPrice: %v", err)
	}
	if q.Price != 42_000 || q.Source != "feed" {
		t.Fatalf("quote = %+v, want cached feed quote", q)
	}
	if ex.calls.Load() != 0 {
		t.Fatal("exchange called despite cache hit")
	}
}

func TestGetPriceSharedCacheHit(t *testing.T) {
	ex := &fakeExchange{err: errors.New("down")}
	shared := newFakeShared()
	_ = shared.SetPrice(context.Background(), "ETH/USDT", 3_100, "feed", time.Now(), time.Minute)
	o := newTestOracle(ex, shared)

	q, err := o.GetPrice(context.Background(), "ETH/USDT", true)
	if err != nil {
		t.Fatalf("GetPrice: %v", err)
	}
	if q.Price != 3_100 {
		t.Fatalf("price = %v, want 3100", q.Price)
	}
	if ex.calls.Load() != 0 {
		t.Fatal("exchange called despite shared cache hit")
	}
}

func TestGetPricePrefersNativeQuote(t *testing.T) {
	ex := &fakeExchange{price: 64_500}
	p := &fakeProvider{name: "alt", price: 64_400}
	shared := newFakeShared()
	o := newTestOracle(ex, shared, p)

	q, err := o.GetPrice(context.Background(), "BTC/USDT", true)
	if err != nil {
		t.Fatalf("GetPrice: %v", err)
	}
	if q.Source != "exchange" || q.Price != 64_500 {
		t.Fatalf("quote = %+v, want native exchange quote", q)
	}
	if p.calls.Load() != 0 {
		t.Fatal("provider called although the native quote succeeded")
	}

	// Both cache tiers were warmed.
	if _, ok := o.cache.get("BTC/USDT"); !ok {
		t.Fatal("memory cache not warmed")
	}
	if shared.sets != 1 {
		t.Fatalf("shared cache writes = %d, want 1", shared.sets)
	}
}

func TestGetPriceFallsBackToProvider(t *testing.T) {
	ex := &fakeExchange{err: errors.New("exchange down")}
	p := &fakeProvider{name: "alt", price: 64_400}
	o := newTestOracle(ex, nil, p)

	q, err := o.GetPrice(context.Background(), "BTC/USDT", true)
	if err != nil {
		t.Fatalf("GetPrice: %v", err)
	}
	if q.Source != "alt" || q.Price != 64_400 {
		t.Fatalf("quote = %+v, want provider fallback", q)
	}
}

func TestGetPriceRaceAcceptsSurvivor(t *testing.T) {
	ex := &fakeExchange{err: errors.New("down")}
	bad := &fakeProvider{name: "bad", err: errors.New("rate limited")}
	good := &fakeProvider{name: "good", price: 1.23, delay: 10 * time.Millisecond}
	o := newTestOracle(ex, nil, bad, good)

	q, err := o.GetPrice(context.Background(), "XRP/USDT", true)
	if err != nil {
		t.Fatalf("GetPrice: %v", err)
	}
	if q.Source != "good" {
		t.Fatalf("source = %q, want good", q.Source)
	}
}

func TestGetPriceExhaustion(t *testing.T) {
	ex := &fakeExchange{err: errors.New("down")}
	a := &fakeProvider{name: "a", err: errors.New("down")}
	b := &fakeProvider{name: "b", err: errors.New("down")}
	c := &fakeProvider{name: "c", err: errors.New("down")}
	o := newTestOracle(ex, nil, a, b, c)

	_, err := o.GetPrice(context.Background(), "BTC/USDT", true)
	if !errors.Is(err, domain.ErrPriceUnavailable) {
		t.Fatalf("err = %v, want ErrPriceUnavailable", err)
	}
	// The third provider got its sequential-fallback turn.
	if c.calls.Load() != 1 {
		t.Fatalf("fallback provider calls = %d, want 1", c.calls.Load())
	}
}

func TestInvalidateDropsBothTiers(t *testing.T) {
	shared := newFakeShared()
	o := newTestOracle(&fakeExchange{}, shared)
	o.cache.set(domain.Quote{Symbol: "BTC/USDT", Price: 1}, time.Minute)
	_ = shared.SetPrice(context.Background(), "BTC/USDT", 1, "feed", time.Now(), time.Minute)

	o.Invalidate(context.Background(), "BTC/USDT")

	if _, ok := o.cache.get("BTC/USDT"); ok {
		t.Fatal("memory cache entry survived invalidation")
	}
	if _, err := shared.GetPrice(context.Background(), "BTC/USDT"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatal("shared cache entry survived invalidation")
	}
}

func TestBreakerOpenDoesNotHurtProviderScore(t *testing.T) {
	reg := breaker.NewRegistry(breaker.Config{FailureThreshold: 1, RecoveryTimeout: time.Hour, SuccessThreshold: 1}, testLogger())
	p := &fakeProvider{name: "alt", err: errors.New("down")}
	o := New(nil, []domain.PriceProvider{p}, reg, nil, DefaultConfig(), testLogger())

	// First call fails for real and trips the breaker.
	if _, err := o.fetchProvider(context.Background(), p, "BTC/USDT"); err == nil {
		t.Fatal("expected failure")
	}
	// Second call is rejected by the open breaker without reaching the
	// provider, and must not count as another provider failure.
	if _, err := o.fetchProvider(context.Background(), p, "BTC/USDT"); !errors.Is(err, domain.ErrBreakerOpen) {
		t.Fatalf("err = %v, want ErrBreakerOpen", err)
	}

	o.board.mu.Lock()
	failures := o.board.get("alt").failures
	o.board.mu.Unlock()
	if failures != 1 {
		t.Fatalf("provider failures = %d, want 1", failures)
	}
	if p.calls.Load() != 1 {
		t.Fatalf("provider calls = %d, want 1", p.calls.Load())
	}
}

func TestMemoryCacheExpiresByAge(t *testing.T) {
	c := newMemoryCache()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.set(domain.Quote{Symbol: "BTC/USDT", Price: 1}, 10*time.Second)
	if _, ok := c.get("BTC/USDT"); !ok {
		t.Fatal("fresh entry missing")
	}

	now = now.Add(10 * time.Second)
	if _, ok := c.get("BTC/USDT"); ok {
		t.Fatal("entry survived past its TTL")
	}
}
