package exchange

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"

	"github.com/mkarlsen/leverbot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func approx(got, want float64) bool {
	return math.Abs(got-want) <= 1e-9
}

func TestTickerPriceUnknownSymbol(t *testing.T) {
	p := NewPaper(10_000, 10, testLogger())
	_, err := p.TickerPrice(context.Background(), "BTC/USDT")
	if !errors.Is(err, domain.ErrPriceUnavailable) {
		t.Fatalf("err = %v, want ErrPriceUnavailable", err)
	}

	p.SetPrice("BTC/USDT", 64_000)
	price, err := p.TickerPrice(context.Background(), "BTC/USDT")
	if err != nil || price != 64_000 {
		t.Fatalf("price = %v err = %v, want 64000", price, err)
	}
}

func TestMarketOrderFillsImmediately(t *testing.T) {
	p := NewPaper(10_000, 10, testLogger())
	p.SetPrice("BTC/USDT", 100)
	ctx := context.Background()

	id, err := p.PlaceOrder(ctx, domain.OrderRequest{
		Symbol:   "BTC/USDT",
		Side:     domain.OrderSideBuy,
		Type:     domain.OrderTypeMarket,
		Quantity: 2,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	orders, err := p.Orders(ctx, "BTC/USDT", domain.OrderStatusFilled)
	if err != nil {
		t.Fatalf("Orders: %v", err)
	}
	if len(orders) != 1 || orders[0].ID != id {
		t.Fatalf("filled orders = %+v, want the market order", orders)
	}
	if orders[0].FillPrice != 100 || orders[0].FilledQty != 2 {
		t.Fatalf("fill = %v @ %v, want 2 @ 100", orders[0].FilledQty, orders[0].FillPrice)
	}

	positions, _ := p.Positions(ctx)
	if len(positions) != 1 {
		t.Fatalf("positions = %d, want 1", len(positions))
	}
	pos := positions[0]
	if pos.Side != domain.SideLong || pos.Size != 2 || pos.EntryPrice != 100 {
		t.Fatalf("position = %+v, want long 2 @ 100", pos)
	}
}

func TestAddingToPositionAveragesEntry(t *testing.T) {
	p := NewPaper(10_000, 10, testLogger())
	p.SetPrice("BTC/USDT", 100)
	ctx := context.Background()

	buy := domain.OrderRequest{Symbol: "BTC/USDT", Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket, Quantity: 1}
	if _, err := p.PlaceOrder(ctx, buy); err != nil {
		t.Fatalf("first buy: %v", err)
	}
	p.SetPrice("BTC/USDT", 110)
	buy.Quantity = 3
	if _, err := p.PlaceOrder(ctx, buy); err != nil {
		t.Fatalf("second buy: %v", err)
	}

	positions, _ := p.Positions(ctx)
	// (100*1 + 110*3) / 4 = 107.5
	if !approx(positions[0].EntryPrice, 107.5) {
		t.Fatalf("entry = %v, want weighted 107.5", positions[0].EntryPrice)
	}
	if positions[0].Size != 4 {
		t.Fatalf("size = %v, want 4", positions[0].Size)
	}
}

func TestReduceOnlyFillShrinksPositionAndCreditsBalance(t *testing.T) {
	p := NewPaper(10_000, 10, testLogger())
	p.SetPrice("BTC/USDT", 100)
	ctx := context.Background()

	if _, err := p.PlaceOrder(ctx, domain.OrderRequest{
		Symbol: "BTC/USDT", Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket, Quantity: 4,
	}); err != nil {
		t.Fatalf("open: %v", err)
	}

	p.SetPrice("BTC/USDT", 105)
	if _, err := p.PlaceOrder(ctx, domain.OrderRequest{
		Symbol: "BTC/USDT", Side: domain.OrderSideSell, Type: domain.OrderTypeMarket, Quantity: 1, ReduceOnly: true,
	}); err != nil {
		t.Fatalf("reduce: %v", err)
	}

	positions, _ := p.Positions(ctx)
	if positions[0].Size != 3 {
		t.Fatalf("size = %v, want 3", positions[0].Size)
	}
	balance, _ := p.Balance(ctx)
	// (105-100) * 1 credited.
	if !approx(balance, 10_005) {
		t.Fatalf("balance = %v, want 10005", balance)
	}
}

func TestReduceOnlyWithoutPositionRejected(t *testing.T) {
	p := NewPaper(10_000, 10, testLogger())
	p.SetPrice("BTC/USDT", 100)

	_, err := p.PlaceOrder(context.Background(), domain.OrderRequest{
		Symbol: "BTC/USDT", Side: domain.OrderSideSell, Type: domain.OrderTypeMarket, Quantity: 1, ReduceOnly: true,
	})
	if !errors.Is(err, domain.ErrExchangeRejected) {
		t.Fatalf("err = %v, want ErrExchangeRejected", err)
	}
}

func TestLimitOrderRestsUntilFilled(t *testing.T) {
	p := NewPaper(10_000, 10, testLogger())
	p.SetPrice("BTC/USDT", 100)
	ctx := context.Background()

	id, err := p.PlaceOrder(ctx, domain.OrderRequest{
		Symbol: "BTC/USDT", Side: domain.OrderSideBuy, Type: domain.OrderTypeLimit, Quantity: 2, Price: 95,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	open, _ := p.Orders(ctx, "BTC/USDT", domain.OrderStatusOpen)
	if len(open) != 1 {
		t.Fatalf("open orders = %d, want 1", len(open))
	}
	if positions, _ := p.Positions(ctx); len(positions) != 0 {
		t.Fatal("resting limit order created a position")
	}

	if err := p.FillOpen(id, 95); err != nil {
		t.Fatalf("FillOpen: %v", err)
	}
	positions, _ := p.Positions(ctx)
	if len(positions) != 1 || positions[0].EntryPrice != 95 {
		t.Fatalf("positions = %+v, want one entry at 95", positions)
	}
	if err := p.FillOpen(id, 95); !errors.Is(err, domain.ErrExchangeRejected) {
		t.Fatalf("refill err = %v, want ErrExchangeRejected", err)
	}
}

func TestCancelOrder(t *testing.T) {
	p := NewPaper(10_000, 10, testLogger())
	p.SetPrice("BTC/USDT", 100)
	ctx := context.Background()

	id, err := p.PlaceOrder(ctx, domain.OrderRequest{
		Symbol: "BTC/USDT", Side: domain.OrderSideBuy, Type: domain.OrderTypeLimit, Quantity: 1, Price: 90,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if err := p.CancelOrder(ctx, "BTC/USDT", id); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if err := p.CancelOrder(ctx, "BTC/USDT", id); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("second cancel err = %v, want ErrNotFound", err)
	}
}

func TestShortPositionPnL(t *testing.T) {
	p := NewPaper(10_000, 5, testLogger())
	p.SetPrice("ETH/USDT", 3_000)
	ctx := context.Background()

	if _, err := p.PlaceOrder(ctx, domain.OrderRequest{
		Symbol: "ETH/USDT", Side: domain.OrderSideSell, Type: domain.OrderTypeMarket, Quantity: 2,
	}); err != nil {
		t.Fatalf("open short: %v", err)
	}

	p.SetPrice("ETH/USDT", 2_900)
	positions, _ := p.Positions(ctx)
	// Short gains as price falls: (3000-2900) * 2.
	if !approx(positions[0].UnrealizedPnL, 200) {
		t.Fatalf("unrealized = %v, want 200", positions[0].UnrealizedPnL)
	}
}
