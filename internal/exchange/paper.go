// Package exchange provides exchange client implementations.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mkarlsen/leverbot/internal/domain"
)

// Paper is an in-process exchange used for paper trading and tests. Market
// orders fill immediately at the current ticker price; limit and trailing
// orders rest on the book until cancelled. Reduce-only fills shrink the
// simulated position, which lets the reconciler exercise the same merge
// paths it runs against a live exchange.
type Paper struct {
	mu        sync.Mutex
	prices    map[string]float64
	positions map[string]*domain.ExchangePosition
	orders    []domain.ExchangeOrder
	balance   float64
	leverage  int
	now       func() time.Time
	logger    *slog.Logger
}

// NewPaper creates a paper exchange seeded with the given balance.
func NewPaper(balance float64, leverage int, logger *slog.Logger) *Paper {
	if leverage <= 0 {
		leverage = 1
	}
	return &Paper{
		prices:    make(map[string]float64),
		positions: make(map[string]*domain.ExchangePosition),
		balance:   balance,
		leverage:  leverage,
		now:       time.Now,
		logger:    logger.With(slog.String("component", "paper_exchange")),
	}
}

var _ domain.ExchangeClient = (*Paper)(nil)

// SetPrice sets the ticker price for a symbol and re-marks any open position.
// The price feed calls this as ticks arrive.
func (p *Paper) SetPrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = price
	if pos, ok := p.positions[symbol]; ok && pos.Size > 0 {
		pos.MarkPrice = price
		pos.UnrealizedPnL = p.unrealized(pos, price)
	}
}

// TickerPrice returns the last known price for symbol.
func (p *Paper) TickerPrice(_ context.Context, symbol string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	price, ok := p.prices[symbol]
	if !ok {
		return 0, fmt.Errorf("paper: ticker %s: %w", symbol, domain.ErrPriceUnavailable)
	}
	return price, nil
}

// Positions returns the open simulated positions.
func (p *Paper) Positions(_ context.Context) ([]domain.ExchangePosition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.ExchangePosition, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	return out, nil
}

// Orders returns orders for symbol filtered by status. An empty status
// matches every order.
func (p *Paper) Orders(_ context.Context, symbol string, status domain.OrderStatus) ([]domain.ExchangeOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.ExchangeOrder
	for _, ord := range p.orders {
		if ord.Symbol != symbol {
			continue
		}
		if status != domain.OrderStatusAny && ord.Status != status {
			continue
		}
		out = append(out, ord)
	}
	return out, nil
}

// PlaceOrder places an order. Market orders fill at the current ticker price
// and adjust the simulated position; other types rest open.
func (p *Paper) PlaceOrder(_ context.Context, req domain.OrderRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if req.Quantity <= 0 {
		return "", fmt.Errorf("paper: place order: %w: non-positive quantity", domain.ErrExchangeRejected)
	}

	ord := domain.ExchangeOrder{
		ID:         uuid.NewString(),
		Symbol:     req.Symbol,
		Side:       req.Side,
		Type:       req.Type,
		Status:     domain.OrderStatusOpen,
		ReduceOnly: req.ReduceOnly,
		Quantity:   req.Quantity,
		UpdatedAt:  p.now(),
	}

	if req.Type == domain.OrderTypeMarket {
		price, ok := p.prices[req.Symbol]
		if !ok {
			return "", fmt.Errorf("paper: place order %s: %w", req.Symbol, domain.ErrPriceUnavailable)
		}
		if err := p.fill(&ord, price); err != nil {
			return "", err
		}
	}

	p.orders = append(p.orders, ord)
	p.logger.Debug("order placed",
		slog.String("order_id", ord.ID),
		slog.String("symbol", ord.Symbol),
		slog.String("type", string(ord.Type)),
		slog.Bool("reduce_only", ord.ReduceOnly))
	return ord.ID, nil
}

// CancelOrder cancels a resting order.
func (p *Paper) CancelOrder(_ context.Context, symbol, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.orders {
		if p.orders[i].ID != orderID || p.orders[i].Symbol != symbol {
			continue
		}
		if p.orders[i].Status != domain.OrderStatusOpen {
			return fmt.Errorf("paper: cancel %s: %w: order not open", orderID, domain.ErrExchangeRejected)
		}
		p.orders = append(p.orders[:i], p.orders[i+1:]...)
		return nil
	}
	return fmt.Errorf("paper: cancel %s: %w", orderID, domain.ErrNotFound)
}

// Balance returns the simulated account balance.
func (p *Paper) Balance(_ context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balance, nil
}

// FillOpen force-fills a resting order at the given price. Tests and the
// paper-mode sweep use this to simulate limit and stop fills.
func (p *Paper) FillOpen(orderID string, price float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.orders {
		if p.orders[i].ID != orderID {
			continue
		}
		if p.orders[i].Status != domain.OrderStatusOpen {
			return fmt.Errorf("paper: fill %s: %w: order not open", orderID, domain.ErrExchangeRejected)
		}
		return p.fill(&p.orders[i], price)
	}
	return fmt.Errorf("paper: fill %s: %w", orderID, domain.ErrNotFound)
}

// fill marks an order filled at price and applies it to the position book.
// Caller holds the mutex.
func (p *Paper) fill(ord *domain.ExchangeOrder, price float64) error {
	pos, ok := p.positions[ord.Symbol]

	if ord.ReduceOnly {
		if !ok || pos.Size <= 0 {
			return fmt.Errorf("paper: fill %s: %w: no position to reduce", ord.ID, domain.ErrExchangeRejected)
		}
		qty := ord.Quantity
		if qty > pos.Size {
			qty = pos.Size
		}
		p.balance += realized(pos, price, qty)
		pos.Size -= qty
		pos.MarkPrice = price
		pos.UnrealizedPnL = p.unrealized(pos, price)
		ord.Status = domain.OrderStatusFilled
		ord.FilledQty = qty
		ord.FillPrice = price
		ord.UpdatedAt = p.now()
		return nil
	}

	if !ok {
		pos = &domain.ExchangePosition{
			Symbol:   ord.Symbol,
			Leverage: p.leverage,
		}
		p.positions[ord.Symbol] = pos
	}
	if ord.Side == domain.OrderSideBuy {
		pos.Side = domain.SideLong
	} else {
		pos.Side = domain.SideShort
	}
	total := pos.Size + ord.Quantity
	pos.EntryPrice = (pos.EntryPrice*pos.Size + price*ord.Quantity) / total
	pos.Size = total
	pos.MarkPrice = price
	pos.UnrealizedPnL = p.unrealized(pos, price)

	ord.Status = domain.OrderStatusFilled
	ord.FilledQty = ord.Quantity
	ord.FillPrice = price
	ord.UpdatedAt = p.now()
	return nil
}

func (p *Paper) unrealized(pos *domain.ExchangePosition, price float64) float64 {
	return realized(pos, price, pos.Size)
}

func realized(pos *domain.ExchangePosition, price, qty float64) float64 {
	if pos.EntryPrice == 0 || qty == 0 {
		return 0
	}
	diff := price - pos.EntryPrice
	if pos.Side == domain.SideShort {
		diff = -diff
	}
	return diff * qty
}
