// Package engine owns position entities and their lifecycle: creation,
// activation, the per-cycle trigger evaluation (take-profit ladder,
// stop-loss, break-even, exchange-delegated trailing stop), and full or
// partial closes. All mutations to one owner's positions are serialized
// under the owner's book mutex, and every close persists before it is
// reported.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mkarlsen/leverbot/internal/domain"
	"github.com/mkarlsen/leverbot/internal/notify"
	"github.com/mkarlsen/leverbot/internal/oracle"
)

// Engine evaluates risk triggers and applies position state transitions.
type Engine struct {
	book     *Book
	store    domain.PositionStore
	oracle   *oracle.Oracle
	exchange domain.ExchangeClient
	bus      domain.SignalBus
	notifier *notify.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// New creates an Engine. bus and notifier may be nil; events are then only
// logged.
func New(
	book *Book,
	store domain.PositionStore,
	orc *oracle.Oracle,
	exchange domain.ExchangeClient,
	bus domain.SignalBus,
	notifier *notify.Notifier,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		book:     book,
		store:    store,
		oracle:   orc,
		exchange: exchange,
		bus:      bus,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "engine")),
		now:      time.Now,
	}
}

// Book exposes the in-memory position book for readers (reconciler, API).
func (e *Engine) Book() *Book { return e.book }

// CreateRequest configures a new position.
type CreateRequest struct {
	OwnerID         string
	Symbol          string
	Side            domain.Side
	Leverage        int
	EntryType       domain.EntryType
	LimitPrice      float64 // required for limit and stop entries
	Amount          float64 // margin committed
	TakeProfits     []domain.TakeProfitLevel
	StopLossPercent float64
	BreakevenAfter  int
	Trailing        domain.TrailingStop
}

// validate returns an IncompleteConfigError naming every missing or invalid
// field, so the caller can fix its input in one round trip.
func (r CreateRequest) validate() error {
	var fields []string
	if r.OwnerID == "" {
		fields = append(fields, "owner_id is required")
	}
	if r.Symbol == "" {
		fields = append(fields, "symbol is required")
	}
	if r.Side != domain.SideLong && r.Side != domain.SideShort {
		fields = append(fields, "side must be long or short")
	}
	if r.Leverage < 1 {
		fields = append(fields, "leverage must be at least 1")
	}
	if r.Amount <= 0 {
		fields = append(fields, "amount must be positive")
	}
	switch r.EntryType {
	case domain.EntryMarket:
	case domain.EntryLimit, domain.EntryStop:
		if r.LimitPrice <= 0 {
			fields = append(fields, "limit_price is required for limit and stop entries")
		}
	default:
		fields = append(fields, "entry_type must be market, limit or stop")
	}
	var alloc float64
	for i, lvl := range r.TakeProfits {
		if lvl.Percentage <= 0 {
			fields = append(fields, fmt.Sprintf("take_profit[%d].percentage must be positive", i))
		}
		if lvl.Allocation <= 0 || lvl.Allocation > 100 {
			fields = append(fields, fmt.Sprintf("take_profit[%d].allocation must be in (0, 100]", i))
		}
		alloc += lvl.Allocation
	}
	if alloc > 100 {
		fields = append(fields, "take_profit allocations exceed 100 percent")
	}
	if r.BreakevenAfter < 0 || r.BreakevenAfter > len(r.TakeProfits) {
		fields = append(fields, "breakeven_after must reference an existing take-profit level")
	}
	if r.Trailing.Enabled && r.Trailing.TrailPercent <= 0 {
		fields = append(fields, "trailing.trail_percent must be positive when trailing is enabled")
	}
	if len(fields) > 0 {
		return &domain.IncompleteConfigError{Fields: fields}
	}
	return nil
}

// Create validates the request and stores a new position in the configured
// state.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (domain.Position, error) {
	if err := req.validate(); err != nil {
		return domain.Position{}, err
	}

	levels := make([]domain.TakeProfitLevel, len(req.TakeProfits))
	copy(levels, req.TakeProfits)

	pos := domain.Position{
		ID:              uuid.New().String(),
		OwnerID:         req.OwnerID,
		Symbol:          req.Symbol,
		Side:            req.Side,
		Leverage:        req.Leverage,
		EntryType:       req.EntryType,
		TakeProfits:     levels,
		StopLossPercent: req.StopLossPercent,
		BreakevenAfter:  req.BreakevenAfter,
		Trailing:        req.Trailing,
		Status:          domain.StatusConfigured,
		Amount:          req.Amount,
		UpdatedAt:       e.now().UTC(),
		Version:         1,
	}
	if req.EntryType == domain.EntryLimit || req.EntryType == domain.EntryStop {
		limit := req.LimitPrice
		pos.EntryPrice = &limit
	}

	if err := e.store.SavePosition(ctx, pos); err != nil {
		return domain.Position{}, err
	}
	e.book.WithOwner(pos.OwnerID, func(positions map[string]*domain.Position) {
		p := ClonePosition(&pos)
		positions[p.ID] = &p
	})
	return pos, nil
}

// Open submits the position's entry to the exchange. Market entries activate
// immediately at the resolved mark price; limit and stop entries move to
// pending and fill during evaluation sweeps. A trailing stop, when enabled,
// is delegated to the exchange at activation so the per-cycle sweep does
// not have to track it.
func (e *Engine) Open(ctx context.Context, ownerID, positionID string) (domain.Position, error) {
	var out domain.Position
	var opErr error

	e.book.WithOwner(ownerID, func(positions map[string]*domain.Position) {
		p, ok := positions[positionID]
		if !ok {
			opErr = fmt.Errorf("engine: position %s: %w", positionID, domain.ErrNotFound)
			return
		}
		if p.Status != domain.StatusConfigured {
			opErr = fmt.Errorf("engine: position %s: cannot open from status %q", positionID, p.Status)
			return
		}

		next := ClonePosition(p)
		now := e.now().UTC()

		switch next.EntryType {
		case domain.EntryMarket:
			quote, err := e.oracle.GetPrice(ctx, next.Symbol, true)
			if err != nil {
				opErr = fmt.Errorf("engine: open %s: %w", positionID, err)
				return
			}
			if err := e.placeEntry(ctx, &next, quote.Price); err != nil {
				opErr = err
				return
			}
			if err := next.Activate(quote.Price, now); err != nil {
				opErr = err
				return
			}
			if err := e.delegateTrailing(ctx, &next); err != nil {
				opErr = err
				return
			}
		default:
			if err := e.placeEntry(ctx, &next, *next.EntryPrice); err != nil {
				opErr = err
				return
			}
			next.Status = domain.StatusPending
		}

		next.UpdatedAt = now
		next.Version++
		if err := e.store.SavePosition(ctx, next); err != nil {
			opErr = err
			return
		}
		*p = next
		out = ClonePosition(p)
	})
	if opErr != nil {
		return domain.Position{}, opErr
	}

	if out.Status == domain.StatusActive {
		e.emit(ctx, domain.EventPositionOpened, &out, map[string]any{
			"entry_price": *out.EntryPrice,
			"margin":      out.Amount,
			"leverage":    out.Leverage,
		})
	}
	return out, nil
}

// placeEntry submits the entry order when an exchange client is wired.
func (e *Engine) placeEntry(ctx context.Context, p *domain.Position, price float64) error {
	if e.exchange == nil {
		return nil
	}
	req := domain.OrderRequest{
		Symbol:   p.Symbol,
		Side:     entrySide(p.Side),
		Type:     domain.OrderTypeMarket,
		Quantity: p.Amount * float64(p.Leverage) / price,
	}
	if p.EntryType != domain.EntryMarket {
		req.Type = domain.OrderTypeLimit
		req.Price = price
	}
	if _, err := e.exchange.PlaceOrder(ctx, req); err != nil {
		return fmt.Errorf("engine: place entry for %s: %w: %w", p.ID, domain.ErrExchangeRejected, err)
	}
	return nil
}

// delegateTrailing hands the trailing stop to the exchange-native mechanism.
func (e *Engine) delegateTrailing(ctx context.Context, p *domain.Position) error {
	if !p.Trailing.Enabled || e.exchange == nil {
		return nil
	}
	req := domain.OrderRequest{
		Symbol:       p.Symbol,
		Side:         exitSide(p.Side),
		Type:         domain.OrderTypeTrailingStop,
		Quantity:     p.PositionSize(),
		Price:        p.Trailing.ActivationPrice,
		ReduceOnly:   true,
		TrailPercent: p.Trailing.TrailPercent,
	}
	if _, err := e.exchange.PlaceOrder(ctx, req); err != nil {
		return fmt.Errorf("engine: delegate trailing stop for %s: %w: %w", p.ID, domain.ErrExchangeRejected, err)
	}
	return nil
}

// EvaluateOwner runs one evaluation cycle over every pending or active
// position of the owner, refreshing prices through the oracle first. The
// whole cycle runs under the owner's mutex so it cannot race reconciliation.
func (e *Engine) EvaluateOwner(ctx context.Context, ownerID string) error {
	type report struct {
		pos     domain.Position
		outcome evalOutcome
	}
	var reports []report
	var sweepErr error

	e.book.WithOwner(ownerID, func(positions map[string]*domain.Position) {
		for _, p := range positions {
			if p.Status != domain.StatusActive && p.Status != domain.StatusPending {
				continue
			}
			if ctx.Err() != nil {
				sweepErr = ctx.Err()
				return
			}

			quote, err := e.oracle.GetPrice(ctx, p.Symbol, true)
			if err != nil {
				e.logger.Warn("price refresh failed, skipping position this cycle",
					slog.String("position", p.ID),
					slog.String("symbol", p.Symbol),
					slog.String("error", err.Error()),
				)
				continue
			}

			next := ClonePosition(p)
			outcome, err := evaluate(&next, quote.Price, e.now().UTC())
			if err != nil {
				e.logger.Error("evaluation failed",
					slog.String("position", p.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			if !outcome.changed {
				continue
			}

			if outcome.activated {
				if err := e.delegateTrailing(ctx, &next); err != nil {
					e.logger.Error("trailing stop rejected, leaving position untouched",
						slog.String("position", p.ID),
						slog.String("error", err.Error()),
					)
					continue
				}
			}

			if outcome.closed || outcome.partialLevel > 0 {
				if err := e.requestClose(ctx, &next, outcome); err != nil {
					e.logger.Error("close order rejected, leaving position untouched",
						slog.String("position", p.ID),
						slog.String("error", err.Error()),
					)
					continue
				}
			}

			next.UpdatedAt = e.now().UTC()
			next.Version++
			if err := e.store.SavePosition(ctx, next); err != nil {
				// Do not advance in-memory state past what was durably saved.
				e.logger.Error("persist failed, in-memory state unchanged this cycle",
					slog.String("position", p.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			*p = next
			reports = append(reports, report{pos: ClonePosition(p), outcome: outcome})
		}
	})

	for _, r := range reports {
		e.report(ctx, r.pos, r.outcome)
	}
	return sweepErr
}

// requestClose turns a trigger outcome into the matching reduce-only
// exchange order. Full closes flatten the whole remaining size; partial
// closes sell down by the resolved level's allocation.
func (e *Engine) requestClose(ctx context.Context, p *domain.Position, out evalOutcome) error {
	if e.exchange == nil {
		return nil
	}
	qty := p.PositionSize()
	if out.partialLevel > 0 && !out.closed {
		lvl := p.TakeProfits[out.partialLevel-1]
		// Amount already shrank; derive the closed slice from the remainder.
		qty = p.PositionValue() / *p.EntryPrice * lvl.Allocation / (100 - lvl.Allocation)
	}
	req := domain.OrderRequest{
		Symbol:     p.Symbol,
		Side:       exitSide(p.Side),
		Type:       domain.OrderTypeMarket,
		Quantity:   qty,
		ReduceOnly: true,
	}
	orderID, err := e.exchange.PlaceOrder(ctx, req)
	if err != nil {
		return fmt.Errorf("engine: close order for %s: %w: %w", p.ID, domain.ErrExchangeRejected, err)
	}
	// Record the order so reconciliation never credits this fill a second
	// time; the exchange order ID is the de-duplication key.
	if orderID != "" {
		p.MarkFillApplied(orderID)
	}
	return nil
}

// Close fully closes a position at the current mark price, outside the
// regular trigger flow (operator request).
func (e *Engine) Close(ctx context.Context, ownerID, positionID string) (domain.Position, error) {
	var out domain.Position
	var opErr error

	e.book.WithOwner(ownerID, func(positions map[string]*domain.Position) {
		p, ok := positions[positionID]
		if !ok {
			opErr = fmt.Errorf("engine: position %s: %w", positionID, domain.ErrNotFound)
			return
		}
		if p.Status != domain.StatusActive && p.Status != domain.StatusPending {
			opErr = fmt.Errorf("engine: position %s: cannot close from status %q", positionID, p.Status)
			return
		}

		next := ClonePosition(p)
		now := e.now().UTC()

		if next.Status == domain.StatusActive {
			quote, err := e.oracle.GetPrice(ctx, next.Symbol, true)
			if err != nil {
				opErr = fmt.Errorf("engine: close %s: %w", positionID, err)
				return
			}
			next.CurrentPrice = quote.Price
			next.UnrealizedPnL = unrealizedPnL(*next.EntryPrice, quote.Price, next.Side, next.Leverage, next.Amount)
			if err := e.requestClose(ctx, &next, evalOutcome{closed: true}); err != nil {
				opErr = err
				return
			}
		}
		if err := next.Stop(now); err != nil {
			opErr = err
			return
		}
		next.UpdatedAt = now
		next.Version++
		if err := e.store.SavePosition(ctx, next); err != nil {
			opErr = err
			return
		}
		*p = next
		out = ClonePosition(p)
	})
	if opErr != nil {
		return domain.Position{}, opErr
	}

	e.emit(ctx, domain.EventPositionClosed, &out, map[string]any{
		"final_pnl": *out.FinalPnL,
		"reason":    "manual",
	})
	return out, nil
}

// report emits the events matching one evaluation outcome.
func (e *Engine) report(ctx context.Context, pos domain.Position, out evalOutcome) {
	switch {
	case out.activated:
		e.emit(ctx, domain.EventPositionOpened, &pos, map[string]any{
			"entry_price": *pos.EntryPrice,
			"margin":      pos.Amount,
			"leverage":    pos.Leverage,
		})
	case out.closed:
		e.emit(ctx, domain.EventPositionClosed, &pos, map[string]any{
			"final_pnl": *pos.FinalPnL,
			"reason":    out.closeReason,
		})
	case out.partialLevel > 0:
		e.emit(ctx, domain.EventPartialClose, &pos, map[string]any{
			"level":            out.partialLevel,
			"profit":           out.profitAmount,
			"remaining_margin": pos.Amount,
		})
		if out.armedBE {
			e.emit(ctx, domain.EventBreakevenArmed, &pos, map[string]any{
				"breakeven_price": *pos.BreakevenStop,
			})
		}
	}
}

// emit publishes a lifecycle event on the signal bus and forwards it to the
// notification sink. Delivery failures are logged, never fatal.
func (e *Engine) emit(ctx context.Context, event string, pos *domain.Position, detail map[string]any) {
	payload := map[string]any{
		"event":       event,
		"position_id": pos.ID,
		"owner_id":    pos.OwnerID,
		"symbol":      pos.Symbol,
		"side":        string(pos.Side),
	}
	for k, v := range detail {
		payload[k] = v
	}
	raw, _ := json.Marshal(payload)

	if e.bus != nil {
		if err := e.bus.Publish(ctx, "positions", raw); err != nil {
			e.logger.Warn("publish event failed",
				slog.String("event", event),
				slog.String("position", pos.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	if e.notifier != nil {
		title := fmt.Sprintf("%s %s", pos.Symbol, event)
		if err := e.notifier.Notify(ctx, event, title, string(raw)); err != nil {
			e.logger.Warn("notify failed",
				slog.String("event", event),
				slog.String("error", err.Error()),
			)
		}
	}
	e.logger.Info("position event",
		slog.String("event", event),
		slog.String("position", pos.ID),
		slog.String("symbol", pos.Symbol),
	)
}

func entrySide(s domain.Side) domain.OrderSide {
	if s == domain.SideLong {
		return domain.OrderSideBuy
	}
	return domain.OrderSideSell
}

func exitSide(s domain.Side) domain.OrderSide {
	if s == domain.SideLong {
		return domain.OrderSideSell
	}
	return domain.OrderSideBuy
}
