// Package reconcile merges authoritative exchange state into the local
// position book: closing positions the exchange has closed, crediting
// partial reduce-only fills exactly once, and adopting exchange mark prices
// for positions that remain open. Reconciliation is idempotent; the exchange
// order ID is the de-duplication key for every credited fill.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mkarlsen/leverbot/internal/domain"
	"github.com/mkarlsen/leverbot/internal/engine"
	"github.com/mkarlsen/leverbot/internal/notify"
)

// Result lists the positions a reconciliation pass touched.
type Result struct {
	Updated []string
	Closed  []string
}

// Reconciler pulls exchange positions and orders and folds them into the
// local book. It must not run concurrently with the risk sweep for the same
// owner; the book's per-owner mutex enforces that.
type Reconciler struct {
	book     *engine.Book
	store    domain.PositionStore
	exchange domain.ExchangeClient
	bus      domain.SignalBus
	notifier *notify.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Reconciler. bus and notifier may be nil.
func New(
	book *engine.Book,
	store domain.PositionStore,
	exchange domain.ExchangeClient,
	bus domain.SignalBus,
	notifier *notify.Notifier,
	logger *slog.Logger,
) *Reconciler {
	return &Reconciler{
		book:     book,
		store:    store,
		exchange: exchange,
		bus:      bus,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "reconcile")),
		now:      time.Now,
	}
}

// Reconcile merges exchange state into every locally active or pending
// position of the owner. It is safe to call repeatedly: fills already reflected in
// RealizedPnL are never re-applied. A position the exchange reports as
// closed without any visible reduce-only fill is surfaced as a
// domain.ErrReconcileConflict, never silently finalized at zero.
func (r *Reconciler) Reconcile(ctx context.Context, ownerID string) (Result, error) {
	exchangePositions, err := r.exchange.Positions(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("reconcile: fetch exchange positions: %w", err)
	}
	// Key by wire form so exchange-reported symbols ("BTCUSDT") match the
	// configured local form ("BTC/USDT").
	bySymbol := make(map[string]domain.ExchangePosition, len(exchangePositions))
	for _, ep := range exchangePositions {
		bySymbol[domain.WireSymbol(ep.Symbol)] = ep
	}

	var res Result
	var conflicts []string
	type closedReport struct {
		pos domain.Position
	}
	var closed []closedReport

	r.book.WithOwner(ownerID, func(positions map[string]*domain.Position) {
		for _, p := range positions {
			if p.Status != domain.StatusActive && p.Status != domain.StatusPending {
				continue
			}
			if ctx.Err() != nil {
				return
			}

			orders, err := r.exchange.Orders(ctx, p.Symbol, domain.OrderStatusFilled)
			if err != nil {
				r.logger.Warn("fetch orders failed, skipping position",
					slog.String("position", p.ID),
					slog.String("symbol", p.Symbol),
					slog.String("error", err.Error()),
				)
				continue
			}

			next := engine.ClonePosition(p)
			outcome := r.merge(&next, bySymbol[domain.WireSymbol(p.Symbol)], orders)
			if outcome == mergeNone {
				continue
			}
			if outcome == mergeConflict {
				conflicts = append(conflicts, p.ID)
				r.emitConflict(ctx, &next)
				continue
			}

			next.UpdatedAt = r.now().UTC()
			next.Version++
			if err := r.store.SavePosition(ctx, next); err != nil {
				// Leave the in-memory position untouched so the next pass
				// re-runs the merge from a consistent base.
				r.logger.Error("persist failed, reconciliation not applied",
					slog.String("position", p.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			*p = next

			if next.Status == domain.StatusStopped {
				res.Closed = append(res.Closed, p.ID)
				closed = append(closed, closedReport{pos: engine.ClonePosition(p)})
			} else {
				res.Updated = append(res.Updated, p.ID)
			}
		}
	})

	for _, c := range closed {
		r.emitClosed(ctx, &c.pos)
	}
	if len(conflicts) > 0 {
		return res, fmt.Errorf("reconcile: owner %s positions %v: %w", ownerID, conflicts, domain.ErrReconcileConflict)
	}
	return res, ctx.Err()
}

type mergeOutcome int

const (
	mergeNone mergeOutcome = iota
	mergeUpdated
	mergeClosed
	mergeConflict
)

// merge folds one exchange snapshot into a position copy. It returns what
// kind of change, if any, the snapshot produced.
func (r *Reconciler) merge(p *domain.Position, ep domain.ExchangePosition, orders []domain.ExchangeOrder) mergeOutcome {
	entry := 0.0
	if p.EntryPrice != nil {
		entry = *p.EntryPrice
	}

	// Collect reduce-only fills that have not been credited yet.
	var fresh []domain.ExchangeOrder
	for _, o := range orders {
		if !o.ReduceOnly || o.FilledQty <= 0 || p.FillApplied(o.ID) {
			continue
		}
		fresh = append(fresh, o)
	}

	// A pending limit entry the exchange already filled shows up as a
	// nonzero exchange position before any local price break-through.
	// Adopt the fill so the position is protected right away.
	activated := false
	if p.Status == domain.StatusPending {
		if ep.Size == 0 || p.EntryPrice == nil {
			return mergeNone
		}
		limit := *p.EntryPrice
		p.EntryPrice = nil
		if err := p.Activate(limit, r.now().UTC()); err != nil {
			r.logger.Error("activate during reconcile failed",
				slog.String("position", p.ID),
				slog.String("error", err.Error()),
			)
			return mergeNone
		}
		entry = limit
		activated = true
	}

	if ep.Size == 0 {
		// The exchange no longer holds this position.
		if len(fresh) == 0 {
			// Nothing to finalize against: closed size with no visible
			// fills would finalize at zero PnL, so flag it instead.
			return mergeConflict
		}
		var closing float64
		for _, o := range fresh {
			closing += fillPnL(entry, o.FillPrice, o.FilledQty, p.Side)
			p.MarkFillApplied(o.ID)
		}
		p.UnrealizedPnL = closing
		p.CurrentPrice = lastFillPrice(fresh)
		if err := p.Stop(r.now().UTC()); err != nil {
			r.logger.Error("stop during reconcile failed",
				slog.String("position", p.ID),
				slog.String("error", err.Error()),
			)
			return mergeNone
		}
		return mergeClosed
	}

	changed := activated

	// Trust the exchange over local estimation while the position is open.
	if ep.MarkPrice > 0 && (ep.MarkPrice != p.CurrentPrice || ep.UnrealizedPnL != p.UnrealizedPnL) {
		p.CurrentPrice = ep.MarkPrice
		p.UnrealizedPnL = ep.UnrealizedPnL
		changed = true
	}

	// Credit partially filled reduce-only legs (take-profit or stop-loss
	// orders the exchange resolved on its own).
	for _, o := range fresh {
		pnl := fillPnL(entry, o.FillPrice, o.FilledQty, p.Side)
		p.RealizedPnL += pnl
		p.MarkFillApplied(o.ID)
		markFirstOpenLevel(p)
		p.ArmBreakevenIfReady()
		changed = true
	}

	if !changed {
		return mergeNone
	}
	return mergeUpdated
}

// fillPnL is the realized profit of one fill: (fill − entry) × qty for
// longs, sign flipped for shorts.
func fillPnL(entry, fill, qty float64, side domain.Side) float64 {
	pnl := (fill - entry) * qty
	if side == domain.SideShort {
		pnl = -pnl
	}
	return pnl
}

// markFirstOpenLevel marks the first remaining (FIFO) ladder level as
// triggered, mirroring how the exchange resolves TP legs in order.
func markFirstOpenLevel(p *domain.Position) {
	for i := range p.TakeProfits {
		if !p.TakeProfits[i].Triggered {
			p.TakeProfits[i].Triggered = true
			return
		}
	}
}

func lastFillPrice(orders []domain.ExchangeOrder) float64 {
	latest := orders[0]
	for _, o := range orders[1:] {
		if o.UpdatedAt.After(latest.UpdatedAt) {
			latest = o
		}
	}
	return latest.FillPrice
}

func (r *Reconciler) emitClosed(ctx context.Context, pos *domain.Position) {
	r.emit(ctx, domain.EventPositionClosed, pos, map[string]any{
		"final_pnl": *pos.FinalPnL,
		"reason":    "exchange_fill",
	})
}

func (r *Reconciler) emitConflict(ctx context.Context, pos *domain.Position) {
	r.emit(ctx, domain.EventReconcileIssue, pos, map[string]any{
		"detail": "exchange reports zero size but no reduce-only fills are visible",
	})
}

func (r *Reconciler) emit(ctx context.Context, event string, pos *domain.Position, detail map[string]any) {
	payload := map[string]any{
		"event":       event,
		"position_id": pos.ID,
		"owner_id":    pos.OwnerID,
		"symbol":      pos.Symbol,
	}
	for k, v := range detail {
		payload[k] = v
	}
	raw, _ := json.Marshal(payload)

	if r.bus != nil {
		if err := r.bus.Publish(ctx, "positions", raw); err != nil {
			r.logger.Warn("publish event failed",
				slog.String("event", event),
				slog.String("error", err.Error()),
			)
		}
	}
	if r.notifier != nil {
		title := fmt.Sprintf("%s %s", pos.Symbol, event)
		if err := r.notifier.Notify(ctx, event, title, string(raw)); err != nil {
			r.logger.Warn("notify failed",
				slog.String("event", event),
				slog.String("error", err.Error()),
			)
		}
	}
	r.logger.Info("reconcile event",
		slog.String("event", event),
		slog.String("position", pos.ID),
	)
}
