package engine

import (
	"fmt"
	"time"

	"github.com/mkarlsen/leverbot/internal/domain"
)

// evalOutcome describes what a single evaluation cycle did to a position so
// the engine can persist once and then report.
type evalOutcome struct {
	activated    bool
	closed       bool
	closeReason  string
	partialLevel int     // 1-based ladder index of the resolved level, 0 if none
	profitAmount float64 // realized by a partial close this cycle
	armedBE      bool
	changed      bool
}

// evaluate applies one price-evaluation cycle to a position in place.
// At most one take-profit level resolves per cycle, and the take-profit
// ladder is only consulted when no stop fired. The caller persists the
// mutated position before acting on the outcome.
func evaluate(p *domain.Position, price float64, now time.Time) (evalOutcome, error) {
	var out evalOutcome

	switch p.Status {
	case domain.StatusPending:
		filled, err := pendingFilled(p, price)
		if err != nil {
			return out, err
		}
		if !filled {
			return out, nil
		}
		limit := *p.EntryPrice
		// Clear the stored limit price so Activate snapshots it as the fill.
		p.EntryPrice = nil
		if err := p.Activate(limit, now); err != nil {
			return out, err
		}
		out.activated = true
		out.changed = true
		return out, nil
	case domain.StatusActive:
		// fall through to trigger evaluation
	default:
		return out, nil
	}

	if p.EntryPrice == nil || p.OriginalMargin == nil {
		return out, fmt.Errorf("position %s: active without entry snapshot", p.ID)
	}
	entry := *p.EntryPrice

	p.CurrentPrice = price
	p.UnrealizedPnL = unrealizedPnL(entry, price, p.Side, p.Leverage, p.Amount)
	out.changed = true

	// Break-even stop is checked before the standard stop-loss: once armed,
	// any move through the break-even price against the position closes it.
	if p.BreakevenTriggered && p.BreakevenStop != nil {
		crossed := (p.Side == domain.SideLong && price <= *p.BreakevenStop) ||
			(p.Side == domain.SideShort && price >= *p.BreakevenStop)
		if crossed {
			if err := p.Stop(now); err != nil {
				return out, err
			}
			out.closed = true
			out.closeReason = "breakeven_stop"
			return out, nil
		}
	}

	// Standard stop-loss applies only outside break-even mode.
	if !p.BreakevenTriggered && p.StopLossPercent > 0 && p.UnrealizedPnL < 0 {
		lossPct := -p.UnrealizedPnL / p.Amount * 100
		if lossPct >= p.StopLossPercent {
			if err := p.Stop(now); err != nil {
				return out, err
			}
			out.closed = true
			out.closeReason = "stop_loss"
			return out, nil
		}
	}

	// Take-profit ladder: first un-triggered level whose threshold the
	// profit percent reaches, scanned in ascending index order.
	profitPct := p.UnrealizedPnL / p.Amount * 100
	for i := range p.TakeProfits {
		lvl := &p.TakeProfits[i]
		if lvl.Triggered || profitPct < lvl.Percentage {
			continue
		}
		if lvl.Allocation >= 100 {
			if err := p.Stop(now); err != nil {
				return out, err
			}
			out.closed = true
			out.closeReason = "take_profit"
			return out, nil
		}
		resolvePartial(p, lvl, &out, i)
		return out, nil
	}

	return out, nil
}

// resolvePartial realizes one ladder level. Profit is always computed against
// the immutable original margin, regardless of how far Amount has shrunk.
func resolvePartial(p *domain.Position, lvl *domain.TakeProfitLevel, out *evalOutcome, idx int) {
	profit := lvl.Percentage / 100 * *p.OriginalMargin * (lvl.Allocation / 100)
	p.RealizedPnL += profit
	p.Amount = p.Amount * (100 - lvl.Allocation) / 100
	p.UnrealizedPnL -= profit
	lvl.Triggered = true

	out.partialLevel = idx + 1
	out.profitAmount = profit
	out.armedBE = p.ArmBreakevenIfReady()
}

// pendingFilled applies side-aware break-through logic to a pending entry.
// A long limit fills when price falls to or below the limit; a long stop
// entry fills when price rises to or above it. Shorts mirror both.
func pendingFilled(p *domain.Position, price float64) (bool, error) {
	if p.EntryPrice == nil {
		return false, fmt.Errorf("position %s: pending without a limit price", p.ID)
	}
	limit := *p.EntryPrice
	switch p.EntryType {
	case domain.EntryLimit:
		if p.Side == domain.SideLong {
			return price <= limit, nil
		}
		return price >= limit, nil
	case domain.EntryStop:
		if p.Side == domain.SideLong {
			return price >= limit, nil
		}
		return price <= limit, nil
	default:
		return false, fmt.Errorf("position %s: entry type %q cannot be pending", p.ID, p.EntryType)
	}
}
