package engine

import "github.com/mkarlsen/leverbot/internal/domain"

// Trigger price derivation used both for display and for exchange-delegated
// orders. A level expressed as percent of margin translates into a price
// movement of levelPct/leverage/100 because leverage multiplies margin into
// notional exposure.

// TakeProfitPrice returns the mark price at which a TP level fires.
func TakeProfitPrice(entry float64, side domain.Side, leverage int, levelPct float64) float64 {
	movement := levelPct / float64(leverage) / 100
	if side == domain.SideLong {
		return entry * (1 + movement)
	}
	return entry * (1 - movement)
}

// StopLossPrice returns the mark price at which the stop-loss fires.
func StopLossPrice(entry float64, side domain.Side, leverage int, slPct float64) float64 {
	movement := slPct / float64(leverage) / 100
	if side == domain.SideLong {
		return entry * (1 - movement)
	}
	return entry * (1 + movement)
}

// BreakevenPrice is the stop price used once break-even arms: always the
// entry price.
func BreakevenPrice(entry float64) float64 { return entry }

// unrealizedPnL computes pnl = priceChangeRatio * leverage * margin, with
// the ratio negated for shorts.
func unrealizedPnL(entry, current float64, side domain.Side, leverage int, margin float64) float64 {
	if entry == 0 {
		return 0
	}
	ratio := (current - entry) / entry
	if side == domain.SideShort {
		ratio = -ratio
	}
	return ratio * float64(leverage) * margin
}
