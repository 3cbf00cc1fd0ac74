package domain

import (
	"fmt"
	"time"
)

// Side is the direction of a leveraged position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// EntryType describes how a position is entered.
type EntryType string

const (
	EntryMarket EntryType = "market"
	EntryLimit  EntryType = "limit"
	EntryStop   EntryType = "stop"
)

// PositionStatus tracks a position through its lifecycle. Transitions only
// move forward; see CanTransition.
type PositionStatus string

const (
	StatusConfigured PositionStatus = "configured"
	StatusPending    PositionStatus = "pending"
	StatusActive     PositionStatus = "active"
	StatusStopped    PositionStatus = "stopped"
)

// validTransitions is the forward-only lifecycle graph.
var validTransitions = map[PositionStatus][]PositionStatus{
	StatusConfigured: {StatusPending, StatusActive},
	StatusPending:    {StatusActive, StatusStopped},
	StatusActive:     {StatusStopped},
	StatusStopped:    {},
}

// CanTransition reports whether a position may move from one status to another.
func CanTransition(from, to PositionStatus) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TakeProfitLevel is one rung of the take-profit ladder: close Allocation
// percent of the position once profit reaches Percentage percent of margin.
type TakeProfitLevel struct {
	Percentage float64 `json:"percentage"`
	Allocation float64 `json:"allocation"`
	Triggered  bool    `json:"triggered"`
}

// TrailingStop configures an exchange-delegated trailing stop.
type TrailingStop struct {
	Enabled         bool    `json:"enabled"`
	TrailPercent    float64 `json:"trail_percent"`
	ActivationPrice float64 `json:"activation_price"`
}

// Position is the core entity of the risk engine. OriginalAmount and
// OriginalMargin are captured once at first activation and never mutated
// afterwards; all per-level profit amounts are computed against them, not
// against the live (reducing) Amount.
type Position struct {
	ID      string
	OwnerID string

	Symbol    string
	Side      Side
	Leverage  int
	EntryType EntryType

	// EntryPrice is nil until the entry order fills.
	EntryPrice *float64

	TakeProfits     []TakeProfitLevel
	StopLossPercent float64
	// BreakevenAfter references a 1-based TP level; 0 disables break-even.
	BreakevenAfter int
	Trailing       TrailingStop

	Status PositionStatus

	// Amount is the live committed margin; it shrinks on partial closes.
	Amount         float64
	OriginalAmount *float64
	OriginalMargin *float64

	CurrentPrice  float64
	UnrealizedPnL float64
	RealizedPnL   float64
	FinalPnL      *float64

	BreakevenTriggered bool
	BreakevenStop      *float64

	// AppliedOrderIDs records exchange order IDs whose fills have already
	// been credited to RealizedPnL. It is the reconciliation dedup key.
	AppliedOrderIDs map[string]bool

	OpenedAt  time.Time
	ClosedAt  *time.Time
	UpdatedAt time.Time

	// Version supports compare-and-swap persistence.
	Version int64
}

// Activate snapshots the immutable originals and moves the position to
// active at the given fill price. It is an error to activate twice.
func (p *Position) Activate(fillPrice float64, now time.Time) error {
	if !CanTransition(p.Status, StatusActive) {
		return fmt.Errorf("position %s: cannot activate from status %q", p.ID, p.Status)
	}
	if p.OriginalAmount != nil || p.OriginalMargin != nil {
		return fmt.Errorf("position %s: originals already captured", p.ID)
	}
	amount := p.Amount
	margin := p.Amount
	p.OriginalAmount = &amount
	p.OriginalMargin = &margin
	p.EntryPrice = &fillPrice
	p.CurrentPrice = fillPrice
	p.UnrealizedPnL = 0
	p.Status = StatusActive
	p.OpenedAt = now
	return nil
}

// Stop finalizes the position. FinalPnL is set exactly once, as the sum of
// unrealized and realized PnL at the instant of closing.
func (p *Position) Stop(now time.Time) error {
	if !CanTransition(p.Status, StatusStopped) {
		return fmt.Errorf("position %s: cannot stop from status %q", p.ID, p.Status)
	}
	if p.FinalPnL != nil {
		return fmt.Errorf("position %s: final pnl already set", p.ID)
	}
	final := p.UnrealizedPnL + p.RealizedPnL
	p.FinalPnL = &final
	p.Status = StatusStopped
	p.ClosedAt = &now
	return nil
}

// PositionValue is the notional value of the live position.
func (p *Position) PositionValue() float64 {
	return p.Amount * float64(p.Leverage)
}

// PositionSize converts notional value into base-asset quantity at the
// entry price. Zero until the entry fills.
func (p *Position) PositionSize() float64 {
	if p.EntryPrice == nil || *p.EntryPrice == 0 {
		return 0
	}
	return p.PositionValue() / *p.EntryPrice
}

// RemainingAllocation sums the allocation percent of un-triggered TP levels.
func (p *Position) RemainingAllocation() float64 {
	var sum float64
	for _, lvl := range p.TakeProfits {
		if !lvl.Triggered {
			sum += lvl.Allocation
		}
	}
	return sum
}

// ArmBreakevenIfReady arms the break-even stop at the entry price once the
// configured number of TP levels has triggered. It reports whether the stop
// was armed by this call.
func (p *Position) ArmBreakevenIfReady() bool {
	if p.BreakevenAfter == 0 || p.BreakevenTriggered || p.EntryPrice == nil {
		return false
	}
	triggered := 0
	for _, lvl := range p.TakeProfits {
		if lvl.Triggered {
			triggered++
		}
	}
	if triggered < p.BreakevenAfter {
		return false
	}
	be := *p.EntryPrice
	p.BreakevenTriggered = true
	p.BreakevenStop = &be
	return true
}

// FillApplied reports whether an exchange order's fill was already credited.
func (p *Position) FillApplied(orderID string) bool {
	return p.AppliedOrderIDs[orderID]
}

// MarkFillApplied records an exchange order ID as credited.
func (p *Position) MarkFillApplied(orderID string) {
	if p.AppliedOrderIDs == nil {
		p.AppliedOrderIDs = make(map[string]bool, 1)
	}
	p.AppliedOrderIDs[orderID] = true
}
