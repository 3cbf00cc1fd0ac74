package engine

import (
	"math"
	"testing"
	"time"

	"github.com/mkarlsen/leverbot/internal/domain"
)

func approx(got, want float64) bool {
	return math.Abs(got-want) <= 1e-9
}

func activePosition(t *testing.T, side domain.Side, entry, margin float64, leverage int) *domain.Position {
	t.Helper()
	p := &domain.Position{
		ID:       "pos-1",
		OwnerID:  "owner-1",
		Symbol:   "BTC/USDT",
		Side:     side,
		Leverage: leverage,
		Amount:   margin,
		Status:   domain.StatusConfigured,
	}
	if err := p.Activate(entry, time.Unix(1_700_000_000, 0)); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	return p
}

func TestEvaluateStopLossAtExactThreshold(t *testing.T) {
	p := activePosition(t, domain.SideLong, 100, 100, 10)
	p.StopLossPercent = 5

	// -0.5% price move * 10x on 100 margin = -5, exactly 5% of margin.
	out, err := evaluate(p, 99.5, time.Now())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !out.closed || out.closeReason != "stop_loss" {
		t.Fatalf("outcome = %+v, want stop_loss close", out)
	}
	if p.Status != domain.StatusStopped {
		t.Fatalf("status = %q, want stopped", p.Status)
	}
	if p.FinalPnL == nil || !approx(*p.FinalPnL, -5) {
		t.Fatalf("final pnl = %v, want -5", p.FinalPnL)
	}
	if p.ClosedAt == nil {
		t.Fatal("closed position without a close time")
	}
}

func TestEvaluateStopLossNotReached(t *testing.T) {
	p := activePosition(t, domain.SideLong, 100, 100, 10)
	p.StopLossPercent = 5

	out, err := evaluate(p, 99.6, time.Now())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if out.closed {
		t.Fatal("closed below the stop-loss threshold")
	}
	if !out.changed {
		t.Fatal("mark-to-market refresh not reported as a change")
	}
	if !approx(p.UnrealizedPnL, -4) {
		t.Fatalf("unrealized pnl = %v, want -4", p.UnrealizedPnL)
	}
}

func TestEvaluateShortStopLoss(t *testing.T) {
	p := activePosition(t, domain.SideShort, 100, 200, 5)
	p.StopLossPercent = 10

	// +2% against the short * 5x on 200 margin = -20, 10% of margin.
	out, err := evaluate(p, 102, time.Now())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !out.closed || out.closeReason != "stop_loss" {
		t.Fatalf("outcome = %+v, want stop_loss close", out)
	}
	if !approx(*p.FinalPnL, -20) {
		t.Fatalf("final pnl = %v, want -20", *p.FinalPnL)
	}
}

func TestEvaluatePartialTakeProfit(t *testing.T) {
	p := activePosition(t, domain.SideLong, 100, 1000, 10)
	p.TakeProfits = []domain.TakeProfitLevel{
		{Percentage: 10, Allocation: 50},
		{Percentage: 30, Allocation: 50},
	}
	p.BreakevenAfter = 1

	// +1% * 10x = +10% of margin, resolving level 1 only.
	out, err := evaluate(p, 101, time.Now())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if out.closed || out.partialLevel != 1 {
		t.Fatalf("outcome = %+v, want partial close of level 1", out)
	}
	// Profit is sized against the immutable original margin.
	if !approx(out.profitAmount, 50) {
		t.Fatalf("profit = %v, want 50", out.profitAmount)
	}
	if !approx(p.RealizedPnL, 50) || !approx(p.Amount, 500) {
		t.Fatalf("realized = %v amount = %v, want 50 and 500", p.RealizedPnL, p.Amount)
	}
	if !p.TakeProfits[0].Triggered || p.TakeProfits[1].Triggered {
		t.Fatalf("ladder state = %+v, want only level 1 triggered", p.TakeProfits)
	}
	if !out.armedBE || p.BreakevenStop == nil || !approx(*p.BreakevenStop, 100) {
		t.Fatalf("break-even not armed at entry: armed=%v stop=%v", out.armedBE, p.BreakevenStop)
	}
	if p.Status != domain.StatusActive {
		t.Fatalf("status = %q, want active after partial", p.Status)
	}
}

func TestEvaluateOneLevelPerCycle(t *testing.T) {
	p := activePosition(t, domain.SideLong, 100, 1000, 10)
	p.TakeProfits = []domain.TakeProfitLevel{
		{Percentage: 5, Allocation: 25},
		{Percentage: 10, Allocation: 25},
	}

	// +2% * 10x = +20% of margin clears both thresholds, but only the first
	// un-triggered level may resolve in one cycle.
	out, err := evaluate(p, 102, time.Now())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if out.partialLevel != 1 {
		t.Fatalf("partial level = %d, want 1", out.partialLevel)
	}
	if p.TakeProfits[1].Triggered {
		t.Fatal("second level resolved in the same cycle")
	}
}

func TestEvaluateFullAllocationClosesPosition(t *testing.T) {
	p := activePosition(t, domain.SideLong, 100, 1000, 10)
	p.TakeProfits = []domain.TakeProfitLevel{{Percentage: 20, Allocation: 100}}

	out, err := evaluate(p, 102, time.Now())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !out.closed || out.closeReason != "take_profit" {
		t.Fatalf("outcome = %+v, want take_profit close", out)
	}
	if !approx(*p.FinalPnL, 200) {
		t.Fatalf("final pnl = %v, want 200", *p.FinalPnL)
	}
}

func TestEvaluateBreakevenPrecedesStopLoss(t *testing.T) {
	p := activePosition(t, domain.SideLong, 100, 1000, 10)
	p.StopLossPercent = 50
	p.TakeProfits = []domain.TakeProfitLevel{
		{Percentage: 10, Allocation: 50, Triggered: true},
	}
	p.RealizedPnL = 50
	p.Amount = 500
	be := 100.0
	p.BreakevenTriggered = true
	p.BreakevenStop = &be

	// Price back through entry closes via the break-even stop even though
	// the loss is nowhere near the standard stop threshold.
	out, err := evaluate(p, 99.9, time.Now())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !out.closed || out.closeReason != "breakeven_stop" {
		t.Fatalf("outcome = %+v, want breakeven_stop close", out)
	}
	// -0.1% * 10x on 500 margin = -5 unrealized, plus 50 already realized.
	if !approx(*p.FinalPnL, 45) {
		t.Fatalf("final pnl = %v, want 45", *p.FinalPnL)
	}
}

func TestPendingLimitEntryFills(t *testing.T) {
	limit := 95.0
	p := &domain.Position{
		ID:         "pos-1",
		Symbol:     "BTC/USDT",
		Side:       domain.SideLong,
		Leverage:   10,
		EntryType:  domain.EntryLimit,
		EntryPrice: &limit,
		Amount:     100,
		Status:     domain.StatusPending,
	}

	out, err := evaluate(p, 96, time.Now())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if out.changed {
		t.Fatal("long limit filled above its price")
	}

	now := time.Unix(1_700_000_100, 0)
	out, err = evaluate(p, 95, now)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !out.activated {
		t.Fatalf("outcome = %+v, want activation", out)
	}
	if p.Status != domain.StatusActive || *p.EntryPrice != 95 {
		t.Fatalf("position = status %q entry %v, want active at 95", p.Status, *p.EntryPrice)
	}
	if p.OriginalMargin == nil || *p.OriginalMargin != 100 {
		t.Fatal("originals not captured on fill")
	}
	if !p.OpenedAt.Equal(now) {
		t.Fatalf("opened at %v, want %v", p.OpenedAt, now)
	}
}

func TestPendingFilledBySideAndEntryType(t *testing.T) {
	tests := []struct {
		name  string
		side  domain.Side
		entry domain.EntryType
		limit float64
		price float64
		want  bool
	}{
		{"long limit above", domain.SideLong, domain.EntryLimit, 95, 96, false},
		{"long limit at", domain.SideLong, domain.EntryLimit, 95, 95, true},
		{"short limit below", domain.SideShort, domain.EntryLimit, 105, 104, false},
		{"short limit through", domain.SideShort, domain.EntryLimit, 105, 106, true},
		{"long stop below", domain.SideLong, domain.EntryStop, 105, 104, false},
		{"long stop through", domain.SideLong, domain.EntryStop, 105, 105, true},
		{"short stop above", domain.SideShort, domain.EntryStop, 95, 96, false},
		{"short stop through", domain.SideShort, domain.EntryStop, 95, 94, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limit := tt.limit
			p := &domain.Position{
				ID:         "pos-1",
				Side:       tt.side,
				EntryType:  tt.entry,
				EntryPrice: &limit,
				Status:     domain.StatusPending,
			}
			got, err := pendingFilled(p, tt.price)
			if err != nil {
				t.Fatalf("pendingFilled: %v", err)
			}
			if got != tt.want {
				t.Fatalf("filled = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTriggerPrices(t *testing.T) {
	// A 10% of margin level at 10x leverage is a 1% price move.
	if got := TakeProfitPrice(100, domain.SideLong, 10, 10); !approx(got, 101) {
		t.Fatalf("long TP price = %v, want 101", got)
	}
	if got := TakeProfitPrice(100, domain.SideShort, 10, 10); !approx(got, 99) {
		t.Fatalf("short TP price = %v, want 99", got)
	}
	if got := StopLossPrice(100, domain.SideLong, 10, 5); !approx(got, 99.5) {
		t.Fatalf("long SL price = %v, want 99.5", got)
	}
	if got := StopLossPrice(100, domain.SideShort, 10, 5); !approx(got, 100.5) {
		t.Fatalf("short SL price = %v, want 100.5", got)
	}
}

func TestLadderProfitsAlwaysFromOriginalMargin(t *testing.T) {
	p := activePosition(t, domain.SideLong, 100, 1000, 10)
	p.TakeProfits = []domain.TakeProfitLevel{
		{Percentage: 2, Allocation: 50},
		{Percentage: 3.5, Allocation: 30},
		{Percentage: 5, Allocation: 20},
	}

	// Each level's profit comes from the immutable original margin, not
	// from the margin left after earlier levels fired.
	steps := []struct {
		price      float64
		level      int
		profit     float64
		margin     float64
		cumulative float64
	}{
		{100.2, 1, 10, 500, 10},      // 2% * 1000 * 50%
		{100.36, 2, 10.5, 350, 20.5}, // 3.5% * 1000 * 30%
		{100.5, 3, 10, 280, 30.5},    // 5% * 1000 * 20%
	}
	for _, step := range steps {
		out, err := evaluate(p, step.price, time.Now())
		if err != nil {
			t.Fatalf("evaluate at %v: %v", step.price, err)
		}
		if out.partialLevel != step.level {
			t.Fatalf("at %v resolved level %d, want %d", step.price, out.partialLevel, step.level)
		}
		if !approx(out.profitAmount, step.profit) {
			t.Fatalf("level %d profit = %v, want %v", step.level, out.profitAmount, step.profit)
		}
		if !approx(p.Amount, step.margin) {
			t.Fatalf("margin after level %d = %v, want %v", step.level, p.Amount, step.margin)
		}
		if !approx(p.RealizedPnL, step.cumulative) {
			t.Fatalf("realized after level %d = %v, want %v", step.level, p.RealizedPnL, step.cumulative)
		}
	}
	if p.Status != domain.StatusActive {
		t.Fatalf("status = %q, want still active on a 20%% final allocation", p.Status)
	}
}
