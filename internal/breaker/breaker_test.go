package breaker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mkarlsen/leverbot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestBreaker(cfg Config) (*Breaker, *time.Time) {
	b := New("test", cfg, testLogger())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	return b, &now
}

var errBoom = errors.New("boom")

func succeed(context.Context) error { return nil }

func TestBreakerTripsAfterFailureThreshold(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 3, RecoveryTimeout: 30 * time.Second, SuccessThreshold: 2})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := b.Do(ctx, func(context.Context) error { return errBoom }); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: got %v, want errBoom", i, err)
		}
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("state after 2 failures = %v, want closed", got)
	}

	if err := b.Do(ctx, func(context.Context) error { return errBoom }); !errors.Is(err, errBoom) {
		t.Fatalf("third failure: got %v", err)
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("state after 3 failures = %v, want open", got)
	}

	// While open, calls fail fast without invoking fn.
	invoked := false
	err := b.Do(ctx, func(context.Context) error {
		invoked = true
		return nil
	})
	if !errors.Is(err, domain.ErrBreakerOpen) {
		t.Fatalf("open breaker err = %v, want ErrBreakerOpen", err)
	}
	if invoked {
		t.Fatal("fn invoked while breaker open")
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 3, RecoveryTimeout: 30 * time.Second, SuccessThreshold: 1})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_ = b.Do(ctx, func(context.Context) error { return errBoom })
	}
	if err := b.Do(ctx, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("success call: %v", err)
	}
	// Two more failures should not trip, the counter was reset.
	for i := 0; i < 2; i++ {
		_ = b.Do(ctx, func(context.Context) error { return errBoom })
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("state = %v, want closed", got)
	}
}

func TestBreakerHalfOpenSingleProbe(t *testing.T) {
	b, now := newTestBreaker(Config{FailureThreshold: 1, RecoveryTimeout: 10 * time.Second, SuccessThreshold: 2})
	ctx := context.Background()

	_ = b.Do(ctx, func(context.Context) error { return errBoom })
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %v, want open", got)
	}

	// Before the recovery timeout nothing passes.
	*now = now.Add(5 * time.Second)
	if err := b.Do(ctx, succeed); !errors.Is(err, domain.ErrBreakerOpen) {
		t.Fatalf("pre-recovery err = %v, want ErrBreakerOpen", err)
	}

	// After the timeout exactly one probe is allowed; a second call while
	// the probe is in flight fails fast.
	*now = now.Add(6 * time.Second)
	err := b.Do(ctx, func(context.Context) error {
		if inner := b.Do(ctx, succeed); !errors.Is(inner, domain.ErrBreakerOpen) {
			t.Fatalf("concurrent probe err = %v, want ErrBreakerOpen", inner)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("state after one probe success = %v, want half_open", got)
	}

	// Second consecutive success closes the breaker.
	if err := b.Do(ctx, succeed); err != nil {
		t.Fatalf("second probe: %v", err)
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("state = %v, want closed", got)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b, now := newTestBreaker(Config{FailureThreshold: 1, RecoveryTimeout: 10 * time.Second, SuccessThreshold: 2})
	ctx := context.Background()

	_ = b.Do(ctx, func(context.Context) error { return errBoom })
	*now = now.Add(11 * time.Second)

	if err := b.Do(ctx, func(context.Context) error { return errBoom }); !errors.Is(err, errBoom) {
		t.Fatalf("probe err = %v", err)
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %v, want open after failed probe", got)
	}

	// The recovery clock restarted at the failed probe.
	*now = now.Add(9 * time.Second)
	if err := b.Do(ctx, succeed); !errors.Is(err, domain.ErrBreakerOpen) {
		t.Fatalf("err = %v, want ErrBreakerOpen", err)
	}
}

func TestBreakerHistoryBounded(t *testing.T) {
	b, now := newTestBreaker(Config{FailureThreshold: 1, RecoveryTimeout: time.Second, SuccessThreshold: 1})
	ctx := context.Background()

	// Each cycle records open -> half_open -> closed transitions.
	for i := 0; i < 40; i++ {
		_ = b.Do(ctx, func(context.Context) error { return errBoom })
		*now = now.Add(2 * time.Second)
		_ = b.Do(ctx, succeed)
	}

	counters, history := b.Stats()
	if len(history) > maxHistory {
		t.Fatalf("history length = %d, want <= %d", len(history), maxHistory)
	}
	if counters.Requests == 0 || counters.Failures == 0 {
		t.Fatalf("counters not recorded: %+v", counters)
	}
}

func TestRegistrySharesBreakersByName(t *testing.T) {
	r := NewRegistry(DefaultConfig(), testLogger())

	a := r.Get("exchange")
	b := r.Get("exchange")
	if a != b {
		t.Fatal("Get returned different breakers for the same name")
	}
	if r.Get("coingecko") == a {
		t.Fatal("distinct names share a breaker")
	}

	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot size = %d, want 2", len(snap))
	}
	if snap["exchange"] != StateClosed {
		t.Fatalf("fresh breaker state = %v, want closed", snap["exchange"])
	}
}
