package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/mkarlsen/leverbot/internal/domain"
	"github.com/mkarlsen/leverbot/internal/feed"
	"github.com/mkarlsen/leverbot/internal/oracle"
)

// breakerWatchInterval is how often breaker states are compared for change
// notifications.
const breakerWatchInterval = 5 * time.Second

// TradingMode runs the full trading stack: price feed, evaluation sweeps,
// exchange reconciliation, breaker watch, and optional archival.
func (a *App) TradingMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting trading mode")

	g, ctx := errgroup.WithContext(ctx)

	if deps.Stream != nil {
		a.startFeed(ctx, g, deps)
	}

	g.Go(func() error { return a.sweepLoop(ctx, deps) })
	g.Go(func() error { return a.reconcileLoop(ctx, deps) })
	g.Go(func() error { return a.breakerWatch(ctx, deps) })

	if deps.Archiver != nil {
		g.Go(func() error { return a.archiveLoop(ctx, deps) })
	}

	return g.Wait()
}

// MonitorMode keeps the feed, reconciler, and breaker watch running without
// placing any orders. Positions are still merged from the exchange so the
// book and store stay current.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	g, ctx := errgroup.WithContext(ctx)

	if deps.Stream != nil {
		a.startFeed(ctx, g, deps)
	}

	g.Go(func() error { return a.reconcileLoop(ctx, deps) })
	g.Go(func() error { return a.breakerWatch(ctx, deps) })

	return g.Wait()
}

// startFeed connects the price stream and fans ticks into the shared cache,
// the volatility tracker, and (in paper mode) the simulated exchange.
func (a *App) startFeed(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	// The stream reports wire-form symbols (BTCUSDT); map them back to the
	// configured form so cache keys match engine lookups.
	wireToSymbol := make(map[string]string, len(a.cfg.Feed.Symbols))
	for _, sym := range a.cfg.Feed.Symbols {
		wireToSymbol[domain.WireSymbol(sym)] = sym
	}

	ttlCfg := oracle.TTLConfig{
		Min:       a.cfg.Oracle.TTLMin.Duration,
		Max:       a.cfg.Oracle.TTLMax.Duration,
		Base:      a.cfg.Oracle.TTLBase.Duration,
		Threshold: a.cfg.Oracle.VolatilityThreshold,
	}
	deps.Stream.OnTick(func(tick feed.Tick) {
		symbol, ok := wireToSymbol[tick.Symbol]
		if !ok {
			return
		}

		vol := deps.Oracle.Volatility()
		vol.Observe(symbol, tick.Price)

		entryTTL := ttlCfg.TTLFor(vol.Score(symbol))
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := deps.PriceCache.SetPrice(cctx, symbol, tick.Price, "feed", tick.At, entryTTL); err != nil {
			a.logger.Warn("feed cache write failed",
				slog.String("symbol", symbol),
				slog.String("error", err.Error()),
			)
		}
		cancel()

		if deps.Paper != nil {
			deps.Paper.SetPrice(symbol, tick.Price)
		}
	})

	g.Go(func() error {
		if err := deps.Stream.Connect(ctx); err != nil {
			return fmt.Errorf("app: feed connect: %w", err)
		}
		if len(a.cfg.Feed.Symbols) > 0 {
			if err := deps.Stream.Subscribe(ctx, a.cfg.Feed.Symbols); err != nil {
				return fmt.Errorf("app: feed subscribe: %w", err)
			}
		}
		<-ctx.Done()
		return ctx.Err()
	})
}

// sweepLoop periodically evaluates every owner's positions against fresh
// prices. Owners are processed concurrently up to the configured limit, and
// each owner is guarded by a distributed lock so only one process works on
// an owner at a time.
func (a *App) sweepLoop(ctx context.Context, deps *Dependencies) error {
	ticker := time.NewTicker(a.cfg.Engine.SweepInterval.Duration)
	defer ticker.Stop()

	sem := semaphore.NewWeighted(int64(a.cfg.Engine.OwnerConcurrency))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, owner := range deps.Engine.Book().Owners() {
				if err := sem.Acquire(ctx, 1); err != nil {
					return err
				}
				go func(owner string) {
					defer sem.Release(1)
					a.withOwnerLock(ctx, deps, owner, func(octx context.Context) error {
						return deps.Engine.EvaluateOwner(octx, owner)
					})
				}(owner)
			}
		}
	}
}

// reconcileLoop periodically merges exchange state into local positions,
// under the same per-owner lock as the sweep.
func (a *App) reconcileLoop(ctx context.Context, deps *Dependencies) error {
	ticker := time.NewTicker(a.cfg.Engine.ReconcileInterval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, owner := range deps.Engine.Book().Owners() {
				a.withOwnerLock(ctx, deps, owner, func(octx context.Context) error {
					_, err := deps.Reconciler.Reconcile(octx, owner)
					return err
				})
			}
		}
	}
}

// withOwnerLock runs fn while holding the owner's distributed lock. A lock
// already held elsewhere skips this round silently; other errors are logged
// but never stop the loop.
func (a *App) withOwnerLock(ctx context.Context, deps *Dependencies, owner string, fn func(ctx context.Context) error) {
	unlock, err := deps.LockManager.Acquire(ctx, "owner:"+owner, a.cfg.Engine.LockTTL.Duration)
	if err != nil {
		if !errors.Is(err, domain.ErrLockHeld) {
			a.logger.Warn("owner lock failed",
				slog.String("owner", owner),
				slog.String("error", err.Error()),
			)
		}
		return
	}
	defer unlock()

	if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Error("owner pass failed",
			slog.String("owner", owner),
			slog.String("error", err.Error()),
		)
	}
}

// breakerWatch publishes a signal and notification whenever any circuit
// breaker changes state.
func (a *App) breakerWatch(ctx context.Context, deps *Dependencies) error {
	ticker := time.NewTicker(breakerWatchInterval)
	defer ticker.Stop()

	last := deps.Breakers.Snapshot()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			current := deps.Breakers.Snapshot()
			for name, state := range current {
				if prev, ok := last[name]; ok && prev == state {
					continue
				}
				a.logger.InfoContext(ctx, "breaker state changed",
					slog.String("dependency", name),
					slog.String("state", state.String()),
				)

				payload, err := json.Marshal(map[string]string{
					"event":      domain.EventBreakerState,
					"dependency": name,
					"state":      state.String(),
				})
				if err == nil {
					if err := deps.SignalBus.Publish(ctx, "breakers", payload); err != nil {
						a.logger.Warn("breaker signal publish failed", slog.String("error", err.Error()))
					}
				}

				title := fmt.Sprintf("Breaker %s: %s", name, state)
				if err := deps.Notifier.Notify(ctx, domain.EventBreakerState, title, ""); err != nil {
					a.logger.Warn("breaker notification failed", slog.String("error", err.Error()))
				}
			}
			last = current
		}
	}
}

// archiveLoop periodically moves cold stopped positions to object storage.
func (a *App) archiveLoop(ctx context.Context, deps *Dependencies) error {
	ticker := time.NewTicker(a.cfg.Archive.Interval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			cutoff := time.Now().AddDate(0, 0, -a.cfg.Archive.RetentionDays)
			count, err := deps.Archiver.ArchivePositions(ctx, cutoff)
			if err != nil {
				a.logger.Error("archive pass failed", slog.String("error", err.Error()))
				continue
			}
			if count > 0 {
				a.logger.InfoContext(ctx, "archive pass complete", slog.Int64("count", count))
			}
		}
	}
}
