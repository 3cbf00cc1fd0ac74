// Package persist wraps the position store behind a gateway that applies one
// centralized retry policy with bounded exponential backoff. Retry
// exhaustion surfaces domain.ErrPersistence; callers keep in-memory state
// authoritative until the next successful save.
package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mkarlsen/leverbot/internal/domain"
)

// Gateway is a retrying facade over a domain.PositionStore.
type Gateway struct {
	store  domain.PositionStore
	policy RetryPolicy
	logger *slog.Logger
}

// NewGateway creates a Gateway around store.
func NewGateway(store domain.PositionStore, policy RetryPolicy, logger *slog.Logger) *Gateway {
	return &Gateway{
		store:  store,
		policy: policy,
		logger: logger.With(slog.String("component", "persist")),
	}
}

// LoadPositions loads every position belonging to an owner.
func (g *Gateway) LoadPositions(ctx context.Context, ownerID string) ([]domain.Position, error) {
	var out []domain.Position
	err := g.policy.run(ctx, func(ctx context.Context) error {
		positions, err := g.store.LoadPositions(ctx, ownerID)
		if err != nil {
			return err
		}
		out = positions
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("persist: load positions for %s: %w: %w", ownerID, domain.ErrPersistence, err)
	}
	return out, nil
}

// SavePosition saves pos, retrying transient failures. The position's
// Version must match the stored row; a mismatch returns
// domain.ErrVersionConflict without retrying.
func (g *Gateway) SavePosition(ctx context.Context, pos domain.Position) error {
	err := g.policy.run(ctx, func(ctx context.Context) error {
		return g.store.SavePosition(ctx, pos)
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrVersionConflict) {
		return err
	}
	g.logger.Error("save exhausted retries",
		slog.String("owner", pos.OwnerID),
		slog.String("position", pos.ID),
		slog.String("error", err.Error()),
	)
	return fmt.Errorf("persist: save position %s: %w: %w", pos.ID, domain.ErrPersistence, err)
}

// DeletePosition removes a position permanently.
func (g *Gateway) DeletePosition(ctx context.Context, ownerID, positionID string) error {
	err := g.policy.run(ctx, func(ctx context.Context) error {
		return g.store.DeletePosition(ctx, ownerID, positionID)
	})
	if err != nil {
		return fmt.Errorf("persist: delete position %s: %w: %w", positionID, domain.ErrPersistence, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.PositionStore = (*Gateway)(nil)
