package domain

import (
	"context"
	"time"
)

// PositionStore persists positions keyed by owner and position ID.
// Save must honor Position.Version: a save whose version does not match the
// stored row returns ErrVersionConflict.
type PositionStore interface {
	LoadPositions(ctx context.Context, ownerID string) ([]Position, error)
	SavePosition(ctx context.Context, pos Position) error
	DeletePosition(ctx context.Context, ownerID, positionID string) error
}

// LockManager provides cross-process mutual exclusion, used to serialize
// reconciliation and risk evaluation per owner.
type LockManager interface {
	// Acquire obtains the lock for key with the given TTL and returns an
	// unlock function, or ErrLockHeld when another party holds it.
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// SignalBus publishes structured lifecycle events for downstream consumers
// (the notification sink, dashboards).
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}
