package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned by stores and caches for missing entries.
	ErrNotFound = errors.New("not found")
	// ErrPriceUnavailable means every price source was exhausted.
	ErrPriceUnavailable = errors.New("no price available")
	// ErrBreakerOpen means a dependency is currently gated by its circuit
	// breaker; the call is retryable after the recovery timeout.
	ErrBreakerOpen = errors.New("circuit breaker open")
	// ErrExchangeRejected means the exchange refused an order request.
	ErrExchangeRejected = errors.New("exchange rejected request")
	// ErrPersistence is surfaced only after the persistence retry policy
	// is exhausted; in-memory state remains authoritative until the next
	// successful save.
	ErrPersistence = errors.New("persistence failure")
	// ErrVersionConflict means a save lost a compare-and-swap race.
	ErrVersionConflict = errors.New("position version conflict")
	// ErrReconcileConflict means exchange and local state disagree in a way
	// that cannot be resolved automatically and needs manual review.
	ErrReconcileConflict = errors.New("reconciliation conflict")
	// ErrLockHeld means a per-owner lock is already held by another party.
	ErrLockHeld = errors.New("lock already held")
)

// IncompleteConfigError reports the configuration fields that prevent a
// position from being activated. It is not retryable; the caller must fix
// the listed fields.
type IncompleteConfigError struct {
	Fields []string
}

func (e *IncompleteConfigError) Error() string {
	return fmt.Sprintf("incomplete position configuration: %s", strings.Join(e.Fields, ", "))
}

// IsIncompleteConfig reports whether err is an IncompleteConfigError.
func IsIncompleteConfig(err error) bool {
	var ice *IncompleteConfigError
	return errors.As(err, &ice)
}
