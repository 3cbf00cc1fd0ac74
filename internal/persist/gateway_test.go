package persist

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

// fastPolicy keeps retry sleeps negligible in tests.
func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
		Multiplier:  1,
	}
}

// scriptedStore fails each call with the next queued error, then succeeds.
type scriptedStore struct {
	errs  []error
	calls int
}

func (s *scriptedStore) next() error {
	s.calls++
	if len(s.errs) == 0 {
		return nil
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	return err
}

func (s *scriptedStore) LoadPositions(context.Context, string) ([]domain.Position, error) {
	if err := s.next(); err != nil {
		return nil, err
	}
	return []domain.Position{{ID: "pos-1"}}, nil
}

func (s *scriptedStore) SavePosition(context.Context, domain.Position) error {
	return s.next()
}

func (s *scriptedStore) DeletePosition(context.Context, string, string) error {
	return s.next()
}

func TestSaveRetriesTransientFailures(t *testing.T) {
	store := &scriptedStore{errs: []error{
		errors.New("connection reset"),
		errors.New("connection reset"),
	}}
	g := NewGateway(store, fastPolicy(4), testLogger())

	if err := g.SavePosition(context.Background(), domain.Position{ID: "pos-1"}); err != nil {
		t.Fatalf("SavePosition: %v", err)
	}
	if store.calls != 3 {
		t.Fatalf("calls = %d, want 3 (two failures then success)", store.calls)
	}
}

func TestSaveNeverRetriesVersionConflict(t *testing.T) {
	store := &scriptedStore{errs: []error{
		domain.ErrVersionConflict,
	}}
	g := NewGateway(store, fastPolicy(4), testLogger())

	err := g.SavePosition(context.Background(), domain.Position{ID: "pos-1"})
	if !errors.Is(err, domain.ErrVersionConflict) {
		t.Fatalf("err = %v, want ErrVersionConflict", err)
	}
	// Conflicts are not wrapped as persistence failures: the caller must
	// re-read, not back off.
	if errors.Is(err, domain.ErrPersistence) {
		t.Fatal("version conflict reported as a persistence failure")
	}
	if store.calls != 1 {
		t.Fatalf("calls = %d, want 1", store.calls)
	}
}

func TestSaveExhaustionWrapsPersistence(t *testing.T) {
	boom := errors.New("db down")
	store := &scriptedStore{errs: []error{boom, boom, boom}}
	g := NewGateway(store, fastPolicy(3), testLogger())

	err := g.SavePosition(context.Background(), domain.Position{ID: "pos-1"})
	if !errors.Is(err, domain.ErrPersistence) {
		t.Fatalf("err = %v, want ErrPersistence", err)
	}
	if !errors.Is(err, boom) {
		t.Fatal("underlying cause not preserved in the chain")
	}
	if store.calls != 3 {
		t.Fatalf("calls = %d, want 3", store.calls)
	}
}

func TestRunStopsOnCanceledContext(t *testing.T) {
	store := &scriptedStore{errs: []error{context.Canceled}}
	g := NewGateway(store, fastPolicy(4), testLogger())

	err := g.SavePosition(context.Background(), domain.Position{ID: "pos-1"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if store.calls != 1 {
		t.Fatalf("calls = %d, want 1", store.calls)
	}
}

func TestLoadPositionsRetries(t *testing.T) {
	store := &scriptedStore{errs: []error{errors.New("timeout")}}
	g := NewGateway(store, fastPolicy(4), testLogger())

	positions, err := g.LoadPositions(context.Background(), "owner-1")
	if err != nil {
		t.Fatalf("LoadPositions: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("positions = %d, want 1", len(positions))
	}
	if store.calls != 2 {
		t.Fatalf("calls = %d, want 2", store.calls)
	}
}

func TestDelayIsBoundedByMaxDelay(t *testing.T) {
	p := RetryPolicy{
		MaxAttempts: 10,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    time.Second,
		Multiplier:  2,
	}
	for attempt := 0; attempt < 10; attempt++ {
		if d := p.delay(attempt); d > time.Second {
			t.Fatalf("delay(%d) = %v, exceeds the cap", attempt, d)
		}
	}
}
