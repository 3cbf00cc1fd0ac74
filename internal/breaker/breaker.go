// Package breaker implements a per-dependency circuit breaker used to gate
// every external call the oracle and reconciler make. Breakers are shared by
// dependency name through a Registry.
package breaker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mkarlsen/leverbot/internal/domain"
)

// State is the breaker state machine position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds the per-instance breaker thresholds.
type Config struct {
	// FailureThreshold is the number of accumulated failures that trips the
	// breaker from closed to open.
	FailureThreshold int
	// RecoveryTimeout is how long the breaker stays open before allowing a
	// half-open probe.
	RecoveryTimeout time.Duration
	// SuccessThreshold is the number of consecutive half-open successes
	// required to close the breaker again.
	SuccessThreshold int
}

// DefaultConfig matches the thresholds used for price providers.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		SuccessThreshold: 2,
	}
}

// Transition is one recorded state change, kept in a bounded history for
// observability.
type Transition struct {
	From State
	To   State
	At   time.Time
}

const maxHistory = 32

// Counters are the aggregate call statistics for one breaker.
type Counters struct {
	Requests  int64
	Successes int64
	Failures  int64
}

// Breaker gates calls to a single named external dependency.
type Breaker struct {
	name string
	cfg  Config

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	probing     bool
	lastFailure time.Time
	history     []Transition
	counters    Counters

	logger *slog.Logger
	now    func() time.Time
}

// New creates a breaker for the named dependency.
func New(name string, cfg Config, logger *slog.Logger) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultConfig().SuccessThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultConfig().RecoveryTimeout
	}
	return &Breaker{
		name:   name,
		cfg:    cfg,
		logger: logger.With(slog.String("breaker", name)),
		now:    time.Now,
	}
}

// Name returns the dependency name this breaker guards.
func (b *Breaker) Name() string { return b.name }

// Do runs fn through the breaker. While the breaker is open and the recovery
// timeout has not elapsed, Do fails fast with domain.ErrBreakerOpen without
// invoking fn. In the half-open state only one probe may be in flight.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(err == nil)
	return err
}

// allow decides whether a call may proceed, moving open breakers to
// half-open once the recovery timeout has elapsed.
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.counters.Requests++

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.lastFailure) < b.cfg.RecoveryTimeout {
			b.counters.Failures++
			return fmt.Errorf("breaker %s: %w", b.name, domain.ErrBreakerOpen)
		}
		b.transition(StateHalfOpen)
		b.successes = 0
		b.probing = true
		return nil
	case StateHalfOpen:
		if b.probing {
			b.counters.Failures++
			return fmt.Errorf("breaker %s: probe in flight: %w", b.name, domain.ErrBreakerOpen)
		}
		b.probing = true
		return nil
	}
	return nil
}

// record applies a call outcome to the state machine.
func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		b.counters.Successes++
	} else {
		b.counters.Failures++
	}

	switch b.state {
	case StateClosed:
		if success {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.lastFailure = b.now()
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.probing = false
		if !success {
			// Any half-open failure reopens and resets the recovery clock.
			b.lastFailure = b.now()
			b.successes = 0
			b.transition(StateOpen)
			return
		}
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.failures = 0
			b.transition(StateClosed)
		}
	case StateOpen:
		// A failure recorded while open (late result) refreshes the clock.
		if !success {
			b.lastFailure = b.now()
		}
	}
}

// transition changes state and appends to the bounded history. Callers hold mu.
func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	b.history = append(b.history, Transition{From: from, To: to, At: b.now()})
	if len(b.history) > maxHistory {
		b.history = b.history[len(b.history)-maxHistory:]
	}
	b.logger.Info("breaker state change",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	)
}

// State returns the current state without advancing it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a copy of the aggregate counters and transition history.
func (b *Breaker) Stats() (Counters, []Transition) {
	b.mu.Lock()
	defer b.mu.Unlock()
	hist := make([]Transition, len(b.history))
	copy(hist, b.history)
	return b.counters, hist
}
