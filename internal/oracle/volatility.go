package oracle

import (
	"math"
	"sync"
	"time"
)

// volatilityWindow caps how many recent prices contribute to a symbol's score.
const volatilityWindow = 20

// VolatilityTracker keeps a bounded window of recent prices per symbol and
// scores volatility as the coefficient of variation in percent
// (stdev/mean*100). The score sizes cache TTLs: calm symbols cache longer.
type VolatilityTracker struct {
	mu      sync.Mutex
	windows map[string][]float64
}

// NewVolatilityTracker creates an empty tracker.
func NewVolatilityTracker() *VolatilityTracker {
	return &VolatilityTracker{windows: make(map[string][]float64)}
}

// Observe appends a price sample to the symbol's window.
func (v *VolatilityTracker) Observe(symbol string, price float64) {
	if price <= 0 {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	w := append(v.windows[symbol], price)
	if len(w) > volatilityWindow {
		w = w[len(w)-volatilityWindow:]
	}
	v.windows[symbol] = w
}

// Score returns stdev/mean*100 over the symbol's window, or 0 with fewer
// than two samples.
func (v *VolatilityTracker) Score(symbol string) float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	w := v.windows[symbol]
	if len(w) < 2 {
		return 0
	}
	var sum float64
	for _, p := range w {
		sum += p
	}
	mean := sum / float64(len(w))
	if mean == 0 {
		return 0
	}
	var variance float64
	for _, p := range w {
		d := p - mean
		variance += d * d
	}
	variance /= float64(len(w))
	return math.Sqrt(variance) / mean * 100
}

// TTLConfig bounds the volatility-adaptive cache TTL.
type TTLConfig struct {
	Min       time.Duration
	Max       time.Duration
	Base      time.Duration
	Threshold float64 // volatility score separating calm from turbulent
}

// DefaultTTLConfig mirrors the provider cache defaults.
func DefaultTTLConfig() TTLConfig {
	return TTLConfig{
		Min:       2 * time.Second,
		Max:       60 * time.Second,
		Base:      10 * time.Second,
		Threshold: 2.0,
	}
}

// TTLFor converts a volatility score into a cache TTL. Below the threshold
// the TTL grows from Base toward Max as volatility falls to zero; above it
// the TTL shrinks from Base toward Min as volatility rises. The result is
// always clamped to [Min, Max].
func (c TTLConfig) TTLFor(score float64) time.Duration {
	var ttl time.Duration
	if score <= c.Threshold {
		frac := 1 - score/c.Threshold
		ttl = c.Base + time.Duration(frac*float64(c.Max-c.Base))
	} else {
		ttl = time.Duration(float64(c.Base) * c.Threshold / score)
	}
	if ttl < c.Min {
		return c.Min
	}
	if ttl > c.Max {
		return c.Max
	}
	return ttl
}
