package oracle

import (
	"sort"
	"sync"

	"github.com/mkarlsen/leverbot/internal/domain"
)

// emaWeight is the exponential moving average weight given to a new latency
// sample.
const emaWeight = 0.2

// providerStats tracks the rolling performance of one price provider.
type providerStats struct {
	successes    int64
	failures     int64
	avgLatencyMs float64
}

// score ranks a provider: higher success rate and lower latency win.
// Untried providers score as a perfect, instant source so they get a chance.
func (s providerStats) score() float64 {
	total := s.successes + s.failures
	if total == 0 {
		return 100
	}
	rate := float64(s.successes) / float64(total)
	return rate*100 - s.avgLatencyMs
}

// scoreboard holds the shared per-provider stats behind a lock.
type scoreboard struct {
	mu    sync.Mutex
	stats map[string]*providerStats
}

func newScoreboard() *scoreboard {
	return &scoreboard{stats: make(map[string]*providerStats)}
}

func (b *scoreboard) recordSuccess(name string, latencyMs float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.get(name)
	s.successes++
	if s.avgLatencyMs == 0 {
		s.avgLatencyMs = latencyMs
		return
	}
	s.avgLatencyMs = emaWeight*latencyMs + (1-emaWeight)*s.avgLatencyMs
}

func (b *scoreboard) recordFailure(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.get(name).failures++
}

// get returns the stats for name, creating them on first use. Callers hold mu.
func (b *scoreboard) get(name string) *providerStats {
	s, ok := b.stats[name]
	if !ok {
		s = &providerStats{}
		b.stats[name] = s
	}
	return s
}

// rank returns providers ordered by descending score.
func (b *scoreboard) rank(providers []domain.PriceProvider) []domain.PriceProvider {
	b.mu.Lock()
	scores := make(map[string]float64, len(providers))
	for _, p := range providers {
		scores[p.Name()] = b.get(p.Name()).score()
	}
	b.mu.Unlock()

	ranked := make([]domain.PriceProvider, len(providers))
	copy(ranked, providers)
	sort.SliceStable(ranked, func(i, j int) bool {
		return scores[ranked[i].Name()] > scores[ranked[j].Name()]
	})
	return ranked
}
