package oracle

import (
	"sync"
	"time"

	"github.com/mkarlsen/leverbot/internal/domain"
)

// cacheEntry is one in-process cached quote. Entries expire purely by age
// against their per-entry TTL; there is no active eviction.
type cacheEntry struct {
	quote      domain.Quote
	insertedAt time.Time
	ttl        time.Duration
}

// memoryCache is the in-process price cache tier. The TTL of each entry is
// sized by the volatility tracker at write time.
type memoryCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	now     func() time.Time
}

func newMemoryCache() *memoryCache {
	return &memoryCache{
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

// get returns a quote that has not outlived its TTL.
func (c *memoryCache) get(symbol string) (domain.Quote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[symbol]
	if !ok {
		return domain.Quote{}, false
	}
	if c.now().Sub(e.insertedAt) >= e.ttl {
		return domain.Quote{}, false
	}
	return e.quote, true
}

func (c *memoryCache) set(q domain.Quote, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[q.Symbol] = cacheEntry{quote: q, insertedAt: c.now(), ttl: ttl}
}

// invalidate drops one symbol, or everything when symbol is empty.
func (c *memoryCache) invalidate(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if symbol == "" {
		c.entries = make(map[string]cacheEntry)
		return
	}
	delete(c.entries, symbol)
}
