package engine

import (
	"sync"

	"github.com/mkarlsen/leverbot/internal/domain"
)

// Book is the in-memory position store, keyed by owner. All mutations to one
// owner's positions happen under that owner's mutex, which serializes the
// risk sweep against reconciliation and against request handlers.
type Book struct {
	mu     sync.RWMutex
	owners map[string]*ownerBook
}

type ownerBook struct {
	mu        sync.Mutex
	positions map[string]*domain.Position
}

// NewBook creates an empty Book.
func NewBook() *Book {
	return &Book{owners: make(map[string]*ownerBook)}
}

func (b *Book) owner(ownerID string) *ownerBook {
	b.mu.Lock()
	defer b.mu.Unlock()
	ob, ok := b.owners[ownerID]
	if !ok {
		ob = &ownerBook{positions: make(map[string]*domain.Position)}
		b.owners[ownerID] = ob
	}
	return ob
}

// WithOwner runs fn while holding the owner's mutex. fn receives the live
// position map and may mutate it.
func (b *Book) WithOwner(ownerID string, fn func(positions map[string]*domain.Position)) {
	ob := b.owner(ownerID)
	ob.mu.Lock()
	defer ob.mu.Unlock()
	fn(ob.positions)
}

// Get returns a copy of one position, so readers never observe a position
// mid-mutation.
func (b *Book) Get(ownerID, positionID string) (domain.Position, bool) {
	ob := b.owner(ownerID)
	ob.mu.Lock()
	defer ob.mu.Unlock()
	p, ok := ob.positions[positionID]
	if !ok {
		return domain.Position{}, false
	}
	return ClonePosition(p), true
}

// Snapshot returns copies of all of an owner's positions.
func (b *Book) Snapshot(ownerID string) []domain.Position {
	ob := b.owner(ownerID)
	ob.mu.Lock()
	defer ob.mu.Unlock()
	out := make([]domain.Position, 0, len(ob.positions))
	for _, p := range ob.positions {
		out = append(out, ClonePosition(p))
	}
	return out
}

// Owners lists every owner currently holding positions.
func (b *Book) Owners() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.owners))
	for id := range b.owners {
		out = append(out, id)
	}
	return out
}

// Load replaces an owner's in-memory positions, typically at startup from
// the persistence gateway.
func (b *Book) Load(ownerID string, positions []domain.Position) {
	ob := b.owner(ownerID)
	ob.mu.Lock()
	defer ob.mu.Unlock()
	ob.positions = make(map[string]*domain.Position, len(positions))
	for i := range positions {
		p := ClonePosition(&positions[i])
		ob.positions[p.ID] = &p
	}
}

// ClonePosition deep-copies a position, including its slices and maps, so
// callers outside the owner lock never alias live book state.
func ClonePosition(p *domain.Position) domain.Position {
	out := *p
	out.TakeProfits = append([]domain.TakeProfitLevel(nil), p.TakeProfits...)
	if p.AppliedOrderIDs != nil {
		out.AppliedOrderIDs = make(map[string]bool, len(p.AppliedOrderIDs))
		for k, v := range p.AppliedOrderIDs {
			out.AppliedOrderIDs[k] = v
		}
	}
	if p.EntryPrice != nil {
		v := *p.EntryPrice
		out.EntryPrice = &v
	}
	if p.OriginalAmount != nil {
		v := *p.OriginalAmount
		out.OriginalAmount = &v
	}
	if p.OriginalMargin != nil {
		v := *p.OriginalMargin
		out.OriginalMargin = &v
	}
	if p.BreakevenStop != nil {
		v := *p.BreakevenStop
		out.BreakevenStop = &v
	}
	if p.FinalPnL != nil {
		v := *p.FinalPnL
		out.FinalPnL = &v
	}
	if p.ClosedAt != nil {
		v := *p.ClosedAt
		out.ClosedAt = &v
	}
	return out
}
