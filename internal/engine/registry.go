package engine

import (
	"sort"
	"time"

	"trailbot/internal/domain"
)

// registry is the canonical in-memory position map plus a per-symbol index
// that keeps UpdatePrice from scanning every position. It carries no lock of
// its own: the engine's single coarse mutex guards every access, which is
// what lets one UpdatePrice pass mutate several positions atomically.
type registry struct {
	byID map[string]*domain.Position
	// bySymbol holds position ids in insertion order so update passes are
	// deterministic. Closed positions are removed from the index but stay
	// in byID for status lookups.
	bySymbol map[string][]string
}

func newRegistry() *registry {
	return &registry{
		byID:     make(map[string]*domain.Position),
		bySymbol: make(map[string][]string),
	}
}

func (r *registry) insert(pos *domain.Position) {
	r.byID[pos.ID] = pos
	r.bySymbol[pos.Symbol] = append(r.bySymbol[pos.Symbol], pos.ID)
}

func (r *registry) get(id string) (*domain.Position, bool) {
	pos, ok := r.byID[id]
	return pos, ok
}

// idsForSymbol returns the index slice for symbol; callers must not mutate it.
func (r *registry) idsForSymbol(symbol string) []string {
	return r.bySymbol[symbol]
}

// dropFromIndex removes id from the symbol index after a close, keeping the
// remaining order intact.
func (r *registry) dropFromIndex(symbol, id string) {
	ids := r.bySymbol[symbol]
	for i, v := range ids {
		if v == id {
			r.bySymbol[symbol] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(r.bySymbol[symbol]) == 0 {
		delete(r.bySymbol, symbol)
	}
}

// active returns deep copies of every non-closed position, ordered by symbol
// and then by insertion.
func (r *registry) active() []domain.Position {
	symbols := make([]string, 0, len(r.bySymbol))
	for s := range r.bySymbol {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	out := make([]domain.Position, 0, len(r.byID))
	for _, s := range symbols {
		for _, id := range r.bySymbol[s] {
			if pos, ok := r.byID[id]; ok && !pos.IsClosed() {
				out = append(out, *pos.Clone())
			}
		}
	}
	return out
}

func (r *registry) activeCount() int {
	n := 0
	for _, ids := range r.bySymbol {
		n += len(ids)
	}
	return n
}

// Snapshot is the serializable form of the registry: active positions only,
// with the capture time used to enforce the restore staleness bound.
type Snapshot struct {
	TakenAt   time.Time
	Positions []domain.Position
}

func (r *registry) snapshot(now time.Time) Snapshot {
	return Snapshot{
		TakenAt:   now,
		Positions: r.active(),
	}
}

// restore seeds the registry from a snapshot, skipping malformed or closed
// records. It returns how many positions were restored and how many skipped.
func (r *registry) restore(snap Snapshot) (restored, skipped int) {
	for i := range snap.Positions {
		pos := snap.Positions[i]
		if pos.ID == "" || pos.Symbol == "" || pos.EntryPrice <= 0 || pos.Quantity < 0 {
			skipped++
			continue
		}
		if !pos.Direction.Valid() || pos.IsClosed() {
			skipped++
			continue
		}
		if _, exists := r.byID[pos.ID]; exists {
			skipped++
			continue
		}
		r.insert(pos.Clone())
		restored++
	}
	return restored, skipped
}
