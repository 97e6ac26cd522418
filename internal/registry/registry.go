package registry

import (
	"sort"

	"DerivLedger/internal/errs"
	"DerivLedger/internal/ledger"
)

// Registry is the in-memory derivative position store. IDs are dense and
// assigned in strictly increasing order starting at 1. Records are never
// deleted; terminal positions stay resident for queries and hashing.
type Registry struct {
	positions map[uint64]*Position
	nextID    uint64
}

func NewRegistry() *Registry {
	return &Registry{
		positions: make(map[uint64]*Position),
		nextID:    1,
	}
}

// NextID returns the id the next Insert will assign.
func (r *Registry) NextID() uint64 {
	return r.nextID
}

// Insert assigns the next id to the position and stores it.
func (r *Registry) Insert(p *Position) uint64 {
	p.ID = r.nextID
	r.positions[p.ID] = p
	r.nextID++
	return p.ID
}

// Get looks up a position. ErrInvalidDerivativeID means the id was never
// assigned; ErrDerivativeNotFound means it should exist but does not.
func (r *Registry) Get(id uint64) (*Position, error) {
	if id == 0 || id >= r.nextID {
		return nil, errs.ErrInvalidDerivativeID
	}
	p, ok := r.positions[id]
	if !ok {
		return nil, errs.ErrDerivativeNotFound
	}
	return p, nil
}

// Transition moves the position to a terminal state, enforcing the
// lifecycle machine.
func (r *Registry) Transition(p *Position, next State) error {
	if !p.State.CanTransitionTo(next) {
		return errs.ErrDerivativeAlreadySettled
	}
	p.State = next
	return nil
}

// FrozenMarginByCreator sums MarginAmount over the creator's positions that
// still hold margin. This is the registry side of the conservation check
// against the ledger's frozen balance.
func (r *Registry) FrozenMarginByCreator(creator ledger.Address) int64 {
	var total int64
	for _, p := range r.positions {
		if p.Creator == creator && p.MarginFrozen {
			total += p.MarginAmount
		}
	}
	return total
}

// All returns positions ordered by id, for snapshots and hashing.
func (r *Registry) All() []*Position {
	out := make([]*Position, 0, len(r.positions))
	for _, p := range r.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of stored positions.
func (r *Registry) Count() int {
	return len(r.positions)
}

// Restore replaces registry contents from a snapshot.
func (r *Registry) Restore(positions []*Position, nextID uint64) {
	r.positions = make(map[uint64]*Position, len(positions))
	for _, p := range positions {
		r.positions[p.ID] = p
	}
	r.nextID = nextID
}
