package registry

import (
	"DerivLedger/internal/ledger"
)

// Kind is the derivative direction
type Kind int32

const (
	KindLong Kind = iota + 1
	KindShort
)

func (k Kind) String() string {
	switch k {
	case KindLong:
		return "Long"
	case KindShort:
		return "Short"
	default:
		return "Unknown"
	}
}

// ParseKind maps the wire form to a Kind, reporting whether it is supported.
func ParseKind(s string) (Kind, bool) {
	switch s {
	case "long", "Long", "LONG":
		return KindLong, true
	case "short", "Short", "SHORT":
		return KindShort, true
	default:
		return 0, false
	}
}

// State is the lifecycle stage of a derivative position
type State int32

const (
	StateOpen State = iota
	StateSettled
	StateMatured
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "Open"
	case StateSettled:
		return "Settled"
	case StateMatured:
		return "Matured"
	default:
		return "Unknown"
	}
}

// CanTransitionTo validates state transitions. Settled and Matured are
// terminal; a position settles exactly once.
func (s State) CanTransitionTo(next State) bool {
	validTransitions := map[State][]State{
		StateOpen: {
			StateSettled,
			StateMatured,
		},
	}

	allowed, ok := validTransitions[s]
	if !ok {
		return false
	}

	for _, allowedState := range allowed {
		if next == allowedState {
			return true
		}
	}

	return false
}

// Position is one derivative registry record
type Position struct {
	ID             uint64
	Creator        ledger.Address
	Owner          ledger.Address
	TargetPrice    int64 // micro-units, immutable after creation
	FeeAmount      int64 // primary-sale price while creator == owner
	MaturityHeight int64 // height after which forced settlement is allowed
	Kind           Kind
	State          State
	Size           int64
	InceptionHeight int64
	MarginAmount   int64 // collateral locked behind this position
	MarginFrozen   bool  // whether MarginAmount is still held
}

// IsActive reports whether the position can still change hands or be
// exercised at the given height.
func (p *Position) IsActive(height int64) bool {
	return p.State == StateOpen && height < p.MaturityHeight
}

// IsMatured reports whether the position is eligible for forced settlement.
func (p *Position) IsMatured(height int64) bool {
	return height >= p.MaturityHeight
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 160)

	buf = appendInt64LE(buf, int64(p.ID))

	// creator / owner (length-prefixed)
	buf = append(buf, byte(len(p.Creator)))
	buf = append(buf, []byte(p.Creator)...)
	buf = append(buf, byte(len(p.Owner)))
	buf = append(buf, []byte(p.Owner)...)

	buf = appendInt64LE(buf, p.TargetPrice)
	buf = appendInt64LE(buf, p.FeeAmount)
	buf = appendInt64LE(buf, p.MaturityHeight)

	// kind + state (1 byte each)
	buf = append(buf, byte(p.Kind))
	buf = append(buf, byte(p.State))

	buf = appendInt64LE(buf, p.Size)
	buf = appendInt64LE(buf, p.InceptionHeight)
	buf = appendInt64LE(buf, p.MarginAmount)

	if p.MarginFrozen {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}

	return buf
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}
