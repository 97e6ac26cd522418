package registry_test

import (
	"errors"
	"testing"

	"DerivLedger/internal/errs"
	"DerivLedger/internal/registry"
)

const creator = "SP2J6ZY48GV1EZ5V2V5RB9MP66SW86PYKKNRV9EJ7"

func validParams(height int64) registry.CreateParams {
	return registry.CreateParams{
		TargetPrice:    5_000_000,
		FeeAmount:      10_000,
		Size:           1,
		MaturityHeight: height + 200,
		Kind:           registry.KindLong,
	}
}

// ============================================================================
// Test: CreateParams validation
// ============================================================================

func TestCreateParams_Valid(t *testing.T) {
	if err := validParams(100).Validate(100); err != nil {
		t.Errorf("valid params should pass: %v", err)
	}
}

func TestCreateParams_ValidationOrder(t *testing.T) {
	height := int64(100)

	// Everything wrong at once: target price must be reported first.
	p := registry.CreateParams{
		TargetPrice:    1,
		FeeAmount:      0,
		Size:           0,
		MaturityHeight: height + 1,
		Kind:           registry.Kind(99),
	}
	if err := p.Validate(height); !errors.Is(err, errs.ErrInvalidTargetPrice) {
		t.Errorf("expected ErrInvalidTargetPrice, got %v", err)
	}

	p.TargetPrice = registry.MinTargetPrice
	if err := p.Validate(height); !errors.Is(err, errs.ErrInvalidFee) {
		t.Errorf("expected ErrInvalidFee, got %v", err)
	}

	p.FeeAmount = 1
	if err := p.Validate(height); !errors.Is(err, errs.ErrInvalidPositionSize) {
		t.Errorf("expected ErrInvalidPositionSize, got %v", err)
	}

	p.Size = 1
	if err := p.Validate(height); !errors.Is(err, errs.ErrInvalidMaturity) {
		t.Errorf("expected ErrInvalidMaturity, got %v", err)
	}

	p.MaturityHeight = height + 200
	if err := p.Validate(height); !errors.Is(err, errs.ErrUnsupportedDerivativeType) {
		t.Errorf("expected ErrUnsupportedDerivativeType, got %v", err)
	}
}

func TestCreateParams_MaturityBoundsExclusive(t *testing.T) {
	height := int64(1_000)

	p := validParams(height)
	p.MaturityHeight = height + registry.MinMaturityBlocks
	if err := p.Validate(height); !errors.Is(err, errs.ErrInvalidMaturity) {
		t.Errorf("maturity at floor should fail, got %v", err)
	}

	p.MaturityHeight = height + registry.MinMaturityBlocks + 1
	if err := p.Validate(height); err != nil {
		t.Errorf("maturity just above floor should pass: %v", err)
	}

	p.MaturityHeight = height + registry.MaxMaturityBlocks
	if err := p.Validate(height); !errors.Is(err, errs.ErrInvalidMaturity) {
		t.Errorf("maturity at ceiling should fail, got %v", err)
	}

	p.MaturityHeight = height + registry.MaxMaturityBlocks - 1
	if err := p.Validate(height); err != nil {
		t.Errorf("maturity just below ceiling should pass: %v", err)
	}
}

func TestRequiredMargin(t *testing.T) {
	margin, err := registry.RequiredMargin(registry.KindLong, 5_000_000, 1)
	if err != nil {
		t.Fatalf("RequiredMargin failed: %v", err)
	}
	if margin != 5_000_000 {
		t.Errorf("got %d, want 5_000_000", margin)
	}

	// Symmetric for shorts
	short, err := registry.RequiredMargin(registry.KindShort, 1_000, 10)
	if err != nil {
		t.Fatalf("RequiredMargin failed: %v", err)
	}
	if short != 10_000 {
		t.Errorf("got %d, want 10_000", short)
	}
}

// ============================================================================
// Test: Registry
// ============================================================================

func newOpenPosition() *registry.Position {
	return &registry.Position{
		Creator:        creator,
		Owner:          creator,
		TargetPrice:    5_000_000,
		FeeAmount:      10_000,
		MaturityHeight: 300,
		Kind:           registry.KindLong,
		State:          registry.StateOpen,
		Size:           1,
		MarginAmount:   5_000_000,
		MarginFrozen:   true,
	}
}

func TestRegistry_MonotonicIDs(t *testing.T) {
	r := registry.NewRegistry()

	if r.NextID() != 1 {
		t.Fatalf("first id should be 1, got %d", r.NextID())
	}

	for want := uint64(1); want <= 5; want++ {
		got := r.Insert(newOpenPosition())
		if got != want {
			t.Errorf("insert %d: got id %d", want, got)
		}
	}
	if r.NextID() != 6 {
		t.Errorf("next id should be 6, got %d", r.NextID())
	}
}

func TestRegistry_GetUnassignedID(t *testing.T) {
	r := registry.NewRegistry()
	r.Insert(newOpenPosition())

	if _, err := r.Get(0); !errors.Is(err, errs.ErrInvalidDerivativeID) {
		t.Errorf("id 0: expected ErrInvalidDerivativeID, got %v", err)
	}
	if _, err := r.Get(2); !errors.Is(err, errs.ErrInvalidDerivativeID) {
		t.Errorf("unassigned id: expected ErrInvalidDerivativeID, got %v", err)
	}
	if _, err := r.Get(1); err != nil {
		t.Errorf("assigned id should resolve: %v", err)
	}
}

func TestRegistry_TerminalTransitions(t *testing.T) {
	r := registry.NewRegistry()
	r.Insert(newOpenPosition())
	p, _ := r.Get(1)

	if err := r.Transition(p, registry.StateSettled); err != nil {
		t.Fatalf("Open -> Settled should pass: %v", err)
	}
	if err := r.Transition(p, registry.StateMatured); !errors.Is(err, errs.ErrDerivativeAlreadySettled) {
		t.Errorf("Settled -> Matured should fail, got %v", err)
	}
	if err := r.Transition(p, registry.StateSettled); !errors.Is(err, errs.ErrDerivativeAlreadySettled) {
		t.Errorf("Settled -> Settled should fail, got %v", err)
	}
}

func TestRegistry_FrozenMarginByCreator(t *testing.T) {
	r := registry.NewRegistry()

	a := newOpenPosition()
	b := newOpenPosition()
	b.MarginAmount = 2_000_000
	c := newOpenPosition()
	c.MarginFrozen = false
	d := newOpenPosition()
	d.Creator = "SP3FBR2AGK5H9QBDH3EEN6DF8EK8JY7RX8QJ5SVTE"

	r.Insert(a)
	r.Insert(b)
	r.Insert(c)
	r.Insert(d)

	got := r.FrozenMarginByCreator(creator)
	if got != 7_000_000 {
		t.Errorf("frozen by creator: got %d, want 7_000_000", got)
	}
}

func TestRegistry_Restore(t *testing.T) {
	r := registry.NewRegistry()
	r.Insert(newOpenPosition())
	r.Insert(newOpenPosition())

	restored := registry.NewRegistry()
	restored.Restore(r.All(), r.NextID())

	if restored.Count() != 2 {
		t.Fatalf("restored count: got %d, want 2", restored.Count())
	}
	if restored.NextID() != 3 {
		t.Errorf("restored next id: got %d, want 3", restored.NextID())
	}
}

func TestPosition_CanonicalBytesDeterministic(t *testing.T) {
	a := newOpenPosition()
	a.ID = 7
	b := newOpenPosition()
	b.ID = 7

	if string(a.CanonicalBytes()) != string(b.CanonicalBytes()) {
		t.Error("identical positions should serialize identically")
	}

	b.Owner = "SP3FBR2AGK5H9QBDH3EEN6DF8EK8JY7RX8QJ5SVTE"
	if string(a.CanonicalBytes()) == string(b.CanonicalBytes()) {
		t.Error("owner change should alter canonical bytes")
	}
}

func TestParseKind(t *testing.T) {
	if k, ok := registry.ParseKind("long"); !ok || k != registry.KindLong {
		t.Error("long should parse")
	}
	if k, ok := registry.ParseKind("SHORT"); !ok || k != registry.KindShort {
		t.Error("SHORT should parse")
	}
	if _, ok := registry.ParseKind("straddle"); ok {
		t.Error("unsupported kind should not parse")
	}
}
