package projection

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"

	"DerivLedger/internal/command"
	"DerivLedger/internal/ledger"
	"DerivLedger/internal/registry"
)

const (
	rbAlice = "SP2J6ZY48GV1EZ5V2V5RB9MP66SW86PYKKNRV9EJ7"
	rbBob   = "SP3FBR2AGK5H9QBDH3EEN6DF8EK8JY7GXMN1P01ES"
	rbCarol = "SP1P72Z3704VMT3DMHPP2CB8TGQWGDBHD3RPR9GZS"
)

func mkOp(t *testing.T, seq, height int64, cmd command.Command) opRecord {
	t.Helper()
	payload, err := json.Marshal(cmd)
	if err != nil {
		t.Fatalf("marshal %T: %v", cmd, err)
	}
	return opRecord{
		Sequence: seq,
		OpType:   cmd.OpType().String(),
		Height:   height,
		Payload:  payload,
	}
}

func TestFoldOperations_SettledPositionSurvives(t *testing.T) {
	ops := []opRecord{
		mkOp(t, 1, 100, &command.CreateDerivative{
			ID: uuid.New(), Principal: ledger.Address(rbAlice),
			TargetPrice: 1_000, FeeAmount: 50, Size: 10,
			MaturityHeight: 500, Kind: registry.KindShort,
		}),
		mkOp(t, 2, 100, &command.Purchase{
			ID: uuid.New(), Principal: ledger.Address(rbBob), DerivativeID: 1,
		}),
		mkOp(t, 3, 101, &command.SettleShort{
			ID: uuid.New(), Principal: ledger.Address(rbBob), DerivativeID: 1,
		}),
	}

	st, err := foldOperations(ops)
	if err != nil {
		t.Fatalf("foldOperations: %v", err)
	}
	if len(st.positions) != 1 {
		t.Fatalf("positions: got %d, want 1", len(st.positions))
	}

	p := st.positions[0]
	if p.ID != 1 {
		t.Errorf("ID: got %d", p.ID)
	}
	if p.Creator != rbAlice {
		t.Errorf("Creator: got %q", p.Creator)
	}
	if p.Owner != rbBob {
		t.Errorf("Owner: got %q, want purchaser", p.Owner)
	}
	if p.State != "Settled" {
		t.Errorf("State: got %q, want Settled", p.State)
	}
	if p.MarginFrozen {
		t.Error("MarginFrozen: settled margin must be released")
	}
	if p.MarginAmount != 10_000 {
		t.Errorf("MarginAmount: got %d, want target*size", p.MarginAmount)
	}
	if p.InceptionHeight != 100 {
		t.Errorf("InceptionHeight: got %d", p.InceptionHeight)
	}
	if p.Kind != "Short" {
		t.Errorf("Kind: got %q", p.Kind)
	}
	if st.posSeq[1] != 3 {
		t.Errorf("posSeq: got %d, want sequence of last touch", st.posSeq[1])
	}
}

func TestFoldOperations_DenseIDsAndTransfer(t *testing.T) {
	ops := []opRecord{
		mkOp(t, 1, 100, &command.CreateDerivative{
			ID: uuid.New(), Principal: ledger.Address(rbAlice),
			TargetPrice: 1_000, FeeAmount: 50, Size: 10,
			MaturityHeight: 500, Kind: registry.KindShort,
		}),
		mkOp(t, 2, 102, &command.CreateDerivative{
			ID: uuid.New(), Principal: ledger.Address(rbBob),
			TargetPrice: 2_000, FeeAmount: 80, Size: 5,
			MaturityHeight: 600, Kind: registry.KindLong,
		}),
		mkOp(t, 3, 103, &command.TransferOwnership{
			ID: uuid.New(), Principal: ledger.Address(rbBob),
			DerivativeID: 2, NewOwner: ledger.Address(rbCarol),
		}),
		mkOp(t, 4, 700, &command.SettleMatured{
			ID: uuid.New(), Principal: ledger.Address(rbAlice), DerivativeID: 2,
		}),
	}

	st, err := foldOperations(ops)
	if err != nil {
		t.Fatalf("foldOperations: %v", err)
	}
	if len(st.positions) != 2 {
		t.Fatalf("positions: got %d, want 2", len(st.positions))
	}
	if st.positions[0].ID != 1 || st.positions[1].ID != 2 {
		t.Fatalf("ids not assigned in creation order: %d, %d",
			st.positions[0].ID, st.positions[1].ID)
	}

	second := st.positions[1]
	if second.Owner != rbCarol {
		t.Errorf("Owner: got %q, want transferee", second.Owner)
	}
	if second.State != "Matured" {
		t.Errorf("State: got %q, want Matured", second.State)
	}
	if second.Kind != "Long" {
		t.Errorf("Kind: got %q", second.Kind)
	}

	first := st.positions[0]
	if first.State != "Open" || !first.MarginFrozen {
		t.Errorf("untouched position changed: state %q frozen %v", first.State, first.MarginFrozen)
	}
}

func TestFoldOperations_Rates(t *testing.T) {
	ops := []opRecord{
		mkOp(t, 1, 100, &command.RecordRate{
			ID: uuid.New(), Principal: ledger.Address(rbCarol), Value: 1_200_000,
		}),
		mkOp(t, 2, 105, &command.RecordRate{
			ID: uuid.New(), Principal: ledger.Address(rbAlice), Value: 1_250_000,
		}),
	}

	st, err := foldOperations(ops)
	if err != nil {
		t.Fatalf("foldOperations: %v", err)
	}
	if len(st.rates) != 2 {
		t.Fatalf("rates: got %d, want 2", len(st.rates))
	}
	if st.rates[0].Height != 100 || st.rates[0].Value != 1_200_000 || st.rates[0].Reporter != rbCarol {
		t.Errorf("first rate: %+v", st.rates[0])
	}
	if st.rates[0].Timestamp != 100 {
		t.Errorf("Timestamp: got %d, want recording height", st.rates[0].Timestamp)
	}
	if st.rates[1].Height != 105 || st.rates[1].Value != 1_250_000 {
		t.Errorf("second rate: %+v", st.rates[1])
	}
}

func TestFoldOperations_MalformedPayload(t *testing.T) {
	ops := []opRecord{
		{Sequence: 1, OpType: "CreateDerivative", Height: 100, Payload: []byte("{broken")},
	}
	if _, err := foldOperations(ops); err == nil {
		t.Fatal("expected decode error")
	}
}
