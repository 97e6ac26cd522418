package ledger_test

import (
	"DerivLedger/internal/ledger"
	"testing"

	"github.com/google/uuid"
)

const (
	alice = ledger.Address("SP2J6ZY48GV1EZ5V2V5RB9MP66SW86PYKKNRV9EJ7")
	bob   = ledger.Address("SP3FBR2AGK5H9QBDH3EEN6DF8EK8JY7RX8QJ5SVTE")
	carol = ledger.Address("SP1P72Z3704VMT3DMHPP2CB8TGQWGDBHD3RPR9GZS")
)

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_UserPath(t *testing.T) {
	assetID, _ := ledger.GetAssetID("USTX")
	key := ledger.NewUserAccountKey(alice, ledger.SubTypeAvailable, assetID)

	path := key.AccountPath()
	expected := "acct:" + string(alice) + ":available:USTX"
	if path != expected {
		t.Errorf("got %q, want %q", path, expected)
	}
}

func TestAccountKey_SystemPath(t *testing.T) {
	key := ledger.NewSystemAccountKey(ledger.SubTypeSystemFees, ledger.AssetUSTX)

	path := key.AccountPath()
	if path != "system:fees:USTX" {
		t.Errorf("got %q, want %q", path, "system:fees:USTX")
	}
}

func TestAccountKey_ExternalPath(t *testing.T) {
	key := ledger.NewExternalAccountKey(ledger.SubTypeExternalChain, ledger.AssetUSTX)

	path := key.AccountPath()
	if path != "external:chain:USTX" {
		t.Errorf("got %q, want %q", path, "external:chain:USTX")
	}
}

func TestGetAssetID_Unknown(t *testing.T) {
	_, ok := ledger.GetAssetID("USDT")
	if ok {
		t.Error("USDT should not be a known asset")
	}
}

func TestParseAccountPath_Roundtrip(t *testing.T) {
	keys := []ledger.AccountKey{
		ledger.NewUserAccountKey(alice, ledger.SubTypeWallet, ledger.AssetUSTX),
		ledger.NewUserAccountKey(bob, ledger.SubTypeAvailable, ledger.AssetUSTX),
		ledger.NewUserAccountKey(carol, ledger.SubTypeFrozen, ledger.AssetUSTX),
		ledger.NewSystemAccountKey(ledger.SubTypeSystemFees, ledger.AssetUSTX),
		ledger.NewExternalAccountKey(ledger.SubTypeExternalChain, ledger.AssetUSTX),
	}

	for _, key := range keys {
		path := key.AccountPath()
		parsed, err := ledger.ParseAccountPath(path)
		if err != nil {
			t.Fatalf("parse %q: %v", path, err)
		}
		if parsed != key {
			t.Errorf("roundtrip mismatch for %q: got %+v, want %+v", path, parsed, key)
		}
	}
}

func TestParseAccountPath_Malformed(t *testing.T) {
	bad := []string{
		"",
		"acct:only-principal",
		"acct:SP123:available",
		"acct:SP123:available:DOGE",
		"system:fees",
		"vault:fees:USTX",
	}
	for _, path := range bad {
		if _, err := ledger.ParseAccountPath(path); err == nil {
			t.Errorf("expected error for %q", path)
		}
	}
}

// ============================================================================
// Test: BalanceTracker
// ============================================================================

func fundWallet(bt *ledger.BalanceTracker, principal ledger.Address, amount int64) {
	bt.ApplyJournal(ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       uuid.New(),
		DebitAccount:  ledger.NewUserAccountKey(principal, ledger.SubTypeWallet, ledger.AssetUSTX),
		CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalChain, ledger.AssetUSTX),
		AssetID:       ledger.AssetUSTX,
		Amount:        amount,
	})
}

func TestBalanceTracker_InitialBalanceZero(t *testing.T) {
	bt := ledger.NewBalanceTracker()

	if bt.GetAvailable(alice, ledger.AssetUSTX) != 0 {
		t.Error("initial available should be 0")
	}
	if bt.HasMarginAccount(alice) {
		t.Error("no margin account should exist before first deposit")
	}
}

func TestBalanceTracker_MarginAccountView(t *testing.T) {
	bt := ledger.NewBalanceTracker()

	if _, ok := bt.GetMarginAccount(alice, ledger.AssetUSTX); ok {
		t.Fatal("margin account should not exist yet")
	}

	fundWallet(bt, alice, 1_000_000)
	bt.ApplyJournal(ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       uuid.New(),
		DebitAccount:  ledger.NewUserAccountKey(alice, ledger.SubTypeAvailable, ledger.AssetUSTX),
		CreditAccount: ledger.NewUserAccountKey(alice, ledger.SubTypeWallet, ledger.AssetUSTX),
		AssetID:       ledger.AssetUSTX,
		Amount:        700_000,
	})
	bt.MarkOpened(alice)

	acct, ok := bt.GetMarginAccount(alice, ledger.AssetUSTX)
	if !ok {
		t.Fatal("margin account should exist after deposit")
	}
	if acct.AvailableFunds != 700_000 {
		t.Errorf("available: got %d, want 700_000", acct.AvailableFunds)
	}
	if acct.TotalFrozen != 0 {
		t.Errorf("frozen: got %d, want 0", acct.TotalFrozen)
	}
}

func TestBalanceTracker_GlobalBalanceZeroSum(t *testing.T) {
	bt := ledger.NewBalanceTracker()

	fundWallet(bt, alice, 1_000_000)

	// Lock part of it as margin
	bt.ApplyJournal(ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       uuid.New(),
		DebitAccount:  ledger.NewUserAccountKey(alice, ledger.SubTypeFrozen, ledger.AssetUSTX),
		CreditAccount: ledger.NewUserAccountKey(alice, ledger.SubTypeWallet, ledger.AssetUSTX),
		AssetID:       ledger.AssetUSTX,
		Amount:        300_000,
	})

	totals := bt.ComputeGlobalBalance()
	for aid, total := range totals {
		if total != 0 {
			t.Errorf("asset %d has non-zero global balance: %d", aid, total)
		}
	}
}

func TestBalanceTracker_Snapshot(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	fundWallet(bt, alice, 999)

	snap := bt.Snapshot()
	if len(snap) == 0 {
		t.Fatal("snapshot should not be empty")
	}

	// Mutating snapshot should not affect tracker
	for k := range snap {
		snap[k] = 0
	}

	if bt.GetWallet(alice, ledger.AssetUSTX) != 999 {
		t.Error("tracker balance should not be affected by snapshot mutation")
	}
}

func TestBalanceTracker_Restore(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	fundWallet(bt, alice, 500)
	bt.MarkOpened(alice)

	restored := ledger.NewBalanceTracker()
	restored.Restore(bt.Snapshot(), bt.OpenedAccounts())

	if restored.GetWallet(alice, ledger.AssetUSTX) != 500 {
		t.Error("restored tracker should carry wallet balance")
	}
	if !restored.HasMarginAccount(alice) {
		t.Error("restored tracker should carry opened accounts")
	}
}

// ============================================================================
// Test: JournalGenerator
// ============================================================================

func TestGenerator_DepositRequiresWalletFunds(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator(1, bt)

	if _, err := jg.GenerateDeposit(alice, 100, ledger.AssetUSTX, "op-1", 0); err == nil {
		t.Fatal("deposit with empty wallet should fail pre-check")
	}

	fundWallet(bt, alice, 100)
	batch, err := jg.GenerateDeposit(alice, 100, ledger.AssetUSTX, "op-2", 0)
	if err != nil {
		t.Fatalf("deposit should pass: %v", err)
	}
	if err := bt.ApplyBatch(batch); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if bt.GetAvailable(alice, ledger.AssetUSTX) != 100 {
		t.Errorf("available: got %d, want 100", bt.GetAvailable(alice, ledger.AssetUSTX))
	}
	if bt.GetWallet(alice, ledger.AssetUSTX) != 0 {
		t.Errorf("wallet: got %d, want 0", bt.GetWallet(alice, ledger.AssetUSTX))
	}
}

func TestGenerator_MarginLockAndRelease(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator(1, bt)

	fundWallet(bt, alice, 1_000)
	batch, _ := jg.GenerateDeposit(alice, 1_000, ledger.AssetUSTX, "op-1", 0)
	bt.ApplyBatch(batch)

	lock, err := jg.GenerateMarginLock(alice, 600, ledger.AssetUSTX, "op-2", 0)
	if err != nil {
		t.Fatalf("lock failed: %v", err)
	}
	bt.ApplyBatch(lock)

	if bt.GetFrozen(alice, ledger.AssetUSTX) != 600 {
		t.Errorf("frozen: got %d, want 600", bt.GetFrozen(alice, ledger.AssetUSTX))
	}
	if bt.GetAvailable(alice, ledger.AssetUSTX) != 400 {
		t.Errorf("available: got %d, want 400", bt.GetAvailable(alice, ledger.AssetUSTX))
	}

	// Can't lock more than available
	if _, err := jg.GenerateMarginLock(alice, 500, ledger.AssetUSTX, "op-3", 0); err == nil {
		t.Error("lock above available should fail")
	}

	release, err := jg.GenerateMarginRelease(alice, 600, ledger.AssetUSTX, "op-4", 0)
	if err != nil {
		t.Fatalf("release failed: %v", err)
	}
	bt.ApplyBatch(release)

	if bt.GetAvailable(alice, ledger.AssetUSTX) != 1_000 {
		t.Errorf("available after release: got %d, want 1_000", bt.GetAvailable(alice, ledger.AssetUSTX))
	}
}

func TestGenerator_PurchaseSplitsCommission(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator(1, bt)

	fundWallet(bt, bob, 10_000)

	recipient := ledger.NewUserAccountKey(carol, ledger.SubTypeWallet, ledger.AssetUSTX)
	batch, err := jg.GeneratePurchase(bob, alice, recipient, 10_000, 50, ledger.AssetUSTX, "op-1", 0)
	if err != nil {
		t.Fatalf("purchase failed: %v", err)
	}
	if len(batch.Journals) != 2 {
		t.Fatalf("expected 2 legs, got %d", len(batch.Journals))
	}
	bt.ApplyBatch(batch)

	if bt.GetWallet(alice, ledger.AssetUSTX) != 9_950 {
		t.Errorf("seller wallet: got %d, want 9_950", bt.GetWallet(alice, ledger.AssetUSTX))
	}
	if bt.GetWallet(carol, ledger.AssetUSTX) != 50 {
		t.Errorf("commission recipient: got %d, want 50", bt.GetWallet(carol, ledger.AssetUSTX))
	}
	if bt.GetWallet(bob, ledger.AssetUSTX) != 0 {
		t.Errorf("buyer wallet: got %d, want 0", bt.GetWallet(bob, ledger.AssetUSTX))
	}
}

func TestGenerator_SelfPurchaseSkipsSellerLeg(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator(1, bt)

	fundWallet(bt, alice, 1_000)

	recipient := ledger.NewUserAccountKey(carol, ledger.SubTypeWallet, ledger.AssetUSTX)
	batch, err := jg.GeneratePurchase(alice, alice, recipient, 1_000, 10, ledger.AssetUSTX, "op-1", 0)
	if err != nil {
		t.Fatalf("purchase failed: %v", err)
	}
	if len(batch.Journals) != 1 {
		t.Fatalf("expected only the commission leg, got %d", len(batch.Journals))
	}
	bt.ApplyBatch(batch)

	if bt.GetWallet(alice, ledger.AssetUSTX) != 990 {
		t.Errorf("self-purchase should only lose the commission: got %d", bt.GetWallet(alice, ledger.AssetUSTX))
	}
}

func TestGenerator_ShortSettlementSplitsMargin(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator(1, bt)

	fundWallet(bt, alice, 5_000)
	dep, _ := jg.GenerateDeposit(alice, 5_000, ledger.AssetUSTX, "op-1", 0)
	bt.ApplyBatch(dep)
	lock, _ := jg.GenerateMarginLock(alice, 5_000, ledger.AssetUSTX, "op-2", 0)
	bt.ApplyBatch(lock)

	batch, err := jg.GenerateShortSettlement(alice, bob, 3_000, 2_000, ledger.AssetUSTX, "op-3", 0)
	if err != nil {
		t.Fatalf("short settlement failed: %v", err)
	}
	bt.ApplyBatch(batch)

	if bt.GetWallet(bob, ledger.AssetUSTX) != 3_000 {
		t.Errorf("owner payout: got %d, want 3_000", bt.GetWallet(bob, ledger.AssetUSTX))
	}
	if bt.GetAvailable(alice, ledger.AssetUSTX) != 2_000 {
		t.Errorf("creator residual: got %d, want 2_000", bt.GetAvailable(alice, ledger.AssetUSTX))
	}
	if bt.GetFrozen(alice, ledger.AssetUSTX) != 0 {
		t.Errorf("frozen should be drained, got %d", bt.GetFrozen(alice, ledger.AssetUSTX))
	}
}

// ============================================================================
// Test: Batch Validation
// ============================================================================

func TestBatchValidate_EmptyBatch_Passes(t *testing.T) {
	batch := &ledger.Batch{
		BatchID:  uuid.New(),
		Journals: []ledger.Journal{},
	}

	if err := batch.Validate(); err != nil {
		t.Errorf("empty batch is legal for state-only operations: %v", err)
	}
}

func TestBatchValidate_ZeroAmount_Fails(t *testing.T) {
	batchID := uuid.New()

	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{
			{
				JournalID:     uuid.New(),
				BatchID:       batchID,
				DebitAccount:  ledger.NewUserAccountKey(alice, ledger.SubTypeAvailable, ledger.AssetUSTX),
				CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalChain, ledger.AssetUSTX),
				AssetID:       ledger.AssetUSTX,
				Amount:        0,
			},
		},
	}

	if err := batch.Validate(); err == nil {
		t.Error("zero amount should fail validation")
	}
}

func TestBatchValidate_SelfTransfer_Fails(t *testing.T) {
	batchID := uuid.New()
	sameAccount := ledger.NewUserAccountKey(alice, ledger.SubTypeAvailable, ledger.AssetUSTX)

	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{
			{
				JournalID:     uuid.New(),
				BatchID:       batchID,
				DebitAccount:  sameAccount,
				CreditAccount: sameAccount,
				AssetID:       ledger.AssetUSTX,
				Amount:        100,
			},
		},
	}

	if err := batch.Validate(); err == nil {
		t.Error("self-transfer should fail validation")
	}
}

func TestBatchValidate_MismatchedBatchID_Fails(t *testing.T) {
	batchID := uuid.New()

	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{
			{
				JournalID:     uuid.New(),
				BatchID:       uuid.New(), // Different batch ID
				DebitAccount:  ledger.NewUserAccountKey(alice, ledger.SubTypeAvailable, ledger.AssetUSTX),
				CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalChain, ledger.AssetUSTX),
				AssetID:       ledger.AssetUSTX,
				Amount:        100,
			},
		},
	}

	if err := batch.Validate(); err == nil {
		t.Error("mismatched batch ID should fail validation")
	}
}

// ============================================================================
// Test: InvariantValidator
// ============================================================================

func TestInvariantValidator_GlobalBalanceZero(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	v := ledger.NewInvariantValidator(bt)

	if err := v.ValidateGlobalBalance(); err != nil {
		t.Errorf("empty ledger should have zero global balance: %v", err)
	}

	fundWallet(bt, alice, 1_000_000)

	if err := v.ValidateGlobalBalance(); err != nil {
		t.Errorf("balanced ledger should have zero global balance: %v", err)
	}
}

func TestInvariantValidator_FrozenMatches(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	v := ledger.NewInvariantValidator(bt)
	jg := ledger.NewJournalGenerator(1, bt)

	fundWallet(bt, alice, 1_000)
	dep, _ := jg.GenerateDeposit(alice, 1_000, ledger.AssetUSTX, "op-1", 0)
	bt.ApplyBatch(dep)
	lock, _ := jg.GenerateMarginLock(alice, 400, ledger.AssetUSTX, "op-2", 0)
	bt.ApplyBatch(lock)

	if err := v.ValidateFrozenMatches(alice, ledger.AssetUSTX, 400); err != nil {
		t.Errorf("frozen should match registry: %v", err)
	}
	if err := v.ValidateFrozenMatches(alice, ledger.AssetUSTX, 500); err == nil {
		t.Error("diverged frozen total should fail")
	}
}
