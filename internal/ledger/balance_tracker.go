package ledger

import "fmt"

// MarginAccount is the per-principal view the rest of the system reads:
// frozen margin plus spendable funds.
type MarginAccount struct {
	TotalFrozen    int64
	AvailableFunds int64
}

// BalanceTracker maintains in-memory account balances. A margin account
// exists only after its first deposit; wallet funds alone do not open one.
type BalanceTracker struct {
	balances map[AccountKey]int64
	opened   map[Address]bool
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]int64),
		opened:   make(map[Address]bool),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.balances[j.DebitAccount] += j.Amount
	bt.balances[j.CreditAccount] -= j.Amount
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) int64 {
	return bt.balances[key]
}

// MarkOpened records that a principal holds a margin account.
func (bt *BalanceTracker) MarkOpened(principal Address) {
	bt.opened[principal] = true
}

// HasMarginAccount reports whether the principal ever deposited margin.
func (bt *BalanceTracker) HasMarginAccount(principal Address) bool {
	return bt.opened[principal]
}

// GetAvailable returns spendable margin collateral for a principal
func (bt *BalanceTracker) GetAvailable(principal Address, assetID AssetID) int64 {
	return bt.GetBalance(NewUserAccountKey(principal, SubTypeAvailable, assetID))
}

// GetFrozen returns margin locked behind open derivatives
func (bt *BalanceTracker) GetFrozen(principal Address, assetID AssetID) int64 {
	return bt.GetBalance(NewUserAccountKey(principal, SubTypeFrozen, assetID))
}

// GetWallet returns on-chain funds not yet deposited as margin
func (bt *BalanceTracker) GetWallet(principal Address, assetID AssetID) int64 {
	return bt.GetBalance(NewUserAccountKey(principal, SubTypeWallet, assetID))
}

// GetMarginAccount returns the margin account view, reporting whether the
// account exists.
func (bt *BalanceTracker) GetMarginAccount(principal Address, assetID AssetID) (MarginAccount, bool) {
	if !bt.opened[principal] {
		return MarginAccount{}, false
	}
	return MarginAccount{
		TotalFrozen:    bt.GetFrozen(principal, assetID),
		AvailableFunds: bt.GetAvailable(principal, assetID),
	}, true
}

// === Pre-condition checks ===

// ValidateSufficientAvailable checks if principal has enough spendable margin
func (bt *BalanceTracker) ValidateSufficientAvailable(principal Address, assetID AssetID, required int64) error {
	available := bt.GetAvailable(principal, assetID)
	if available < required {
		return fmt.Errorf("insufficient available balance: have=%d, need=%d", available, required)
	}
	return nil
}

// ValidateSufficientFrozen checks if principal has enough frozen margin to release
func (bt *BalanceTracker) ValidateSufficientFrozen(principal Address, assetID AssetID, required int64) error {
	frozen := bt.GetFrozen(principal, assetID)
	if frozen < required {
		return fmt.Errorf("insufficient frozen balance: have=%d, need=%d", frozen, required)
	}
	return nil
}

// ValidateSufficientWallet checks if principal has enough undeposited funds
func (bt *BalanceTracker) ValidateSufficientWallet(principal Address, assetID AssetID, required int64) error {
	wallet := bt.GetWallet(principal, assetID)
	if wallet < required {
		return fmt.Errorf("insufficient wallet balance: have=%d, need=%d", wallet, required)
	}
	return nil
}

// ComputeGlobalBalance sums all account balances (should be 0 for zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[AssetID]int64 {
	totals := make(map[AssetID]int64)

	for key, balance := range bt.balances {
		totals[key.AssetID] += balance
	}

	return totals
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance < 0 {
		return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), balance)
	}
	return nil
}

// Snapshot returns a copy of all balances (for state hashing and persistence)
func (bt *BalanceTracker) Snapshot() map[AccountKey]int64 {
	snapshot := make(map[AccountKey]int64, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}

// OpenedAccounts returns the principals holding margin accounts.
func (bt *BalanceTracker) OpenedAccounts() []Address {
	out := make([]Address, 0, len(bt.opened))
	for p := range bt.opened {
		out = append(out, p)
	}
	return out
}

// Restore replaces tracker state from a snapshot.
func (bt *BalanceTracker) Restore(balances map[AccountKey]int64, opened []Address) {
	bt.balances = make(map[AccountKey]int64, len(balances))
	for k, v := range balances {
		bt.balances[k] = v
	}
	bt.opened = make(map[Address]bool, len(opened))
	for _, p := range opened {
		bt.opened[p] = true
	}
}
