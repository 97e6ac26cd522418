package ledger

import "fmt"

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is balanced
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidatePrincipalNonNegative checks that none of a principal's sub-accounts
// went negative after an operation applied.
func (v *InvariantValidator) ValidatePrincipalNonNegative(principal Address, assetID AssetID) error {
	for _, sub := range []AccountSubType{SubTypeAvailable, SubTypeFrozen, SubTypeWallet} {
		if err := v.tracker.ValidateNonNegative(NewUserAccountKey(principal, sub, assetID)); err != nil {
			return err
		}
	}
	return nil
}

// ValidateFrozenMatches checks that a principal's frozen balance equals the
// margin the derivative registry believes is locked for them.
func (v *InvariantValidator) ValidateFrozenMatches(principal Address, assetID AssetID, registryFrozen int64) error {
	frozen := v.tracker.GetFrozen(principal, assetID)
	if frozen != registryFrozen {
		return fmt.Errorf("frozen balance for %s diverged from registry: ledger=%d registry=%d",
			principal, frozen, registryFrozen)
	}
	return nil
}

// ValidateGlobalBalance verifies system is zero-sum
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	for assetID, total := range totals {
		if total != 0 {
			assetName, _ := GetAssetName(assetID)
			return fmt.Errorf("global balance for %s is non-zero: %d", assetName, total)
		}
	}

	return nil
}
