package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalGenerator creates balanced journal batches from ledger operations.
// Every Generate method pre-checks source balances against the tracker, so a
// batch it returns always applies cleanly.
type JournalGenerator struct {
	sequence       int64
	balanceTracker *BalanceTracker
}

func NewJournalGenerator(startSequence int64, tracker *BalanceTracker) *JournalGenerator {
	return &JournalGenerator{
		sequence:       startSequence,
		balanceTracker: tracker,
	}
}

// SetSequence realigns the generator after a snapshot restore.
func (jg *JournalGenerator) SetSequence(seq int64) {
	jg.sequence = seq
}

func (jg *JournalGenerator) newBatch(opRef string, timestamp int64, capacity int) *Batch {
	return &Batch{
		BatchID:   uuid.New(),
		OpRef:     opRef,
		Sequence:  jg.sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, capacity),
	}
}

func (jg *JournalGenerator) appendJournal(b *Batch, debit, credit AccountKey, amount int64, jt JournalType) {
	b.Journals = append(b.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       b.BatchID,
		OpRef:         b.OpRef,
		Sequence:      b.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		AssetID:       debit.AssetID,
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     b.Timestamp,
	})
}

// GenerateEmpty creates a batch with no fund movement, for operations that
// mutate registry or platform state only.
func (jg *JournalGenerator) GenerateEmpty(opRef string, timestamp int64) *Batch {
	batch := jg.newBatch(opRef, timestamp, 0)
	jg.sequence++
	return batch
}

// GenerateWalletFund books an inbound chain transfer.
// Moves funds: external:chain -> acct:wallet
func (jg *JournalGenerator) GenerateWalletFund(
	principal Address,
	amount int64,
	assetID AssetID,
	opRef string,
	timestamp int64,
) (*Batch, error) {
	batch := jg.newBatch(opRef, timestamp, 1)

	jg.appendJournal(batch,
		NewUserAccountKey(principal, SubTypeWallet, assetID),
		NewExternalAccountKey(SubTypeExternalChain, assetID),
		amount, JournalTypeWalletFund)

	jg.sequence++
	return batch, nil
}

// GenerateDeposit books margin collateral in from the principal's wallet.
// Moves funds: acct:wallet -> acct:available
func (jg *JournalGenerator) GenerateDeposit(
	principal Address,
	amount int64,
	assetID AssetID,
	opRef string,
	timestamp int64,
) (*Batch, error) {
	if err := jg.balanceTracker.ValidateSufficientWallet(principal, assetID, amount); err != nil {
		return nil, fmt.Errorf("deposit pre-check failed: %w", err)
	}

	batch := jg.newBatch(opRef, timestamp, 1)

	jg.appendJournal(batch,
		NewUserAccountKey(principal, SubTypeAvailable, assetID),
		NewUserAccountKey(principal, SubTypeWallet, assetID),
		amount, JournalTypeDeposit)

	jg.sequence++
	return batch, nil
}

// GenerateWithdrawal books spendable margin back out to the wallet.
// Moves funds: acct:available -> acct:wallet
func (jg *JournalGenerator) GenerateWithdrawal(
	principal Address,
	amount int64,
	assetID AssetID,
	opRef string,
	timestamp int64,
) (*Batch, error) {
	if err := jg.balanceTracker.ValidateSufficientAvailable(principal, assetID, amount); err != nil {
		return nil, fmt.Errorf("withdrawal pre-check failed: %w", err)
	}

	batch := jg.newBatch(opRef, timestamp, 1)

	jg.appendJournal(batch,
		NewUserAccountKey(principal, SubTypeWallet, assetID),
		NewUserAccountKey(principal, SubTypeAvailable, assetID),
		amount, JournalTypeWithdrawal)

	jg.sequence++
	return batch, nil
}

// GenerateMarginLock freezes margin behind a new derivative.
// Moves funds: acct:available -> acct:frozen
func (jg *JournalGenerator) GenerateMarginLock(
	principal Address,
	amount int64,
	assetID AssetID,
	opRef string,
	timestamp int64,
) (*Batch, error) {
	if err := jg.balanceTracker.ValidateSufficientAvailable(principal, assetID, amount); err != nil {
		return nil, fmt.Errorf("margin lock pre-check failed: %w", err)
	}

	batch := jg.newBatch(opRef, timestamp, 1)

	jg.appendJournal(batch,
		NewUserAccountKey(principal, SubTypeFrozen, assetID),
		NewUserAccountKey(principal, SubTypeAvailable, assetID),
		amount, JournalTypeMarginLock)

	jg.sequence++
	return batch, nil
}

// GenerateMarginRelease returns frozen margin to the spendable pool.
// Moves funds: acct:frozen -> acct:available
func (jg *JournalGenerator) GenerateMarginRelease(
	principal Address,
	amount int64,
	assetID AssetID,
	opRef string,
	timestamp int64,
) (*Batch, error) {
	if err := jg.balanceTracker.ValidateSufficientFrozen(principal, assetID, amount); err != nil {
		return nil, fmt.Errorf("margin release pre-check failed: %w", err)
	}

	batch := jg.newBatch(opRef, timestamp, 1)

	jg.appendJournal(batch,
		NewUserAccountKey(principal, SubTypeAvailable, assetID),
		NewUserAccountKey(principal, SubTypeFrozen, assetID),
		amount, JournalTypeMarginRelease)

	jg.sequence++
	return batch, nil
}

// GeneratePurchase books the derivative purchase fee. The buyer pays the full
// fee from their wallet; the commission slice is diverted to the recipient
// account, the remainder goes to the seller's wallet. Legs between identical
// accounts (the seller buying back their own listing) are skipped.
func (jg *JournalGenerator) GeneratePurchase(
	buyer Address,
	seller Address,
	commissionRecipient AccountKey,
	fee int64,
	commission int64,
	assetID AssetID,
	opRef string,
	timestamp int64,
) (*Batch, error) {
	if commission < 0 || commission > fee {
		return nil, fmt.Errorf("commission %d outside fee %d", commission, fee)
	}
	if err := jg.balanceTracker.ValidateSufficientWallet(buyer, assetID, fee); err != nil {
		return nil, fmt.Errorf("purchase pre-check failed: %w", err)
	}

	batch := jg.newBatch(opRef, timestamp, 2)

	buyerWallet := NewUserAccountKey(buyer, SubTypeWallet, assetID)
	sellerWallet := NewUserAccountKey(seller, SubTypeWallet, assetID)

	if net := fee - commission; net > 0 && sellerWallet != buyerWallet {
		jg.appendJournal(batch, sellerWallet, buyerWallet, net, JournalTypePurchaseFee)
	}
	if commission > 0 && commissionRecipient != buyerWallet {
		jg.appendJournal(batch, commissionRecipient, buyerWallet, commission, JournalTypeCommission)
	}

	jg.sequence++
	return batch, nil
}

// GenerateLongSettlement books a long exercise: the owner pays the strike
// cost to the creator and the creator's locked margin thaws.
func (jg *JournalGenerator) GenerateLongSettlement(
	owner Address,
	creator Address,
	cost int64,
	margin int64,
	assetID AssetID,
	opRef string,
	timestamp int64,
) (*Batch, error) {
	if err := jg.balanceTracker.ValidateSufficientWallet(owner, assetID, cost); err != nil {
		return nil, fmt.Errorf("long settlement pre-check failed: %w", err)
	}
	if err := jg.balanceTracker.ValidateSufficientFrozen(creator, assetID, margin); err != nil {
		return nil, fmt.Errorf("long settlement pre-check failed: %w", err)
	}

	batch := jg.newBatch(opRef, timestamp, 2)

	ownerWallet := NewUserAccountKey(owner, SubTypeWallet, assetID)
	creatorWallet := NewUserAccountKey(creator, SubTypeWallet, assetID)

	if cost > 0 && ownerWallet != creatorWallet {
		jg.appendJournal(batch, creatorWallet, ownerWallet, cost, JournalTypeSettlementPayment)
	}
	if margin > 0 {
		jg.appendJournal(batch,
			NewUserAccountKey(creator, SubTypeAvailable, assetID),
			NewUserAccountKey(creator, SubTypeFrozen, assetID),
			margin, JournalTypeMarginRelease)
	}

	jg.sequence++
	return batch, nil
}

// GenerateShortSettlement books a short exercise: the payout is carved out of
// the creator's frozen margin into the owner's wallet, and any residual
// margin returns to the creator's spendable pool.
func (jg *JournalGenerator) GenerateShortSettlement(
	creator Address,
	owner Address,
	payout int64,
	residual int64,
	assetID AssetID,
	opRef string,
	timestamp int64,
) (*Batch, error) {
	if err := jg.balanceTracker.ValidateSufficientFrozen(creator, assetID, payout+residual); err != nil {
		return nil, fmt.Errorf("short settlement pre-check failed: %w", err)
	}

	batch := jg.newBatch(opRef, timestamp, 2)

	if payout > 0 {
		jg.appendJournal(batch,
			NewUserAccountKey(owner, SubTypeWallet, assetID),
			NewUserAccountKey(creator, SubTypeFrozen, assetID),
			payout, JournalTypeSettlementPayout)
	}
	if residual > 0 {
		jg.appendJournal(batch,
			NewUserAccountKey(creator, SubTypeAvailable, assetID),
			NewUserAccountKey(creator, SubTypeFrozen, assetID),
			residual, JournalTypeMarginRelease)
	}

	jg.sequence++
	return batch, nil
}
