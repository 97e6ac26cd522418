package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeWalletFund JournalType = iota // external:chain -> wallet
	JournalTypeDeposit                       // wallet -> available
	JournalTypeWithdrawal                    // available -> wallet
	JournalTypeMarginLock                    // available -> frozen
	JournalTypeMarginRelease                 // frozen -> available
	JournalTypeSettlementPayment             // buyer wallet -> creator wallet
	JournalTypeSettlementPayout              // creator frozen -> owner wallet
	JournalTypePurchaseFee                   // buyer wallet -> creator wallet
	JournalTypeCommission                    // buyer wallet -> recipient wallet / system fees
)

func (jt JournalType) String() string {
	switch jt {
	case JournalTypeWalletFund:
		return "wallet_fund"
	case JournalTypeDeposit:
		return "deposit"
	case JournalTypeWithdrawal:
		return "withdrawal"
	case JournalTypeMarginLock:
		return "margin_lock"
	case JournalTypeMarginRelease:
		return "margin_release"
	case JournalTypeSettlementPayment:
		return "settlement_payment"
	case JournalTypeSettlementPayout:
		return "settlement_payout"
	case JournalTypePurchaseFee:
		return "purchase_fee"
	case JournalTypeCommission:
		return "commission"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID   // Unique identifier
	BatchID       uuid.UUID   // Groups entries of one operation
	OpRef         string      // Idempotency key of source operation
	Sequence      int64       // Global operation sequence
	DebitAccount  AccountKey  // Account receiving debit (balance increases)
	CreditAccount AccountKey  // Account receiving credit (balance decreases)
	AssetID       AssetID     // Asset being transferred
	Amount        int64       // Micro-unit amount (ALWAYS positive)
	JournalType   JournalType // Entry type
	Timestamp     int64       // Operation timestamp (epoch microseconds)
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID   uuid.UUID
	OpRef     string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed.
// Note on balance invariant: each journal entry is a balanced transfer by
// construction (a single positive amount moves from credit account to debit
// account), so Σ debits == Σ credits holds per-entry. Multi-leg batches
// (purchase with commission, short settlement with residual release) use
// multiple entries under one batch_id. A batch may be empty: ownership
// transfers and admin toggles change state without moving funds.
func (b *Batch) Validate() error {
	for _, j := range b.Journals {
		if j.Amount <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %d", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
	}

	return nil
}
