package command

import (
	"time"

	"DerivLedger/internal/ledger"
)

// OpType discriminator for command payloads
type OpType int32

const (
	OpTypeUnknown OpType = iota
	OpTypeWalletFund
	OpTypeDeposit
	OpTypeWithdraw
	OpTypeCreateDerivative
	OpTypeTransferOwnership
	OpTypePurchase
	OpTypeSettleLong
	OpTypeSettleShort
	OpTypeSettleMatured
	OpTypeRecordRate
	OpTypeAdvanceHeight
	OpTypeSetSuspended
	OpTypeSetCriticalMode
	OpTypeSetCommissionRate
	OpTypeSetCommissionRecipient
)

// OpEnvelope wraps every applied operation in the log
type OpEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from the caller
	RequestID string

	// Operation type discriminator
	OpType OpType

	// Originating principal (empty for chain ticks)
	Caller ledger.Address

	// Chain height the operation executed at
	Height int64

	// Submission timestamp (NOT the chain clock)
	Timestamp time.Time

	// JSON-encoded command payload
	Payload []byte

	// SHA-256 of state AFTER applying this operation
	StateHash [32]byte

	// Previous operation's state hash (chain integrity)
	PrevHash [32]byte
}

// Command is the interface all operation payloads must implement
type Command interface {
	// RequestID returns the stable dedup key
	RequestID() string

	// OpType returns the discriminator
	OpType() OpType

	// Caller returns the originating principal
	Caller() ledger.Address
}

func (ot OpType) String() string {
	switch ot {
	case OpTypeWalletFund:
		return "WalletFund"
	case OpTypeDeposit:
		return "Deposit"
	case OpTypeWithdraw:
		return "Withdraw"
	case OpTypeCreateDerivative:
		return "CreateDerivative"
	case OpTypeTransferOwnership:
		return "TransferOwnership"
	case OpTypePurchase:
		return "Purchase"
	case OpTypeSettleLong:
		return "SettleLong"
	case OpTypeSettleShort:
		return "SettleShort"
	case OpTypeSettleMatured:
		return "SettleMatured"
	case OpTypeRecordRate:
		return "RecordRate"
	case OpTypeAdvanceHeight:
		return "AdvanceHeight"
	case OpTypeSetSuspended:
		return "SetSuspended"
	case OpTypeSetCriticalMode:
		return "SetCriticalMode"
	case OpTypeSetCommissionRate:
		return "SetCommissionRate"
	case OpTypeSetCommissionRecipient:
		return "SetCommissionRecipient"
	default:
		return "Unknown"
	}
}
