package command

import (
	"fmt"

	"DerivLedger/internal/ledger"

	"github.com/google/uuid"
)

// RecordRate appends a price observation at the current chain height.
type RecordRate struct {
	ID        uuid.UUID
	Principal ledger.Address
	Value     int64
}

func (c *RecordRate) RequestID() string      { return c.ID.String() }
func (c *RecordRate) OpType() OpType         { return OpTypeRecordRate }
func (c *RecordRate) Caller() ledger.Address { return c.Principal }

// AdvanceHeight moves the engine's chain clock forward. Produced from block
// ticks, not callers; its dedup key is derived from the height so replayed
// ticks are dropped.
type AdvanceHeight struct {
	Height int64
}

func (c *AdvanceHeight) RequestID() string      { return fmt.Sprintf("height:%d", c.Height) }
func (c *AdvanceHeight) OpType() OpType         { return OpTypeAdvanceHeight }
func (c *AdvanceHeight) Caller() ledger.Address { return "" }

// SetSuspended toggles the platform-wide suspension gate.
type SetSuspended struct {
	ID        uuid.UUID
	Principal ledger.Address
	Value     bool
}

func (c *SetSuspended) RequestID() string      { return c.ID.String() }
func (c *SetSuspended) OpType() OpType         { return OpTypeSetSuspended }
func (c *SetSuspended) Caller() ledger.Address { return c.Principal }

// SetCriticalMode toggles the gate that blocks new exposure.
type SetCriticalMode struct {
	ID        uuid.UUID
	Principal ledger.Address
	Value     bool
}

func (c *SetCriticalMode) RequestID() string      { return c.ID.String() }
func (c *SetCriticalMode) OpType() OpType         { return OpTypeSetCriticalMode }
func (c *SetCriticalMode) Caller() ledger.Address { return c.Principal }

// SetCommissionRate updates the primary-sale commission in basis points.
type SetCommissionRate struct {
	ID        uuid.UUID
	Principal ledger.Address
	RateBps   int64
}

func (c *SetCommissionRate) RequestID() string      { return c.ID.String() }
func (c *SetCommissionRate) OpType() OpType         { return OpTypeSetCommissionRate }
func (c *SetCommissionRate) Caller() ledger.Address { return c.Principal }

// SetCommissionRecipient updates the commission payout target.
type SetCommissionRecipient struct {
	ID        uuid.UUID
	Principal ledger.Address
	Recipient ledger.Address
}

func (c *SetCommissionRecipient) RequestID() string      { return c.ID.String() }
func (c *SetCommissionRecipient) OpType() OpType         { return OpTypeSetCommissionRecipient }
func (c *SetCommissionRecipient) Caller() ledger.Address { return c.Principal }
