package command

import (
	"DerivLedger/internal/ledger"
	"DerivLedger/internal/registry"

	"github.com/google/uuid"
)

// CreateDerivative opens a new position, locking the creator's margin.
type CreateDerivative struct {
	ID             uuid.UUID
	Principal      ledger.Address
	TargetPrice    int64
	FeeAmount      int64
	Size           int64
	MaturityHeight int64
	Kind           registry.Kind
}

func (c *CreateDerivative) RequestID() string      { return c.ID.String() }
func (c *CreateDerivative) OpType() OpType         { return OpTypeCreateDerivative }
func (c *CreateDerivative) Caller() ledger.Address { return c.Principal }

// TransferOwnership reassigns a position's owner without moving funds.
type TransferOwnership struct {
	ID           uuid.UUID
	Principal    ledger.Address
	DerivativeID uint64
	NewOwner     ledger.Address
}

func (c *TransferOwnership) RequestID() string      { return c.ID.String() }
func (c *TransferOwnership) OpType() OpType         { return OpTypeTransferOwnership }
func (c *TransferOwnership) Caller() ledger.Address { return c.Principal }

// Purchase buys a position from its creator, paying the listed fee.
type Purchase struct {
	ID           uuid.UUID
	Principal    ledger.Address
	DerivativeID uint64
}

func (c *Purchase) RequestID() string      { return c.ID.String() }
func (c *Purchase) OpType() OpType         { return OpTypePurchase }
func (c *Purchase) Caller() ledger.Address { return c.Principal }

// SettleLong exercises a long: the owner pays the strike cost.
type SettleLong struct {
	ID           uuid.UUID
	Principal    ledger.Address
	DerivativeID uint64
}

func (c *SettleLong) RequestID() string      { return c.ID.String() }
func (c *SettleLong) OpType() OpType         { return OpTypeSettleLong }
func (c *SettleLong) Caller() ledger.Address { return c.Principal }

// SettleShort exercises a short: the owner is paid from the creator's margin.
type SettleShort struct {
	ID           uuid.UUID
	Principal    ledger.Address
	DerivativeID uint64
}

func (c *SettleShort) RequestID() string      { return c.ID.String() }
func (c *SettleShort) OpType() OpType         { return OpTypeSettleShort }
func (c *SettleShort) Caller() ledger.Address { return c.Principal }

// SettleMatured force-settles an expired position. Anyone may call it.
type SettleMatured struct {
	ID           uuid.UUID
	Principal    ledger.Address
	DerivativeID uint64
}

func (c *SettleMatured) RequestID() string      { return c.ID.String() }
func (c *SettleMatured) OpType() OpType         { return OpTypeSettleMatured }
func (c *SettleMatured) Caller() ledger.Address { return c.Principal }
