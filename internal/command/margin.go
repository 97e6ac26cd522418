package command

import (
	"DerivLedger/internal/ledger"

	"github.com/google/uuid"
)

// WalletFund credits an inbound chain transfer to a principal's wallet.
type WalletFund struct {
	ID        uuid.UUID
	Principal ledger.Address
	Amount    int64
}

func (c *WalletFund) RequestID() string      { return c.ID.String() }
func (c *WalletFund) OpType() OpType         { return OpTypeWalletFund }
func (c *WalletFund) Caller() ledger.Address { return c.Principal }

// Deposit moves wallet funds into the caller's available margin pool.
type Deposit struct {
	ID        uuid.UUID
	Principal ledger.Address
	Amount    int64
}

func (c *Deposit) RequestID() string      { return c.ID.String() }
func (c *Deposit) OpType() OpType         { return OpTypeDeposit }
func (c *Deposit) Caller() ledger.Address { return c.Principal }

// Withdraw moves available margin back to the caller's wallet.
type Withdraw struct {
	ID        uuid.UUID
	Principal ledger.Address
	Amount    int64
}

func (c *Withdraw) RequestID() string      { return c.ID.String() }
func (c *Withdraw) OpType() OpType         { return OpTypeWithdraw }
func (c *Withdraw) Caller() ledger.Address { return c.Principal }
