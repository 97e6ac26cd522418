package query

import (
	"context"
	"database/sql"
	"fmt"
)

// MarginAccountResponse represents a principal's margin account for
// API queries.
type MarginAccountResponse struct {
	Principal string `json:"principal"`

	// Ledger balances folded from journal entries
	WalletBalance  int64 `json:"wallet_balance"`  // on-chain funds not yet deposited
	AvailableFunds int64 `json:"available_funds"` // spendable margin collateral
	FrozenFunds    int64 `json:"frozen_funds"`    // locked behind open derivatives

	// Metadata
	AsOfSequence int64 `json:"as_of_sequence"` // last projected operation sequence
}

// GetMarginAccount returns the projected margin account of a principal.
// Principals with no ledger activity get a zeroed response rather than
// a not-found error.
func (qs *Service) GetMarginAccount(ctx context.Context, principal string) (*MarginAccountResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	resp := &MarginAccountResponse{
		Principal:    principal,
		AsOfSequence: asOfSeq,
	}

	err = qs.db.QueryRowContext(ctx, `
		SELECT wallet_balance, available_funds, frozen_funds
		FROM projections.margin_accounts
		WHERE principal = $1
	`, principal).Scan(&resp.WalletBalance, &resp.AvailableFunds, &resp.FrozenFunds)
	if err == sql.ErrNoRows {
		return resp, nil
	}
	if err != nil {
		return nil, err
	}

	return resp, nil
}
