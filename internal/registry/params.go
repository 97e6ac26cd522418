package registry

import (
	"DerivLedger/internal/errs"
	fpmath "DerivLedger/internal/math"
)

// Creation parameter bounds. Prices and fees are micro-units, maturity
// offsets are block counts (144 ≈ one day, 52560 ≈ one year).
const (
	MinTargetPrice = 1_000
	MaxTargetPrice = 100_000_000

	MinPositionSize = 1
	MaxPositionSize = 1_000_000

	MinMaturityBlocks = 144
	MaxMaturityBlocks = 52_560
)

// CreateParams carries the caller-supplied creation inputs.
type CreateParams struct {
	TargetPrice    int64
	FeeAmount      int64
	Size           int64
	MaturityHeight int64
	Kind           Kind
}

// Validate checks creation parameters against their declared bounds. The
// check order is part of the contract: the first violated bound decides the
// reported error.
func (p CreateParams) Validate(currentHeight int64) error {
	if p.TargetPrice < MinTargetPrice || p.TargetPrice > MaxTargetPrice {
		return errs.ErrInvalidTargetPrice
	}
	if p.FeeAmount <= 0 {
		return errs.ErrInvalidFee
	}
	if p.Size < MinPositionSize || p.Size > MaxPositionSize {
		return errs.ErrInvalidPositionSize
	}
	if p.MaturityHeight <= currentHeight+MinMaturityBlocks ||
		p.MaturityHeight >= currentHeight+MaxMaturityBlocks {
		return errs.ErrInvalidMaturity
	}
	if p.Kind != KindLong && p.Kind != KindShort {
		return errs.ErrUnsupportedDerivativeType
	}
	return nil
}

// RequiredMargin returns the collateral a creator must post. Both directions
// post the full notional: targetPrice * size.
func RequiredMargin(kind Kind, targetPrice, size int64) (int64, error) {
	margin, ok := fpmath.CheckedMul(targetPrice, size)
	if !ok {
		return 0, errs.ErrArithmeticOverflow
	}
	if margin <= 0 {
		return 0, errs.ErrInsufficientMargin
	}
	return margin, nil
}
