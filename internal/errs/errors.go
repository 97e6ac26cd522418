// Package errs defines the operation error classes surfaced by the engine.
// Every command handler fails with exactly one of these sentinels (possibly
// wrapped with context), so callers can classify outcomes with errors.Is.
package errs

import "errors"

var (
	// Platform gating.
	ErrPlatformSuspended = errors.New("platform suspended")
	ErrCriticalMode      = errors.New("platform in critical mode")

	// Margin account operations.
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrInsufficientMargin    = errors.New("insufficient margin")
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrMarginAccountNotFound = errors.New("margin account not found")

	// Derivative creation parameters.
	ErrInvalidTargetPrice        = errors.New("target price out of range")
	ErrInvalidFee                = errors.New("invalid fee")
	ErrInvalidPositionSize       = errors.New("position size out of range")
	ErrInvalidMaturity           = errors.New("maturity height out of range")
	ErrUnsupportedDerivativeType = errors.New("unsupported derivative type")

	// Derivative lifecycle.
	ErrInvalidDerivativeID      = errors.New("invalid derivative id")
	ErrDerivativeNotFound       = errors.New("derivative not found")
	ErrDerivativeExpired        = errors.New("derivative expired")
	ErrDerivativeAlreadySettled = errors.New("derivative already settled")
	ErrNotPositionOwner         = errors.New("caller is not the position owner")
	ErrUnauthorizedUser         = errors.New("unauthorized user")

	// Arithmetic.
	ErrArithmeticOverflow = errors.New("arithmetic overflow")
)
