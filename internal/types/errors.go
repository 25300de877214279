package types

import (
	"errors"
	"fmt"
)

// Validation and resource errors: rejected synchronously, no state change
var (
	ErrInvalidTradingPair = errors.New("invalid trading pair")
	ErrSizeOutOfRange     = errors.New("order size out of range")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrFOKUnfillable      = errors.New("fill-or-kill order cannot be filled")
	ErrInvalidPrice       = errors.New("invalid price")
	ErrInvalidOrder       = errors.New("invalid order")
	ErrInvalidAmount      = errors.New("invalid amount")
)

// Lookup and ownership errors
var (
	ErrNotFound            = errors.New("not found")
	ErrNotCancellable      = errors.New("order not cancellable")
	ErrNotOwner            = errors.New("order belongs to another user")
	ErrIdempotencyConflict = errors.New("reference already used with different parameters")
)

// Integrity and lifecycle errors
var (
	ErrInvariantViolation = errors.New("ledger invariant violation")
	ErrEngineStopped      = errors.New("matching engine stopped")
	ErrSnapshotRequired   = errors.New("sequence no longer available, snapshot required")
	ErrUnknownChannel     = errors.New("unknown channel")
)

// Rejection codes reported to callers
const (
	CodeInvalidTradingPair = "INVALID_TRADING_PAIR"
	CodeSizeOutOfRange     = "SIZE_OUT_OF_RANGE"
	CodeInsufficientFunds  = "INSUFFICIENT_FUNDS"
	CodeFOKUnfillable      = "FOK_UNFILLABLE"
	CodeInvalidPrice       = "INVALID_PRICE"
	CodeInvalidOrder       = "INVALID_ORDER"
	CodeInvalidAmount      = "INVALID_AMOUNT"
	CodeNotFound           = "NOT_FOUND"
	CodeNotCancellable     = "NOT_CANCELLABLE"
	CodeNotOwner           = "NOT_OWNER"
)

var codes = map[error]string{
	ErrInvalidTradingPair: CodeInvalidTradingPair,
	ErrSizeOutOfRange:     CodeSizeOutOfRange,
	ErrInsufficientFunds:  CodeInsufficientFunds,
	ErrFOKUnfillable:      CodeFOKUnfillable,
	ErrInvalidPrice:       CodeInvalidPrice,
	ErrInvalidOrder:       CodeInvalidOrder,
	ErrInvalidAmount:      CodeInvalidAmount,
	ErrNotFound:           CodeNotFound,
	ErrNotCancellable:     CodeNotCancellable,
	ErrNotOwner:           CodeNotOwner,
}

// RejectError reports why a command was refused
type RejectError struct {
	Code   string
	Reason string
	Err    error
}

func (e *RejectError) Error() string {
	if e.Reason == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Reason)
}

func (e *RejectError) Unwrap() error { return e.Err }

// Reject wraps one of the sentinel errors above with a reason
func Reject(err error, format string, args ...any) *RejectError {
	code, ok := codes[err]
	if !ok {
		code = "REJECTED"
	}
	return &RejectError{Code: code, Reason: fmt.Sprintf(format, args...), Err: err}
}

// IsValidation reports whether err belongs to the validation or resource classes
func IsValidation(err error) bool {
	for _, target := range []error{
		ErrInvalidTradingPair, ErrSizeOutOfRange, ErrInsufficientFunds,
		ErrFOKUnfillable, ErrInvalidPrice, ErrInvalidOrder, ErrInvalidAmount,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
