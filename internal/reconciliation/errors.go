package reconciliation

import "errors"

// Errors
var (
	ErrAlreadyReconciled = &Error{Code: "ALREADY_RECONCILED", Message: "Transaction is already fully reconciled"}
	ErrUnknownTarget     = &Error{Code: "UNKNOWN_TARGET", Message: "Match target does not exist"}
	ErrInvalidMatch      = &Error{Code: "INVALID_MATCH", Message: "Match is invalid"}
	ErrInvalidAmount     = &Error{Code: "INVALID_AMOUNT", Message: "Match amount must be positive"}
	ErrCurrencyMismatch  = &Error{Code: "CURRENCY_MISMATCH", Message: "Match currency differs from the transaction"}
	ErrOverAllocation    = &Error{Code: "OVER_ALLOCATION", Message: "Matches exceed the open amount"}
)

// Error represents a reconciliation error
type Error struct {
	Code    string
	Message string
	Detail  string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Message
	}
	return e.Message + ": " + e.Detail
}

// Is matches errors by code so that detailed copies still compare equal to
// the package sentinels.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}

func (e *Error) with(detail string) *Error {
	return &Error{Code: e.Code, Message: e.Message, Detail: detail}
}

// IsReconciliationError reports whether err was rejected by validation
func IsReconciliationError(err error) bool {
	var e *Error
	return errors.As(err, &e)
}
