package types

import (
	"errors"
	"fmt"
)

// LedgerError is a user-correctable rejection. None of them are retried.
type LedgerError struct {
	Code    string
	Message string
}

func (e *LedgerError) Error() string {
	return e.Message
}

var (
	ErrInvalidQuantity    = &LedgerError{Code: "INVALID_QUANTITY", Message: "shares must be a positive integer"}
	ErrUnknownSymbol      = &LedgerError{Code: "UNKNOWN_SYMBOL", Message: "invalid symbol"}
	ErrInsufficientFunds  = &LedgerError{Code: "INSUFFICIENT_FUNDS", Message: "not enough funds"}
	ErrInsufficientShares = &LedgerError{Code: "INSUFFICIENT_SHARES", Message: "not enough shares"}
	ErrUsernameTaken      = &LedgerError{Code: "USERNAME_TAKEN", Message: "username already exists"}
	ErrPasswordMismatch   = &LedgerError{Code: "PASSWORD_MISMATCH", Message: "passwords do not match"}
	ErrInvalidCredentials = &LedgerError{Code: "INVALID_CREDENTIALS", Message: "invalid username and/or password"}
	ErrMissingField       = &LedgerError{Code: "MISSING_FIELD", Message: "missing required field"}
	ErrIdempotencyReused  = &LedgerError{Code: "IDEMPOTENCY_KEY_REUSED", Message: "idempotency key was already used for a different trade"}
)

// MissingField reports an empty required input field.
func MissingField(field string) error {
	return fmt.Errorf("%w: %s", ErrMissingField, field)
}

// AsLedgerError returns the LedgerError in err's chain, if any.
func AsLedgerError(err error) (*LedgerError, bool) {
	var le *LedgerError
	if errors.As(err, &le) {
		return le, true
	}
	return nil, false
}
