package credits

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the credits service.
var (
	ErrInvalidUserID             = errors.New("invalid user id")
	ErrInvalidAwardID            = errors.New("invalid award id")
	ErrInvalidTopupTransactionID = errors.New("invalid topup transaction id")
	ErrInvalidAmount             = errors.New("invalid amount")
	ErrInvalidAwardStatus        = errors.New("invalid award status")
	ErrInvalidMetadataJSON       = errors.New("invalid metadata json")
	ErrInvalidExpiry             = errors.New("invalid expiry")
	ErrInvalidAwarder            = errors.New("invalid awarder")
	ErrInvalidLimit              = errors.New("invalid limit")
	ErrInvalidServiceConfig      = errors.New("invalid service config")
	ErrUnknownTopup              = errors.New("unknown topup")
	ErrTopupExists               = errors.New("topup already recorded")
	ErrNothingToUnlock           = errors.New("nothing to unlock")
	ErrNoLockedCredits           = errors.New("no locked credits")
	ErrTopupCapacityExhausted    = errors.New("topup unlock capacity exhausted")
	ErrTopupTooSmall             = errors.New("topup too small to unlock credits")
	ErrLedgerRead                = errors.New("ledger read failure")
	ErrLedgerWrite               = errors.New("ledger write failure")
	ErrLedgerConflict            = errors.New("ledger write conflict")
	ErrInvariantViolation        = errors.New("ledger invariant violation")
)

// ErrorKind groups errors by how callers should surface them.
type ErrorKind string

const (
	KindInvalidInput      ErrorKind = "invalid_input"
	KindNotFound          ErrorKind = "not_found"
	KindDuplicate         ErrorKind = "duplicate"
	KindNothingToUnlock   ErrorKind = "nothing_to_unlock"
	KindLedgerUnavailable ErrorKind = "ledger_unavailable"
	KindInternal          ErrorKind = "internal"
)

// Classify maps an error returned by Service into its ErrorKind.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNothingToUnlock):
		return KindNothingToUnlock
	case errors.Is(err, ErrUnknownTopup):
		return KindNotFound
	case errors.Is(err, ErrTopupExists):
		return KindDuplicate
	case errors.Is(err, ErrInvalidUserID),
		errors.Is(err, ErrInvalidAwardID),
		errors.Is(err, ErrInvalidTopupTransactionID),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrInvalidMetadataJSON),
		errors.Is(err, ErrInvalidExpiry),
		errors.Is(err, ErrInvalidAwarder),
		errors.Is(err, ErrInvalidLimit):
		return KindInvalidInput
	case errors.Is(err, ErrLedgerRead), errors.Is(err, ErrLedgerWrite), errors.Is(err, ErrLedgerConflict):
		return KindLedgerUnavailable
	default:
		return KindInternal
	}
}

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}

// ReadFailure tags a store read error so callers can classify it as retryable.
func ReadFailure(subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return WrapError("store", subject, code, fmt.Errorf("%w: %w", ErrLedgerRead, err))
}

// WriteFailure tags a store write error so callers can classify it as retryable.
func WriteFailure(subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return WrapError("store", subject, code, fmt.Errorf("%w: %w", ErrLedgerWrite, err))
}
