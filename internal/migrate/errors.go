package migrate

import (
	"errors"
	"fmt"
)

// Error represents a failure in the migration engine.
//
// Engine errors include:
//   - Validation: a unit fails static checks (empty up, malformed markers)
//   - Transaction failure: up/down execution failed and was rolled back
//   - Rollback unavailable: no down block or no applied record
//   - Rollback blocked: a later-applied unit still depends on this one
//   - Checksum drift: an applied unit's source was edited after the fact
//     (only surfaced as an error under the hard-fail drift policy)
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Unit names the affected migration unit, when known.
	Unit string

	// Err is the underlying cause, when any.
	Err error
}

// ErrorCode categorizes migration engine errors.
type ErrorCode string

const (
	// ErrCodeValidation indicates a unit failed static validation.
	ErrCodeValidation ErrorCode = "VALIDATION_FAILED"

	// ErrCodeTransaction indicates a unit's statements failed inside a
	// transaction. The store is unchanged.
	ErrCodeTransaction ErrorCode = "TRANSACTION_FAILED"

	// ErrCodeRollbackUnavailable indicates rollback was requested for a
	// unit with no down block or no applied record.
	ErrCodeRollbackUnavailable ErrorCode = "ROLLBACK_UNAVAILABLE"

	// ErrCodeRollbackBlocked indicates a later-applied unit exists;
	// rollback never cascades.
	ErrCodeRollbackBlocked ErrorCode = "ROLLBACK_BLOCKED"

	// ErrCodeChecksumDrift indicates an applied unit's source digest no
	// longer matches its record and the drift policy is hard-fail.
	ErrCodeChecksumDrift ErrorCode = "CHECKSUM_DRIFT"
)

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Unit != "" {
		msg = fmt.Sprintf("%s: %s (unit=%s)", e.Code, e.Message, e.Unit)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsRollbackUnavailable reports whether err is a rollback-unavailable
// error. Uses errors.As to handle wrapped errors.
func IsRollbackUnavailable(err error) bool {
	var me *Error
	if errors.As(err, &me) {
		return me.Code == ErrCodeRollbackUnavailable
	}
	return false
}

// IsRollbackBlocked reports whether err is a rollback-blocked error.
func IsRollbackBlocked(err error) bool {
	var me *Error
	if errors.As(err, &me) {
		return me.Code == ErrCodeRollbackBlocked
	}
	return false
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool {
	var me *Error
	if errors.As(err, &me) {
		return me.Code == ErrCodeValidation
	}
	return false
}

// IsTransactionFailure reports whether err is a transaction failure.
func IsTransactionFailure(err error) bool {
	var me *Error
	if errors.As(err, &me) {
		return me.Code == ErrCodeTransaction
	}
	return false
}

func newValidationError(unit, message string) *Error {
	return &Error{Code: ErrCodeValidation, Message: message, Unit: unit}
}

func newTransactionError(unit string, err error) *Error {
	return &Error{Code: ErrCodeTransaction, Message: "statement execution failed, transaction rolled back", Unit: unit, Err: err}
}

func newRollbackUnavailableError(unit, message string) *Error {
	return &Error{Code: ErrCodeRollbackUnavailable, Message: message, Unit: unit}
}

func newRollbackBlockedError(unit, blocker string) *Error {
	return &Error{
		Code:    ErrCodeRollbackBlocked,
		Message: fmt.Sprintf("later migration %q is still applied; roll it back first", blocker),
		Unit:    unit,
	}
}
