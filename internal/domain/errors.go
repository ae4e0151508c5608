package domain

import (
	"errors"
	"fmt"
)

// ErrorKind is the machine code attached to every engine failure. The
// kind decides routing: retryable kinds are re-driven with backoff,
// everything else goes to the dead-letter topic.
type ErrorKind string

const (
	KindValidationFailed     ErrorKind = "validation_failed"
	KindDuplicateTrade       ErrorKind = "duplicate_trade"
	KindVersionConflict      ErrorKind = "version_conflict"
	KindTransientConflict    ErrorKind = "transient_conflict"
	KindInsufficientQuantity ErrorKind = "insufficient_quantity"
	KindStateMachineInvalid  ErrorKind = "state_machine_invalid"
	KindRetryable            ErrorKind = "retryable_error"
	KindFatalSystem          ErrorKind = "fatal_system"
)

// Error is the typed failure carried out of the engine. It always holds
// the correlation id of the originating trade.
type Error struct {
	Kind          ErrorKind
	CorrelationID string
	Message       string
	Reasons       []string // populated for validation failures
	cause         error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Retryable reports whether the failure may succeed on a later attempt.
func (e *Error) Retryable() bool {
	return e.Kind == KindVersionConflict || e.Kind == KindTransientConflict || e.Kind == KindRetryable
}

// NewError builds a typed engine error.
func NewError(kind ErrorKind, correlationID, msg string) *Error {
	return &Error{Kind: kind, CorrelationID: correlationID, Message: msg}
}

// WrapError builds a typed engine error around an underlying cause.
func WrapError(kind ErrorKind, correlationID, msg string, cause error) *Error {
	return &Error{Kind: kind, CorrelationID: correlationID, Message: msg, cause: cause}
}

// KindOf extracts the error kind, defaulting unknown errors to
// fatal_system so nothing unclassified is silently retried.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindFatalSystem
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
