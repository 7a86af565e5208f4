// Package apperr defines the error taxonomy shared by every component of
// the position lifecycle engine. Components never return bare errors for
// conditions a caller is expected to branch on; they return *Error with a
// Kind a caller can switch on, per the engine's result-type discipline.
package apperr

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error by how the caller should react to it. It is
// not a type name — several components raise the same Kind for different
// underlying causes.
type Kind string

const (
	KindInvalidTransition   Kind = "INVALID_TRANSITION"
	KindInsufficientMargin  Kind = "INSUFFICIENT_MARGIN"
	KindPositionNotFound    Kind = "POSITION_NOT_FOUND"
	KindDuplicateIdempotent Kind = "DUPLICATE_IDEMPOTENCY"
	KindTransactionConflict Kind = "TRANSACTION_CONFLICT"
	KindTimeout             Kind = "TIMEOUT"
	KindPersistenceFailure  Kind = "PERSISTENCE_FAILURE"
	KindIntegrityViolation  Kind = "INTEGRITY_VIOLATION"
	KindUnauthorized        Kind = "UNAUTHORIZED"
	KindInvalidArgument     Kind = "INVALID_ARGUMENT"
)

// Error is the structured result every facade and component boundary
// returns in place of the underlying cause.
type Error struct {
	Kind        Kind
	Op          string // component/operation that raised it, e.g. "position.TransitionState"
	Message     string
	OperationID string        // set by the Engine Facade when wrapping a timed call
	Elapsed     time.Duration // set by the Engine Facade on Timeout
	Err         error         // wrapped cause, if any
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// WithOp stamps the Engine Facade's operation id and elapsed duration onto
// e and returns it, for errors surfaced across a facade boundary.
func (e *Error) WithOp(operationID string, elapsed time.Duration) *Error {
	e.OperationID = operationID
	e.Elapsed = elapsed
	return e
}

// New builds an *Error without a wrapped cause.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap builds an *Error around an existing cause.
func Wrap(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, or "" if err is not an *Error.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}

// Retryable reports whether local recovery is ever appropriate for kind,
// per the error-handling design: only duplicate-idempotency (treated as a
// no-op success) and bounded transaction-conflict retries recover locally.
func Retryable(kind Kind) bool {
	switch kind {
	case KindDuplicateIdempotent, KindTransactionConflict:
		return true
	default:
		return false
	}
}
