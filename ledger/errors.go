/*
errors.go - Error taxonomy for the ledger and verification workflow

ERROR CATEGORIES:
  1. Client errors - ValidationError, DuplicateReferenceError, Unsupported
  2. State errors  - AlreadyProcessed (recoverable), InvalidStateError
  3. Access errors - Unauthorized
  4. Store errors  - PersistenceError (always surfaced, never swallowed)

Validation and state errors are returned as typed values so callers can
branch with errors.Is / errors.As. PersistenceError aborts the enclosing
transaction and carries the underlying driver error verbatim.
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation = errors.New("validation failed")

	// ErrDuplicateReference is returned when a business reference is already taken.
	ErrDuplicateReference = errors.New("duplicate reference")

	// ErrAlreadyProcessed means someone else already moved the resource out of
	// the state this operation expects. Not fatal.
	ErrAlreadyProcessed = errors.New("already processed")

	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidState is returned when an operation is not legal for the
	// resource's current status (e.g. refunding a pending payment).
	ErrInvalidState = errors.New("invalid state")

	ErrPersistence = errors.New("persistence failure")

	ErrNotFound = errors.New("not found")

	// ErrUnsupported is returned when a source type cannot take part in an operation.
	ErrUnsupported = errors.New("unsupported")

	// ErrProcessingFailed marks a verification that flipped status but could
	// not be posted. The request stays verified; use Repair.
	ErrProcessingFailed = errors.New("verification processing failed")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

type DuplicateReferenceError struct {
	Reference string
}

func (e *DuplicateReferenceError) Error() string {
	return fmt.Sprintf("reference %q already exists", e.Reference)
}

func (e *DuplicateReferenceError) Unwrap() error { return ErrDuplicateReference }

// InvalidStateError names the resource and the status that blocked the operation.
type InvalidStateError struct {
	Resource  Resource
	ID        int64
	Status    string
	Operation string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s %s %d in status %q", e.Operation, e.Resource, e.ID, e.Status)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap exposes both the sentinel and the driver error.
func (e *PersistenceError) Unwrap() []error { return []error{ErrPersistence, e.Err} }

// Persist wraps a store failure. Domain errors pass through unchanged so that
// a store may return ErrNotFound or DuplicateReferenceError directly.
func Persist(op string, err error) error {
	if err == nil {
		return nil
	}
	if isDomainError(err) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// ProcessingError is returned by Verify when reconciliation failed after the
// status flip.
type ProcessingError struct {
	RequestID int64
	Err       error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("verification %d is verified but was not posted: %v", e.RequestID, e.Err)
}

func (e *ProcessingError) Unwrap() []error { return []error{ErrProcessingFailed, e.Err} }

// =============================================================================
// ERROR HELPERS
// =============================================================================

func isDomainError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrDuplicateReference) ||
		errors.Is(err, ErrAlreadyProcessed) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrPersistence) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrUnsupported)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrUnsupported)
}

// IsConflict returns true when the resource moved on under the caller.
func IsConflict(err error) bool {
	return errors.Is(err, ErrAlreadyProcessed) ||
		errors.Is(err, ErrDuplicateReference)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Reason is the short label bulk results use for an item failure.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrProcessingFailed):
		return "ProcessingFailed"
	case errors.Is(err, ErrAlreadyProcessed):
		return "AlreadyProcessed"
	case errors.Is(err, ErrUnsupported):
		return "Unsupported"
	case errors.Is(err, ErrInvalidState):
		return "InvalidState"
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrValidation):
		return "ValidationError"
	case errors.Is(err, ErrDuplicateReference):
		return "DuplicateReference"
	case errors.Is(err, ErrUnauthorized):
		return "Unauthorized"
	case errors.Is(err, errCancelled):
		return "Cancelled"
	default:
		return "PersistenceError"
	}
}
