// Package apperr provides standardized domain error types for the application.
// Domain services return these typed errors; callers branch on the Kind and
// the ops HTTP layer maps them to appropriate status codes.
package apperr

import (
	"fmt"
	"net/http"
)

// Kind represents the category of error.
type Kind int

const (
	// KindUnknown is the default error kind when none is specified.
	KindUnknown Kind = iota
	// KindTransient indicates an integration hiccup (CRM, transport) that the
	// collaborator retries; the core treats the result as unknown and resolves
	// conservatively.
	KindTransient
	// KindBackendUnavailable indicates no communication channel is configured.
	// Terminal; distinct from a declined human decision.
	KindBackendUnavailable
	// KindMissingData indicates extraction left required fields empty. This
	// feeds the missing-info HITL loop, it is not a hard failure.
	KindMissingData
	// KindDuplicateDecision indicates a decision arrived for an already
	// resolved audit id. Logged, ignored for control flow.
	KindDuplicateDecision
	// KindCorruptState indicates a persisted store could not be read.
	KindCorruptState
	// KindNotFound indicates a referenced record does not exist.
	KindNotFound
	// KindValidation indicates invalid input data.
	KindValidation
	// KindInternal indicates an unexpected internal error.
	KindInternal
)

// String returns the snake_case name of the kind for log fields.
func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindBackendUnavailable:
		return "backend_unavailable"
	case KindMissingData:
		return "missing_data"
	case KindDuplicateDecision:
		return "duplicate_decision"
	case KindCorruptState:
		return "corrupt_state"
	case KindNotFound:
		return "not_found"
	case KindValidation:
		return "validation"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error is a domain error with a typed Kind.
type Error struct {
	Kind    Kind
	Message string
	Op      string      // Operation that failed (optional)
	Err     error       // Underlying error (optional)
	Details interface{} // Additional details for response (optional)
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the appropriate HTTP status code for this error kind.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation:
		return http.StatusBadRequest
	case KindDuplicateDecision:
		return http.StatusConflict
	case KindBackendUnavailable:
		return http.StatusServiceUnavailable
	case KindTransient:
		return http.StatusBadGateway
	case KindMissingData:
		return http.StatusUnprocessableEntity
	case KindCorruptState, KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// New creates a new domain error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates a new domain error wrapping an existing error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithOp returns the error with the operation set.
func (e *Error) WithOp(op string) *Error {
	e.Op = op
	return e
}

// WithDetails returns the error with additional details.
func (e *Error) WithDetails(details interface{}) *Error {
	e.Details = details
	return e
}

// Convenience constructors for common error types.

// Transient creates a transient integration error.
func Transient(message string, err error) *Error {
	return Wrap(KindTransient, message, err)
}

// BackendUnavailable creates a backend unavailable error.
func BackendUnavailable(message string) *Error {
	return New(KindBackendUnavailable, message)
}

// MissingData creates a missing required data error.
func MissingData(message string) *Error {
	return New(KindMissingData, message)
}

// DuplicateDecision creates a duplicate decision error.
func DuplicateDecision(message string) *Error {
	return New(KindDuplicateDecision, message)
}

// CorruptState creates a corrupt persisted state error.
func CorruptState(message string, err error) *Error {
	return Wrap(KindCorruptState, message, err)
}

// NotFound creates a not found error.
func NotFound(message string) *Error {
	return New(KindNotFound, message)
}

// Validation creates a validation error.
func Validation(message string) *Error {
	return New(KindValidation, message)
}

// Internal creates an internal error.
func Internal(message string) *Error {
	return New(KindInternal, message)
}

// GetKind extracts the error kind from an error.
// Returns KindUnknown if the error is not an *Error.
func GetKind(err error) Kind {
	if e, ok := err.(*Error); ok {
		return e.Kind
	}
	return KindUnknown
}

// Is checks if err is an *Error with the given kind.
func Is(err error, kind Kind) bool {
	return GetKind(err) == kind
}
