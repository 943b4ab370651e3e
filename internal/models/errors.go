package models

import (
	"errors"
	"fmt"
)

var (
	// ErrNoResponse means the server or an upstream could not be reached. Retryable.
	ErrNoResponse = errors.New("no response")

	// ErrValidation is returned for malformed input. Never retried.
	ErrValidation = errors.New("validation failed")

	// ErrStateConflict is returned when an action is invalid for the current stage.
	ErrStateConflict = errors.New("state conflict")

	// ErrAlreadyTerminal is returned for actions on a completed or cancelled job.
	ErrAlreadyTerminal = fmt.Errorf("job already terminal: %w", ErrStateConflict)

	// ErrGeolocation is returned when a device position cannot be obtained.
	ErrGeolocation = errors.New("geolocation unavailable")

	// ErrUnauthorized is returned for a missing, invalid or expired credential.
	ErrUnauthorized = errors.New("unauthorized")

	ErrForbidden = errors.New("forbidden")
	ErrNotFound  = errors.New("not found")
)

// ValidationError describes one rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// ConflictError reports an operation refused in the given stage.
type ConflictError struct {
	Op     string
	Stage  Stage
	Reason string
}

func (e *ConflictError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s not allowed in stage %s: %s", e.Op, e.Stage, e.Reason)
	}
	return fmt.Sprintf("%s not allowed in stage %s", e.Op, e.Stage)
}

func (e *ConflictError) Unwrap() error {
	if e.Stage.Terminal() {
		return ErrAlreadyTerminal
	}
	return ErrStateConflict
}

func NewConflict(op string, stage Stage, reason string) error {
	return &ConflictError{Op: op, Stage: stage, Reason: reason}
}

// Wire error codes.
const (
	CodeValidation      = "VALIDATION_ERROR"
	CodeStateConflict   = "STATE_CONFLICT"
	CodeAlreadyTerminal = "ALREADY_TERMINAL"
	CodeNotFound        = "NOT_FOUND"
	CodeForbidden       = "FORBIDDEN"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeNoResponse      = "NO_RESPONSE"
	CodeGeolocation     = "GEOLOCATION_ERROR"
	CodeInternal        = "INTERNAL_ERROR"
)

// ErrorCode classifies err for the wire. More specific sentinels are
// checked first since ErrAlreadyTerminal wraps ErrStateConflict.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrAlreadyTerminal):
		return CodeAlreadyTerminal
	case errors.Is(err, ErrStateConflict):
		return CodeStateConflict
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, ErrNoResponse):
		return CodeNoResponse
	case errors.Is(err, ErrGeolocation):
		return CodeGeolocation
	}
	return CodeInternal
}

// ErrorForCode maps a wire code back to its sentinel. Unknown codes yield nil.
func ErrorForCode(code string) error {
	switch code {
	case CodeValidation:
		return ErrValidation
	case CodeAlreadyTerminal:
		return ErrAlreadyTerminal
	case CodeStateConflict:
		return ErrStateConflict
	case CodeNotFound:
		return ErrNotFound
	case CodeForbidden:
		return ErrForbidden
	case CodeUnauthorized:
		return ErrUnauthorized
	case CodeNoResponse:
		return ErrNoResponse
	case CodeGeolocation:
		return ErrGeolocation
	}
	return nil
}
