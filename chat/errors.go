package chat

import (
	"errors"
	"fmt"
)

// Failure taxonomy for message mutations.
//
// ValidationError is raised locally before any request is issued.
// AuthorizationError and NotFoundError are terminal server verdicts.
// TransientError covers network failures and 5xx responses; the caller may
// retry explicitly, the client never retries on its own.

type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Reason
}

func NewValidationError(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

type AuthorizationError struct {
	Op string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("%s: not allowed", e.Op)
}

type NotFoundError struct {
	Kind string // "channel" or "message"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s: not found", e.Kind, e.ID)
}

type TransientError struct {
	Op    string
	Cause error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Cause)
}

func (e *TransientError) Unwrap() error {
	return e.Cause
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsAuthorization(err error) bool {
	var v *AuthorizationError
	return errors.As(err, &v)
}

func IsNotFound(err error) bool {
	var v *NotFoundError
	return errors.As(err, &v)
}

func IsTransient(err error) bool {
	var v *TransientError
	return errors.As(err, &v)
}
