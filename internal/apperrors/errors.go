// Package apperrors defines the structured error taxonomy shared across
// moderation verbs and HTTP handlers.
package apperrors

import (
	"errors"
	"fmt"
)

// Code identifies an error class.
type Code string

const (
	// CodeValidation marks malformed params, rejected before any side effect.
	CodeValidation Code = "VALIDATION_ERROR"
	// CodeNotFound marks a missing referenced entity.
	CodeNotFound Code = "NOT_FOUND"
	// CodeConflict marks a lost compare-and-set race.
	CodeConflict Code = "CONFLICT"
	// CodeExternalBackend marks an unreachable media backend or notifier.
	CodeExternalBackend Code = "EXTERNAL_BACKEND_ERROR"
	// CodePersistence marks a failed store write; no side effects are
	// assumed committed.
	CodePersistence Code = "PERSISTENCE_ERROR"
	// CodeUnauthorized and CodeForbidden cover auth failures.
	CodeUnauthorized Code = "UNAUTHORIZED"
	CodeForbidden    Code = "FORBIDDEN"
)

// Error is a structured application error.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.cause }

// New creates an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates an Error wrapping a cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

func Validation(message string) *Error {
	return New(CodeValidation, message)
}

func NotFound(resource string) *Error {
	return New(CodeNotFound, resource+" not found")
}

func Conflict(message string) *Error {
	return New(CodeConflict, message)
}

func ExternalBackend(message string, cause error) *Error {
	return Wrap(CodeExternalBackend, message, cause)
}

func Persistence(message string, cause error) *Error {
	return Wrap(CodePersistence, message, cause)
}

// CodeOf extracts the Code from err, or empty when err is not an *Error.
func CodeOf(err error) Code {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
