// This file is part of rkwebutil
//
// rkwebutil is free software, available under the BSD 3-clause license (see LICENSE)

/*
Package apperr defines the centralized error handling framework for rkwebutil.

It provides a rich error type that bridges the gap between low-level Domain/Storage
errors and high-level HTTP responses.

Architecture:

  - AppError: A struct containing machine-readable ErrorCode and user-friendly messages.
  - Taxonomy: One constructor per protocol failure mode (no such user, stale
    challenge, expired link, ...), so services never invent ad-hoc error shapes.
  - Mapping: Explicit mapping from AppError to standard HTTP Status Codes.

Every error that leaves the service layer should be wrapped as an [AppError] to ensure
consistent API responses.
*/
package apperr

import (
	"errors"
	"net/http"
)

// AppError is the canonical error type for the rkwebutil auth API.
//
// It carries an HTTP status code, a machine-readable code, a client-safe
// message, and an optional slice of field-level validation errors.
//
// # Security
//
// The Cause field is for server-side logging only and is never sent to clients
// to avoid leaking internal implementation details (e.g., SQL queries).
type AppError struct {
	// Code is a machine-readable error identifier (e.g. "NO_SUCH_USER").
	Code string `json:"code"`
	// Message is a human-readable description safe to return to the client.
	Message string `json:"error"`
	// HTTPStatus is the HTTP response status code.
	HTTPStatus int `json:"-"`
	// Cause is the underlying error, used for server-side logging only.
	Cause error `json:"-"`
	// Details holds per-field validation errors for VALIDATION_ERROR responses.
	Details []FieldError `json:"details,omitempty"`
}

// FieldError represents a single field-level validation failure.
type FieldError struct {
	// Field is the JSON field name that failed validation.
	Field string `json:"field"`
	// Message is the human-readable description of the failure.
	Message string `json:"message"`
}

// Error implements the error interface. It returns the client-safe message.
func (e *AppError) Error() string { return e.Message }

// Unwrap allows [errors.Is] and [errors.As] to traverse the cause chain.
func (e *AppError) Unwrap() error { return e.Cause }

// # Error Codes

// Machine-readable error codes. Clients branch on these, never on messages.
const (
	CodeNoSuchUser       = "NO_SUCH_USER"
	CodeDataIntegrity    = "DATA_INTEGRITY"
	CodePasswordNotSet   = "PASSWORD_NOT_SET"
	CodeSessionMismatch  = "SESSION_MISMATCH"
	CodeChallengeFailure = "CHALLENGE_FAILURE"
	CodeLinkNotFound     = "LINK_NOT_FOUND"
	CodeLinkExpired      = "LINK_EXPIRED"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeValidationError  = "VALIDATION_ERROR"
	CodeUnprocessable    = "UNPROCESSABLE"
	CodeInternal         = "INTERNAL_ERROR"
)

// # Protocol Errors

// NoSuchUser creates the 404 [AppError] for a username or email with zero matches.
func NoSuchUser(msg string) *AppError {
	return &AppError{
		Code:       CodeNoSuchUser,
		Message:    msg,
		HTTPStatus: http.StatusNotFound,
	}
}

// DataIntegrity creates the 500 [AppError] for a supposedly-unique lookup that
// matched more than one row. The schema should prevent this; it is checked
// defensively anyway.
func DataIntegrity(msg string) *AppError {
	return &AppError{
		Code:       CodeDataIntegrity,
		Message:    msg,
		HTTPStatus: http.StatusInternalServerError,
	}
}

// PasswordNotSet creates the 409 [AppError] for a user whose public key is null.
func PasswordNotSet(msg string) *AppError {
	return &AppError{
		Code:       CodePasswordNotSet,
		Message:    msg,
		HTTPStatus: http.StatusConflict,
	}
}

// SessionMismatch creates the 409 [AppError] for a challenge response whose
// username does not match the session that requested the challenge.
func SessionMismatch(msg string) *AppError {
	return &AppError{
		Code:       CodeSessionMismatch,
		Message:    msg,
		HTTPStatus: http.StatusConflict,
	}
}

// ChallengeFailure creates the 401 [AppError] for a wrong or stale challenge
// response. The message is deliberately generic: it must not reveal whether
// the password or the nonce was at fault.
func ChallengeFailure() *AppError {
	return &AppError{
		Code:       CodeChallengeFailure,
		Message:    "Authentication failure.",
		HTTPStatus: http.StatusUnauthorized,
	}
}

// LinkNotFound creates the 404 [AppError] for an unknown or already-consumed
// password reset link.
func LinkNotFound(msg string) *AppError {
	return &AppError{
		Code:       CodeLinkNotFound,
		Message:    msg,
		HTTPStatus: http.StatusNotFound,
	}
}

// LinkExpired creates the 410 [AppError] for a reset link past its expiry.
func LinkExpired(msg string) *AppError {
	return &AppError{
		Code:       CodeLinkExpired,
		Message:    msg,
		HTTPStatus: http.StatusGone,
	}
}

// # Generic Client Errors (4xx)

// Unauthorized creates a 401 [AppError].
func Unauthorized(msg string) *AppError {
	return &AppError{
		Code:       CodeUnauthorized,
		Message:    msg,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// ValidationError creates a 400 [AppError] with optional per-field details.
func ValidationError(msg string, details ...FieldError) *AppError {
	return &AppError{
		Code:       CodeValidationError,
		Message:    msg,
		HTTPStatus: http.StatusBadRequest,
		Details:    details,
	}
}

// Unprocessable creates a 422 [AppError] for semantically invalid input.
func Unprocessable(msg string) *AppError {
	return &AppError{
		Code:       CodeUnprocessable,
		Message:    msg,
		HTTPStatus: http.StatusUnprocessableEntity,
	}
}

// # Server Errors (5xx)

// Internal creates a 500 [AppError] wrapping an unexpected server-side error.
// The cause is stored for logging but is never sent to the client.
func Internal(cause error) *AppError {
	return &AppError{
		Code:       CodeInternal,
		Message:    "An unexpected error occurred",
		HTTPStatus: http.StatusInternalServerError,
		Cause:      cause,
	}
}

// # Helpers

// IsAppError reports whether err (or any error in its chain) is an [*AppError].
func IsAppError(err error) bool {
	var ae *AppError
	return errors.As(err, &ae)
}

// As extracts the [*AppError] from err's chain. It returns nil if not found.
func As(err error) *AppError {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae
	}
	return nil
}

// IsCode reports whether err carries an [*AppError] with the given code.
func IsCode(err error, code string) bool {
	ae := As(err)
	return ae != nil && ae.Code == code
}
