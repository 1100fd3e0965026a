// Package errors provides the structured error types used across the entity
// mirror. Configuration mistakes fail fast with a coded error; transient
// database failures are deliberately NOT wrapped into AppError so the root
// cause reaches the caller untouched after retries are exhausted.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for common failure scenarios.
var (
	ErrNotFound      = errors.New("not found")
	ErrNotRegistered = errors.New("type not registered")
	ErrInvalidConfig = errors.New("invalid entity config")
	ErrBadRequest    = errors.New("bad request")
	ErrInternal      = errors.New("internal error")
)

// AppError is a structured application error with a machine-readable code.
type AppError struct {
	// Code is a machine-readable error code (e.g. "ENTITY_NOT_REGISTERED").
	Code string `json:"code"`

	// Message is a human-readable error message.
	Message string `json:"message"`

	// HTTPStatus is the corresponding HTTP status code for the API surface.
	HTTPStatus int `json:"-"`

	// Err is the wrapped underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code, message string, httpStatus int) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: httpStatus}
}

// Wrap wraps an existing error into an AppError.
func Wrap(err error, code, message string, httpStatus int) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: httpStatus, Err: err}
}

// InvalidConfig reports a registration-time configuration mistake. These are
// programming errors and surface at startup, never silently.
func InvalidConfig(message string) *AppError {
	return &AppError{
		Code:       "INVALID_CONFIG",
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        ErrInvalidConfig,
	}
}

// NotRegistered reports a sync request naming a type the registry does not
// know.
func NotRegistered(typeName string) *AppError {
	return &AppError{
		Code:       "ENTITY_NOT_REGISTERED",
		Message:    fmt.Sprintf("no entity config registered for type %q", typeName),
		HTTPStatus: http.StatusBadRequest,
		Err:        ErrNotRegistered,
	}
}

// NotFound creates a 404 error.
func NotFound(code, message string) *AppError {
	return New(code, message, http.StatusNotFound)
}

// BadRequest creates a 400 error.
func BadRequest(code, message string) *AppError {
	return New(code, message, http.StatusBadRequest)
}

// Internal creates a 500 error.
func Internal(code, message string) *AppError {
	return New(code, message, http.StatusInternalServerError)
}

// IsAppError checks if an error is an AppError and returns it.
func IsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}
