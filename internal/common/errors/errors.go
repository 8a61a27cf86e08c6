// Package errors provides the application error types used across the
// control plane and their mapping onto HTTP status codes.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes surfaced to API clients in the error_code field.
const (
	ErrCodeNotFound           = "not_found"
	ErrCodeBadRequest         = "bad_request"
	ErrCodeValidationError    = "validation_error"
	ErrCodeConflict           = "conflict"
	ErrCodeNoCapacity         = "no_capacity"
	ErrCodeDriverError        = "driver_error"
	ErrCodeStoreUnavailable   = "store_unavailable"
	ErrCodeStoreIntegrity     = "store_integrity_error"
	ErrCodeArtifactStore      = "artifact_store_error"
	ErrCodeExecutorUnreachable = "executor_unreachable"
	ErrCodeTimeout            = "timeout"
	ErrCodeUnauthorized       = "unauthorized"
	ErrCodeInternalError      = "internal_error"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"error_code"`
	Message    string `json:"message"`
	Hint       string `json:"hint,omitempty"`
	HTTPStatus int    `json:"-"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithHint attaches a corrective hint shown to the API client.
func (e *AppError) WithHint(hint string) *AppError {
	e.Hint = hint
	return e
}

// NotFound creates a not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// BadRequest creates a bad request error.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBadRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// ValidationError creates a validation error for a specific field.
func ValidationError(field string, message string) *AppError {
	return &AppError{
		Code:       ErrCodeValidationError,
		Message:    fmt.Sprintf("validation failed for field '%s': %s", field, message),
		HTTPStatus: http.StatusBadRequest,
	}
}

// Conflict creates a conflict error for state-machine violations.
func Conflict(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// NoCapacity creates the error returned when the scheduler finds no node.
func NoCapacity(message string) *AppError {
	return &AppError{
		Code:       ErrCodeNoCapacity,
		Message:    message,
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// DriverError wraps a container runtime failure.
func DriverError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeDriverError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// StoreUnavailable wraps a transient entity store failure.
func StoreUnavailable(err error) *AppError {
	return &AppError{
		Code:       ErrCodeStoreUnavailable,
		Message:    "entity store is unavailable",
		HTTPStatus: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// StoreIntegrity wraps an integrity violation in the entity store. Fatal for
// the originating request; never retried.
func StoreIntegrity(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeStoreIntegrity,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// ArtifactStoreError wraps an object store failure. transient controls
// whether callers should retry and which status is surfaced.
func ArtifactStoreError(message string, err error, transient bool) *AppError {
	status := http.StatusInternalServerError
	if transient {
		status = http.StatusServiceUnavailable
	}
	return &AppError{
		Code:       ErrCodeArtifactStore,
		Message:    message,
		HTTPStatus: status,
		Err:        err,
	}
}

// ExecutorUnreachable wraps a failed delivery to the in-container executor.
// Never surfaced to API clients directly; it triggers crash classification.
func ExecutorUnreachable(sessionID string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeExecutorUnreachable,
		Message:    fmt.Sprintf("executor for session '%s' is unreachable", sessionID),
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// Timeout creates an error for an expired internal deadline.
func Timeout(operation string) *AppError {
	return &AppError{
		Code:       ErrCodeTimeout,
		Message:    fmt.Sprintf("operation '%s' timed out", operation),
		HTTPStatus: http.StatusGatewayTimeout,
	}
}

// Unauthorized creates an unauthorized error.
func Unauthorized(message string) *AppError {
	return &AppError{
		Code:       ErrCodeUnauthorized,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// InternalError creates an internal server error with a wrapped cause.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// AsAppError extracts an *AppError from err, or wraps err as an internal
// error when it is not one.
func AsAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return InternalError("internal server error", err)
}

// IsCode reports whether err is an AppError with the given code.
func IsCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsNotFound reports whether err is a not found error.
func IsNotFound(err error) bool { return IsCode(err, ErrCodeNotFound) }

// IsConflict reports whether err is a conflict error.
func IsConflict(err error) bool { return IsCode(err, ErrCodeConflict) }

// IsTransient reports whether the error kind is worth retrying inside the
// originating component.
func IsTransient(err error) bool {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return false
	}
	switch appErr.Code {
	case ErrCodeStoreUnavailable, ErrCodeExecutorUnreachable:
		return true
	case ErrCodeArtifactStore:
		return appErr.HTTPStatus == http.StatusServiceUnavailable
	}
	return false
}
