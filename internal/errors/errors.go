// Package errors provides the error taxonomy shared by the offline queue,
// the sync engine and the control surfaces.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a stable error code surfaced to the UI layer.
type ErrorCode string

const (
	// General errors
	ErrInternal ErrorCode = "INTERNAL_ERROR"
	ErrInvalid  ErrorCode = "INVALID_INPUT"
	ErrNotFound ErrorCode = "NOT_FOUND"

	// Local store errors
	ErrStorageUnavailable ErrorCode = "STORAGE_UNAVAILABLE"
	ErrMigration          ErrorCode = "MIGRATION_FAILED"
	ErrQueueFull          ErrorCode = "QUEUE_FULL"

	// Sync errors
	ErrTransientNetwork   ErrorCode = "TRANSIENT_NETWORK"
	ErrVersionConflict    ErrorCode = "VERSION_CONFLICT"
	ErrValidationRejected ErrorCode = "VALIDATION_REJECTED"
	ErrPoisoned           ErrorCode = "POISONED"
	ErrSyncInProgress     ErrorCode = "SYNC_IN_PROGRESS"
	ErrSyncNotConfigured  ErrorCode = "SYNC_NOT_CONFIGURED"
	ErrConfirmRequired    ErrorCode = "CONFIRMATION_REQUIRED"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new AppError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is checks if an error, or any error it wraps, carries a specific code.
func Is(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// CodeOf returns the code of the outermost AppError in the chain,
// or ErrInternal when the chain has none. A nil error has no code.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// IsRetryable reports whether the failure is expected to clear on its own.
// Storage and network failures are retryable; rejections and conflicts are not.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case ErrStorageUnavailable, ErrTransientNetwork, ErrSyncInProgress:
		return true
	default:
		return false
	}
}
