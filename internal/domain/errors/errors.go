package errors

import (
	"errors"
	"fmt"
)

// Error types for the audit engine
type ErrorType string

const (
	ErrorTypeValidation    ErrorType = "validation"
	ErrorTypeBusiness      ErrorType = "business"
	ErrorTypeInternal      ErrorType = "internal"
	ErrorTypeNotFound      ErrorType = "not_found"
	ErrorTypeConflict      ErrorType = "conflict"
	ErrorTypeConcurrency   ErrorType = "concurrency_timeout"
	ErrorTypeStorage       ErrorType = "storage_failure"
	ErrorTypeIntegrity     ErrorType = "integrity_violation"
	ErrorTypeFormatVersion ErrorType = "format_version_mismatch"
	ErrorTypeInvalidState  ErrorType = "invalid_state"
)

// AppError represents a structured application error
type AppError struct {
	Type       ErrorType              `json:"type"`
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Cause      error                  `json:"-"`
	Retryable  bool                   `json:"retryable"`
	StatusCode int                    `json:"status_code"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithDetails(details map[string]interface{}) *AppError {
	e.Details = details
	return e
}

func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// Error constructors
func NewValidationError(code, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       code,
		Message:    message,
		Retryable:  false,
		StatusCode: 400,
	}
}

func NewBusinessError(code, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeBusiness,
		Code:       code,
		Message:    message,
		Retryable:  false,
		StatusCode: 422,
	}
}

func NewNotFoundError(resource string) *AppError {
	return &AppError{
		Type:       ErrorTypeNotFound,
		Code:       "RESOURCE_NOT_FOUND",
		Message:    fmt.Sprintf("%s not found", resource),
		Retryable:  false,
		StatusCode: 404,
	}
}

func NewConflictError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeConflict,
		Code:       "CONFLICT",
		Message:    message,
		Retryable:  false,
		StatusCode: 409,
	}
}

func NewInternalError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		Retryable:  true,
		StatusCode: 500,
	}
}

// NewConcurrencyTimeoutError signals the append critical section could not be
// entered within the configured bound. Always retryable by the caller.
func NewConcurrencyTimeoutError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeConcurrency,
		Code:       "CONCURRENCY_TIMEOUT",
		Message:    message,
		Retryable:  true,
		StatusCode: 503,
	}
}

// NewStorageFailureError signals a durable write failed after entering the
// critical section. Distinguishable from a concurrency timeout so the writer
// can re-verify persistence before retrying.
func NewStorageFailureError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeStorage,
		Code:       "STORAGE_FAILURE",
		Message:    message,
		Retryable:  true,
		StatusCode: 503,
	}
}

// NewIntegrityViolationError signals a verifier-detected mismatch. Never
// auto-corrected; surfaced, and the system keeps accepting writes.
func NewIntegrityViolationError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeIntegrity,
		Code:       "INTEGRITY_VIOLATION",
		Message:    message,
		Retryable:  false,
		StatusCode: 500,
	}
}

func NewFormatVersionError(version int) *AppError {
	return &AppError{
		Type:       ErrorTypeFormatVersion,
		Code:       "FORMAT_VERSION_MISMATCH",
		Message:    fmt.Sprintf("unrecognized record format version %d", version),
		Retryable:  false,
		StatusCode: 500,
	}
}

func NewInvalidStateError(code, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeInvalidState,
		Code:       code,
		Message:    message,
		Retryable:  false,
		StatusCode: 409,
	}
}

func NewOverlapError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeConflict,
		Code:       "OVERLAP",
		Message:    message,
		Retryable:  false,
		StatusCode: 409,
	}
}

// Predefined common errors
var (
	ErrInvalidInput   = NewValidationError("INVALID_INPUT", "Invalid input provided")
	ErrRecordNotFound = NewNotFoundError("audit record")
	ErrHoldNotFound   = NewNotFoundError("legal hold")
	ErrPolicyNotFound = NewNotFoundError("retention policy")
)

// Wrap wraps an error with a message using fmt.Errorf with %w
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// IsType checks if an error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == errorType
	}
	return false
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}

// GetStatusCode extracts HTTP status code from error
func GetStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return 500
}
