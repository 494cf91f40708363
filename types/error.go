package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the core.
type ErrorCode string

// Messaging error codes
const (
	ErrUnroutableMessage ErrorCode = "UNROUTABLE_MESSAGE"
	ErrChannelNotFound   ErrorCode = "CHANNEL_NOT_FOUND"
	ErrPublishFailed     ErrorCode = "PUBLISH_FAILED"
)

// Task error codes
const (
	ErrUnknownTaskType ErrorCode = "UNKNOWN_TASK_TYPE"
	ErrTaskTimeout     ErrorCode = "TASK_TIMEOUT"
	ErrTaskCancelled   ErrorCode = "TASK_CANCELLED"
	ErrTaskInterrupted ErrorCode = "TASK_INTERRUPTED"
)

// State error codes
const (
	ErrStaleWrite  ErrorCode = "STALE_WRITE"
	ErrLockTimeout ErrorCode = "LOCK_TIMEOUT"
)

// Generic error codes
const (
	ErrInvalidInput  ErrorCode = "INVALID_INPUT"
	ErrNotFound      ErrorCode = "NOT_FOUND"
	ErrClosed        ErrorCode = "CLOSED"
	ErrInternalError ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, Retryable: defaultRetryable(code)}
}

// Errorf creates a new Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// defaultRetryable 标记调用方可以整体重试的错误码
func defaultRetryable(code ErrorCode) bool {
	switch code {
	case ErrPublishFailed, ErrLockTimeout, ErrStaleWrite, ErrTaskTimeout:
		return true
	default:
		return false
	}
}

// AsError extracts a *Error from an error chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsErrorCode reports whether any *Error in the chain carries the given code.
func IsErrorCode(err error, code ErrorCode) bool {
	e, ok := AsError(err)
	return ok && e.Code == code
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}
