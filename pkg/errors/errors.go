package errors

import (
	"errors"
	"fmt"
)

// Error codes shared across the codebase. Packages may define their own
// narrower codes (see pkg/bus/errors.go for an example) but should
// reach for one of these first.
const (
	CodeNotFound        = "NOT_FOUND"
	CodeConflict        = "CONFLICT"
	CodeInternal        = "INTERNAL"
	CodeInvalidArgument = "INVALID_ARGUMENT"
	CodeUnavailable     = "UNAVAILABLE"
	CodeTimeout         = "TIMEOUT"
	CodePermissionDenied = "PERMISSION_DENIED"
)

// AppError is the structured error type used throughout the codebase.
// It carries a stable Code for programmatic handling, a human-readable
// Message, and an optional wrapped Err for root-cause chaining.
type AppError struct {
	Code    string
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates an AppError with the given code, message and optional
// underlying error.
func New(code, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// Wrap annotates err with a message, preserving its code if it is already
// an AppError, and otherwise tagging it CodeInternal.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}
	var ae *AppError
	if errors.As(err, &ae) {
		return &AppError{Code: ae.Code, Message: message + ": " + ae.Message, Err: ae.Err}
	}
	return &AppError{Code: CodeInternal, Message: message, Err: err}
}

// NotFound creates a CodeNotFound AppError.
func NotFound(message string, err error) *AppError {
	return New(CodeNotFound, message, err)
}

// Conflict creates a CodeConflict AppError.
func Conflict(message string, err error) *AppError {
	return New(CodeConflict, message, err)
}

// Internal creates a CodeInternal AppError.
func Internal(message string, err error) *AppError {
	return New(CodeInternal, message, err)
}

// InvalidArgument creates a CodeInvalidArgument AppError.
func InvalidArgument(message string, err error) *AppError {
	return New(CodeInvalidArgument, message, err)
}

// Unavailable creates a CodeUnavailable AppError.
func Unavailable(message string, err error) *AppError {
	return New(CodeUnavailable, message, err)
}

// Timeout creates a CodeTimeout AppError.
func Timeout(message string, err error) *AppError {
	return New(CodeTimeout, message, err)
}

// Is reports whether err is an AppError with the given code.
func Is(err error, code string) bool {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code == code
	}
	return false
}
