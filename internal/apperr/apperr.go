// Package apperr provides typed errors that carry a stable code across the engine and the API.
package apperr

import (
	"errors"
	"fmt"
)

// Error codes surfaced to callers.
const (
	CodeNotFound         = "not_found"
	CodeInvalidRange     = "invalid_range"
	CodeInvalidArgument  = "invalid_argument"
	CodeInsufficientData = "insufficient_data"
	CodeValidation       = "validation"
	CodeConflict         = "conflict"
	CodeInternal         = "internal"
)

// Error is a typed error with a machine-readable code and a human-readable message.
type Error struct {
	Code    string
	Message string
	Err     error
}

// Error implements the error interface.
func (e Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
}

// Unwrap exposes the underlying error for errors.Is/As.
func (e Error) Unwrap() error {
	return e.Err
}

// New constructs a typed Error.
func New(code, message string, err error) Error {
	return Error{Code: code, Message: message, Err: err}
}

// NotFound reports an unknown account, report, or schedule.
func NotFound(format string, args ...any) Error {
	return Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// InvalidRange reports a malformed date range.
func InvalidRange(format string, args ...any) Error {
	return Error{Code: CodeInvalidRange, Message: fmt.Sprintf(format, args...)}
}

// InvalidArgument reports an out-of-bounds or unknown argument.
func InvalidArgument(format string, args ...any) Error {
	return Error{Code: CodeInvalidArgument, Message: fmt.Sprintf(format, args...)}
}

// InsufficientData reports a series too short to forecast.
func InsufficientData(format string, args ...any) Error {
	return Error{Code: CodeInsufficientData, Message: fmt.Sprintf(format, args...)}
}

// Validation reports invalid user-supplied configuration.
func Validation(format string, args ...any) Error {
	return Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// Conflict reports a write against a stale version.
func Conflict(format string, args ...any) Error {
	return Error{Code: CodeConflict, Message: fmt.Sprintf(format, args...)}
}

// As extracts an Error from err, accepting both value and pointer forms.
func As(err error) (Error, bool) {
	var e Error
	if errors.As(err, &e) {
		return e, true
	}
	var ePtr *Error
	if errors.As(err, &ePtr) && ePtr != nil {
		return *ePtr, true
	}
	return Error{}, false
}

// CodeOf returns the code of err, or CodeInternal when err is not typed.
func CodeOf(err error) string {
	if e, ok := As(err); ok {
		return e.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code string) bool {
	e, ok := As(err)
	return ok && e.Code == code
}
