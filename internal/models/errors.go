package models

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode defines specific error types returned by the store.
type ErrorCode string

const (
	// ErrorCodeValidationFailed is returned when a block fails its compiled schema case
	ErrorCodeValidationFailed ErrorCode = "VALIDATION_FAILED"
	// ErrorCodeBadRequest is returned for malformed patch or query input
	ErrorCodeBadRequest ErrorCode = "BAD_REQUEST"
	// ErrorCodeNotFound is returned when a block, href, relation or parent is missing
	ErrorCodeNotFound ErrorCode = "NOT_FOUND"
	// ErrorCodeConflict is returned on optimistic concurrency mismatches and id collisions
	ErrorCodeConflict ErrorCode = "CONFLICT"
	// ErrorCodeInternal is returned when an unexpected error occurs
	ErrorCodeInternal ErrorCode = "INTERNAL_ERROR"
)

// ErrorWithStatus is an error that includes an HTTP status code and error code.
//
// Consumers exposing the store over HTTP use it to pick a response status.
type ErrorWithStatus interface {
	Error() string
	StatusCode() int
	Code() ErrorCode
	Details() map[string]any
}

var _ ErrorWithStatus = (*Error)(nil)

// Error is a concrete error type with status code, code, and optional details.
type Error struct {
	statusCode int
	code       ErrorCode
	message    string
	details    map[string]any
	wrappedErr error
}

// NewError creates a new Error with the given status code and message.
func NewError(statusCode int, code ErrorCode, message string) *Error {
	return &Error{
		statusCode: statusCode,
		code:       code,
		message:    message,
	}
}

// WithDetail adds a single detail to the error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.details == nil {
		e.details = make(map[string]any)
	}
	e.details[key] = value
	return e
}

// Wrap wraps an underlying error.
func (e *Error) Wrap(err error) *Error {
	e.wrappedErr = err
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.wrappedErr != nil {
		return fmt.Sprintf("%s: %v", e.message, e.wrappedErr)
	}
	return e.message
}

// StatusCode returns the HTTP status code.
func (e *Error) StatusCode() int {
	return e.statusCode
}

// Code returns the error code.
func (e *Error) Code() ErrorCode {
	return e.code
}

// Details returns additional error details.
func (e *Error) Details() map[string]any {
	return e.details
}

// Unwrap returns the wrapped error if any.
func (e *Error) Unwrap() error {
	return e.wrappedErr
}

// Is reports whether target is an *Error with the same code, so that
// errors.Is(err, models.ErrNotFound) works for any not found error.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.message == "" && t.code == e.code
}

// Sentinels usable with errors.Is.
var (
	ErrNotFound   = &Error{code: ErrorCodeNotFound}
	ErrValidation = &Error{code: ErrorCodeValidationFailed}
	ErrConflict   = &Error{code: ErrorCodeConflict}
	ErrBadRequest = &Error{code: ErrorCodeBadRequest}
)

// CodeOf returns the ErrorCode carried by err, or ErrorCodeInternal.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.code
	}
	return ErrorCodeInternal
}

// NotFound creates a 404 Not Found error.
func NotFound(resource string) *Error {
	return NewError(http.StatusNotFound, ErrorCodeNotFound, fmt.Sprintf("%s not found", resource))
}

// BadRequest creates a 400 Bad Request error.
func BadRequest(message string) *Error {
	return NewError(http.StatusBadRequest, ErrorCodeBadRequest, message)
}

// Validation creates a 400 error for schema validation failures.
func Validation(message string) *Error {
	return NewError(http.StatusBadRequest, ErrorCodeValidationFailed, message)
}

// Conflict creates a 409 Conflict error.
func Conflict(message string) *Error {
	return NewError(http.StatusConflict, ErrorCodeConflict, message)
}

// Internal returns a 500 Internal Server Error.
func Internal(message string) *Error {
	return NewError(http.StatusInternalServerError, ErrorCodeInternal, message)
}

// InternalWithError creates a 500 error wrapping an underlying error.
func InternalWithError(message string, err error) *Error {
	return Internal(message).Wrap(err)
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	return errors.As(err, &e) && e.code == code
}
