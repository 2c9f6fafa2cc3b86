// internal/errors/errors.go
package errors

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"time"
)

type ErrorType string

const (
	ErrorTypeNotFound   ErrorType = "NOT_FOUND"
	ErrorTypeValidation ErrorType = "VALIDATION"
	ErrorTypeConflict   ErrorType = "CONFLICT"
	ErrorTypeBusy       ErrorType = "BUSY"
	ErrorTypeCorrupt    ErrorType = "CORRUPT"
	ErrorTypeIO         ErrorType = "IO"
	ErrorTypeInternal   ErrorType = "INTERNAL"
)

type Error struct {
	Type       ErrorType     `json:"type"`
	Message    string        `json:"message"`
	Code       int           `json:"code"`
	Details    any           `json:"details,omitempty"`
	RetryAfter time.Duration `json:"-"`
	Err        error         `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the caller may repeat the request unchanged.
func (e *Error) Retryable() bool {
	switch e.Type {
	case ErrorTypeBusy, ErrorTypeIO:
		return true
	}
	return false
}

// MarshalJSON adds the retryable flag to the wire form. The wrapped error
// is never serialized.
func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type      ErrorType `json:"type"`
		Message   string    `json:"message"`
		Code      int       `json:"code"`
		Details   any       `json:"details,omitempty"`
		Retryable bool      `json:"retryable"`
	}{e.Type, e.Message, e.Code, e.Details, e.Retryable()})
}

func NotFound(message string) *Error {
	return &Error{
		Type:    ErrorTypeNotFound,
		Message: message,
		Code:    http.StatusNotFound,
	}
}

func ValidationError(message string, details any) *Error {
	return &Error{
		Type:    ErrorTypeValidation,
		Message: message,
		Code:    http.StatusBadRequest,
		Details: details,
	}
}

func Conflict(message string, details any) *Error {
	return &Error{
		Type:    ErrorTypeConflict,
		Message: message,
		Code:    http.StatusConflict,
		Details: details,
	}
}

// Busy reports a bounded wait that ran out. retryAfter is a hint for the caller.
func Busy(message string, retryAfter time.Duration) *Error {
	return &Error{
		Type:       ErrorTypeBusy,
		Message:    message,
		Code:       http.StatusServiceUnavailable,
		RetryAfter: retryAfter,
	}
}

func Corrupt(message string, err error) *Error {
	return &Error{
		Type:    ErrorTypeCorrupt,
		Message: message,
		Code:    http.StatusInternalServerError,
		Err:     err,
	}
}

func IOError(message string, err error) *Error {
	return &Error{
		Type:    ErrorTypeIO,
		Message: message,
		Code:    http.StatusInternalServerError,
		Err:     err,
	}
}

func Internal(message string, err error) *Error {
	return &Error{
		Type:    ErrorTypeInternal,
		Message: message,
		Code:    http.StatusInternalServerError,
		Err:     err,
	}
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if stderrors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// TypeOf classifies err. Errors outside the taxonomy are INTERNAL.
func TypeOf(err error) ErrorType {
	if e, ok := As(err); ok {
		return e.Type
	}
	return ErrorTypeInternal
}

func Is(err error, t ErrorType) bool {
	return err != nil && TypeOf(err) == t
}
