// Package channels holds what chat-platform adapters share: the error
// taxonomy for platform calls and the outbound rate limiter.
package channels

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode classifies a failed platform call.
type ErrorCode string

const (
	// ErrCodeConnection: the platform could not be reached.
	ErrCodeConnection ErrorCode = "CONNECTION_ERROR"

	// ErrCodeAuthentication: bad token or missing permission.
	ErrCodeAuthentication ErrorCode = "AUTH_ERROR"

	// ErrCodeRateLimit: the platform throttled the call.
	ErrCodeRateLimit ErrorCode = "RATE_LIMIT_ERROR"

	// ErrCodeInvalidInput: the platform rejected the payload.
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"

	// ErrCodeNotFound: the message or channel no longer exists.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// ErrCodeUnavailable: the platform had a server-side failure.
	ErrCodeUnavailable ErrorCode = "SERVICE_UNAVAILABLE"

	// ErrCodeInternal: anything unclassified.
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"

	// ErrCodeConfig: the adapter is misconfigured.
	ErrCodeConfig ErrorCode = "CONFIG_ERROR"
)

// Error is a classified platform failure.
type Error struct {
	Code ErrorCode

	// Op names the call that failed, e.g. "send" or "fetch".
	Op string

	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, msg, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the same call may succeed later.
func (e *Error) Retryable() bool {
	switch e.Code {
	case ErrCodeRateLimit, ErrCodeUnavailable, ErrCodeConnection:
		return true
	default:
		return false
	}
}

// NewError creates a classified error.
func NewError(code ErrorCode, op, message string, err error) *Error {
	return &Error{Code: code, Op: op, Message: message, Err: err}
}

// ErrConfig creates a configuration error.
func ErrConfig(message string, err error) *Error {
	return NewError(ErrCodeConfig, "", message, err)
}

// CodeForStatus maps an HTTP status from a platform REST call to a code.
func CodeForStatus(status int) ErrorCode {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrCodeAuthentication
	case status == http.StatusNotFound:
		return ErrCodeNotFound
	case status == http.StatusTooManyRequests:
		return ErrCodeRateLimit
	case status >= 400 && status < 500:
		return ErrCodeInvalidInput
	case status >= 500:
		return ErrCodeUnavailable
	default:
		return ErrCodeInternal
	}
}

// CodeOf extracts the code from err, ErrCodeInternal when unclassified.
func CodeOf(err error) ErrorCode {
	var chErr *Error
	if errors.As(err, &chErr) {
		return chErr.Code
	}
	return ErrCodeInternal
}

// IsNotFound reports whether err means the target no longer exists.
func IsNotFound(err error) bool {
	return CodeOf(err) == ErrCodeNotFound
}
