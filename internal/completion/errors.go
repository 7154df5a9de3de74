package completion

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrAttemptsExhausted is returned when the attempt ceiling is reached
	// before any attempt succeeded.
	ErrAttemptsExhausted = errors.New("completion attempts exhausted")

	// ErrAttemptTimeout marks an attempt that did not establish a response
	// within the configured attempt timeout.
	ErrAttemptTimeout = errors.New("completion attempt timed out")
)

// Class categorizes why a provider request failed. It decides how the
// credential pool is advanced and whether the request is retried.
type Class string

const (
	// ClassCredential: the key is invalid, revoked or out of quota. It is
	// evicted from the pool.
	ClassCredential Class = "credential"

	// ClassRateLimited: the key is throttled. It is skipped but kept.
	ClassRateLimited Class = "rate_limited"

	// ClassTimeout: the attempt timer expired. Handled like ClassRateLimited.
	ClassTimeout Class = "timeout"

	// ClassOther: anything else. Not retried.
	ClassOther Class = "other"
)

// Retryable reports whether another attempt may succeed.
func (c Class) Retryable() bool {
	switch c {
	case ClassCredential, ClassRateLimited, ClassTimeout:
		return true
	default:
		return false
	}
}

// Evicts reports whether the credential that produced the error must be
// removed from the pool.
func (c Class) Evicts() bool {
	return c == ClassCredential
}

// ProviderError is a transport failure normalized by a provider adapter.
type ProviderError struct {
	// Provider is the transport name, e.g. "openai".
	Provider string

	// Model is the model that was requested.
	Model string

	// Status is the HTTP status code, if any.
	Status int

	// Code is the provider-specific error code or type.
	Code string

	// Message is the provider's human-readable message.
	Message string

	// RetryAfter is the provider's retry hint, zero when absent.
	RetryAfter time.Duration

	Cause error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	parts := []string{fmt.Sprintf("[%s]", e.Class())}
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Code != "" {
		parts = append(parts, "code="+e.Code)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// Class classifies the error. Codes win over status because some
// providers report an exhausted quota with a 429.
func (e *ProviderError) Class() Class {
	if c := classifyCode(e.Code); c != ClassOther {
		return c
	}
	return classifyStatus(e.Status)
}

// Classify returns the class of any error produced by a transport.
func Classify(err error) Class {
	if err == nil {
		return ClassOther
	}
	if errors.Is(err, ErrAttemptTimeout) {
		return ClassTimeout
	}
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Class()
	}
	return ClassOther
}

// RetryAfter extracts the provider's retry hint from err, if any.
func RetryAfter(err error) time.Duration {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.RetryAfter
	}
	return 0
}

// ParseRetryAfter reads a Retry-After header as delay seconds or an HTTP
// date. It returns zero when the header is absent, malformed or past.
func ParseRetryAfter(h http.Header, now time.Time) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

func classifyStatus(status int) Class {
	switch status {
	case http.StatusUnauthorized, http.StatusPaymentRequired, http.StatusForbidden:
		return ClassCredential
	case http.StatusTooManyRequests:
		return ClassRateLimited
	default:
		return ClassOther
	}
}

func classifyCode(code string) Class {
	switch strings.ToLower(code) {
	case "insufficient_quota", "access_terminated", "invalid_api_key", "billing_not_active",
		"authentication_error", "permission_error", "billing_error":
		return ClassCredential
	case "rate_limit_exceeded", "rate_limit_error":
		return ClassRateLimited
	default:
		return ClassOther
	}
}
