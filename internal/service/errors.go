package service

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidInput = errors.New("invalid input")
)

// Window scopes a quota exhaustion. Hour and burst exhaustion are retryable
// in-process; day exhaustion is not.
const (
	ScopeBurst = "burst"
	ScopeHour  = "hour"
	ScopeDay   = "day"
)

// QuotaExceededError is raised when a window has no remaining quota. It
// carries enough structure for callers to react without parsing messages.
type QuotaExceededError struct {
	Endpoint   string
	Scope      string
	RetryAfter time.Duration
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for %s (%s window), retry after %s", e.Endpoint, e.Scope, e.RetryAfter)
}

// Retryable reports whether the guard may retry in-process.
func (e *QuotaExceededError) Retryable() bool {
	return e.Scope != ScopeDay
}

// StoreError wraps counter store failures. The guard has no in-memory
// fallback, so these fail closed.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("counter store unavailable during %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// statusCoder is implemented by upstream client errors that carry an HTTP
// status code.
type statusCoder interface {
	StatusCode() int
}

// IsRateLimitError classifies an upstream failure as a rate-limit signal.
// The upstream networking API answers throttled calls with 429 or its
// legacy 999 status.
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}

	var quotaErr *QuotaExceededError
	if errors.As(err, &quotaErr) {
		return true
	}

	if code := StatusCodeOf(err); code == 429 || code == 999 {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests")
}

// StatusCodeOf extracts an HTTP status code from an upstream error, or 0.
func StatusCodeOf(err error) int {
	var sc statusCoder
	if errors.As(err, &sc) {
		return sc.StatusCode()
	}
	return 0
}
