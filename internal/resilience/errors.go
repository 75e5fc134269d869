// Package resilience provides the failure taxonomy, retry, and circuit
// breaker used around every external provider call.
package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"
	"time"
)

// TransientError marks a failure that is safe to retry: timeouts,
// 5xx-equivalents, and rate-limit responses. RetryAfter carries the
// provider's hint when one was given.
type TransientError struct {
	Err        error
	StatusCode int
	RetryAfter time.Duration
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP
// status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// NewRateLimitedError wraps a rate-limited response carrying the
// provider's retry-after hint.
func NewRateLimitedError(err error, retryAfter time.Duration) *TransientError {
	return &TransientError{Err: err, StatusCode: 429, RetryAfter: retryAfter}
}

// NonTransientError marks a failure that must not be retried and must not
// trip the circuit breaker: bad input, auth failure, quota exhausted with
// no hint.
type NonTransientError struct {
	Err        error
	StatusCode int
}

func (e *NonTransientError) Error() string {
	return e.Err.Error()
}

func (e *NonTransientError) Unwrap() error {
	return e.Err
}

// NewNonTransientError wraps an error as permanently failing.
func NewNonTransientError(err error, statusCode int) *NonTransientError {
	return &NonTransientError{Err: err, StatusCode: statusCode}
}

// IsTransient returns true if the error chain contains a TransientError or
// matches common network-level transient patterns. An explicit
// NonTransientError anywhere in the chain wins.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var nte *NonTransientError
	if errors.As(err, &nte) {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// RetryAfterHint extracts the provider's retry-after hint from the error
// chain, or zero if none was given.
func RetryAfterHint(err error) time.Duration {
	var te *TransientError
	if errors.As(err, &te) {
		return te.RetryAfter
	}
	return 0
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		429, // Too Many Requests
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504: // Gateway Timeout
		return true
	default:
		return false
	}
}
