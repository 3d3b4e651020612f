package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// HTTPError is a non-2xx response from a provider.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// AuthError means the provider rejected our credentials (401/403).
type AuthError struct {
	Provider string
	Status   int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: authentication failed (http %d)", e.Provider, e.Status)
}

// RateLimitError means the provider throttled us (429).
type RateLimitError struct {
	Provider   string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: rate limited, retry after %s", e.Provider, e.RetryAfter)
}

// TransformError means a 2xx response body could not be decoded.
type TransformError struct {
	Provider string
	Cause    error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("%s: malformed response: %v", e.Provider, e.Cause)
}

func (e *TransformError) Unwrap() error { return e.Cause }

// DefaultRetryAfter applies when a 429 carries no usable Retry-After.
const DefaultRetryAfter = 60 * time.Second

// ParseRetryAfter interprets a Retry-After header value, either delta
// seconds or an HTTP date. Zero means the header was absent or unusable.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// classifyStatus maps a non-2xx response to the right error type.
func classifyStatus(provider string, status int, body string, retryAfter time.Duration) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &AuthError{Provider: provider, Status: status}
	case status == http.StatusTooManyRequests:
		if retryAfter <= 0 {
			retryAfter = DefaultRetryAfter
		}
		return &RateLimitError{Provider: provider, RetryAfter: retryAfter}
	default:
		return &HTTPError{Status: status, Body: fmt.Sprintf("%s: %s", provider, body), RetryAfter: retryAfter}
	}
}

// IsRetryable reports whether err is worth another attempt: server-side
// failures and transport errors are, auth, rate limit, transform, and
// context errors are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Status >= 500
	}
	var ae *AuthError
	var re *RateLimitError
	var te *TransformError
	if errors.As(err, &ae) || errors.As(err, &re) || errors.As(err, &te) {
		return false
	}
	// Anything else is a transport-level failure.
	return true
}

// IsAuthError reports whether err is a credential failure.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsRateLimited reports whether err is a throttle response.
func IsRateLimited(err error) bool {
	var re *RateLimitError
	return errors.As(err, &re)
}
