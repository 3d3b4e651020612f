package session

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the store and manager.
var (
	ErrNotFound        = errors.New("session not found")
	ErrAlreadyExists   = errors.New("session already exists")
	ErrExpired         = errors.New("session expired")
	ErrAccessDenied    = errors.New("session access denied")
	ErrClosed          = errors.New("session is closed")
	ErrNotConnected    = errors.New("session has no connection")
	ErrRetentionLapsed = errors.New("session reconnect window elapsed")
)

// QuotaError reports that creating a session would exceed the configured
// session cap.
type QuotaError struct {
	Used  int
	Limit int
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("session quota exceeded: %d of %d in use", e.Used, e.Limit)
}

// IsQuotaExceeded reports whether err is a quota failure.
func IsQuotaExceeded(err error) bool {
	var qe *QuotaError
	return errors.As(err, &qe)
}
