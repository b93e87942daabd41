package auth

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors returned across the trust boundary. Callers branch with
// errors.Is / errors.As, never by matching strings.
var (
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrTokenExpired       = errors.New("auth: token expired")
	ErrInvalidToken       = errors.New("auth: invalid token")
	ErrInsufficientScope  = errors.New("auth: insufficient scope")
	ErrStoreUnavailable   = errors.New("auth: store unavailable")
	ErrNotFound           = errors.New("auth: not found")
	ErrAlreadyExists      = errors.New("auth: already exists")
	ErrInvalidInput       = errors.New("auth: invalid input")
)

// LockedOutError reports that further authentication attempts for an
// identifier are rejected until the lockout elapses.
type LockedOutError struct {
	RetryAfter time.Duration
}

func (e *LockedOutError) Error() string {
	return fmt.Sprintf("auth: locked out, retry after %s", e.RetryAfter.Round(time.Second))
}

// RateLimitedError reports that an identifier exceeded one of the request
// windows. Window is "burst" or "sustained".
type RateLimitedError struct {
	Window     string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("auth: rate limited (%s window), retry after %s", e.Window, e.RetryAfter.Round(time.Second))
}
