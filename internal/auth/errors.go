package auth

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingCode is returned when the callback carries no authorization code.
	ErrMissingCode = errors.New("authorization code cannot be empty")
	// ErrMissingState is returned when the callback carries no state parameter.
	ErrMissingState = errors.New("state parameter cannot be empty")
	// ErrUnknownOrExpiredState is returned when the state was never issued,
	// was already consumed, or outlived the pending TTL.
	ErrUnknownOrExpiredState = errors.New("unknown or expired state")
	// ErrRandomSourceUnavailable is returned when crypto/rand cannot supply bytes.
	ErrRandomSourceUnavailable = errors.New("secure random source unavailable")
	// ErrTokenExchangeFailed is returned when the provider rejects the code
	// exchange or cannot be reached.
	ErrTokenExchangeFailed = errors.New("token exchange failed")
)

// TokenExchangeError carries the provider's response for diagnostics.
// Body may contain provider error details and must only be logged.
type TokenExchangeError struct {
	StatusCode       int
	ErrorCode        string
	ErrorDescription string
	Body             []byte
	Err              error
}

func (e *TokenExchangeError) Error() string {
	if e.StatusCode != 0 {
		if e.ErrorCode != "" {
			return fmt.Sprintf("token exchange failed: provider returned %d (%s)", e.StatusCode, e.ErrorCode)
		}
		return fmt.Sprintf("token exchange failed: provider returned %d", e.StatusCode)
	}
	return fmt.Sprintf("token exchange failed: %v", e.Err)
}

func (e *TokenExchangeError) Unwrap() error {
	return e.Err
}

// Is reports ErrTokenExchangeFailed as a match so callers can use errors.Is.
func (e *TokenExchangeError) Is(target error) bool {
	return target == ErrTokenExchangeFailed
}
