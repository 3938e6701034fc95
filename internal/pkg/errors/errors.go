package errors

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalid         = errors.New("invalid")
	ErrTooMany         = errors.New("too many requests")
	ErrLocked          = errors.New("locked")
	ErrInvalidCode     = errors.New("invalid or expired code")
	ErrAccountNotFound = errors.New("account not found")
)

// ValidationError carries a message that is safe to show to the caller.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalid
}

func Invalid(msg string) error {
	return &ValidationError{Msg: msg}
}

// RateLimitError reports a throttled or locked key. It unwraps to ErrTooMany
// or ErrLocked.
type RateLimitError struct {
	Locked     bool
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.Locked {
		return fmt.Sprintf("locked, retry after %s", e.RetryAfter)
	}
	return fmt.Sprintf("too many requests, retry after %s", e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error {
	if e.Locked {
		return ErrLocked
	}
	return ErrTooMany
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// RetryAfter extracts the retry hint of a rate limit error, zero otherwise.
func RetryAfter(err error) time.Duration {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	return 0
}
