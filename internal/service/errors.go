package service

import (
	"errors"
	"fmt"
	"time"

	"otp-auth/internal/config"
)

var (
	ErrInvalidPhone        = errors.New("invalid phone number")
	ErrInvalidFlow         = errors.New("invalid flow")
	ErrRateLimited         = errors.New("rate limited")
	ErrProviderUnavailable = errors.New("verification provider unavailable")
	ErrSessionExpired      = errors.New("session expired")
	ErrSessionNotFound     = errors.New("session not found")
	ErrCodeDenied          = errors.New("code denied")
	ErrBlocked             = errors.New("blocked")
	ErrMisconfigured       = config.ErrMisconfigured
)

// RateLimitedError carries how long the caller has to wait.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter.Round(time.Second))
}

func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

// CodeDeniedError carries the attempts left on the session. Zero means the
// session has failed.
type CodeDeniedError struct {
	AttemptsRemaining int
}

func (e *CodeDeniedError) Error() string {
	return fmt.Sprintf("code denied, %d attempts remaining", e.AttemptsRemaining)
}

func (e *CodeDeniedError) Is(target error) bool {
	return target == ErrCodeDenied
}
