package service

import (
	"errors"
	"fmt"
	"time"
)

// User-visible error kinds. Handlers map these onto HTTP statuses;
// nothing below ever escapes as an unhandled crash.
var (
	ErrUnauthenticated    = errors.New("unauthenticated")
	ErrNotFound           = errors.New("not found")
	ErrValidation         = errors.New("validation failed")
	ErrConflict           = errors.New("already bound to another identity")
	ErrOtpMismatch        = errors.New("code does not match")
	ErrOtpExpired         = errors.New("code expired")
	ErrOtpMissing         = errors.New("no active challenge")
	ErrDeliveryFailure    = errors.New("code delivery failed")
	ErrPreconditionFailed = errors.New("precondition failed")
)

// RateLimitedError carries the retry-after hint alongside the denial.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// IsRateLimited extracts the typed error if present.
func IsRateLimited(err error) (*RateLimitedError, bool) {
	var rle *RateLimitedError
	if errors.As(err, &rle) {
		return rle, true
	}
	return nil, false
}
