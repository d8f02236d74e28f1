// Package retry holds the bounded per-call retry policy used by the market
// data client. Scheduling-level retries (a poller trying again next cycle)
// are not modelled here.
package retry

import (
	"errors"
	"time"
)

// Retryable is implemented by errors that know whether a repeat of the same
// request could succeed.
type Retryable interface {
	Retryable() bool
}

// Policy is exponential backoff with a fixed retry budget.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// BaseDelay is the wait before the first retry. Each further retry doubles it.
	BaseDelay time.Duration
}

func NewPolicy(maxRetries int, baseDelay time.Duration) Policy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if baseDelay < 0 {
		baseDelay = 0
	}
	return Policy{MaxRetries: maxRetries, BaseDelay: baseDelay}
}

// Backoff returns BaseDelay * 2^(attempt-1) for attempt counting from 1.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	// cap the shift so the multiplication cannot overflow
	if shift > 30 {
		shift = 30
	}
	return p.BaseDelay * time.Duration(int64(1)<<uint(shift))
}

// ShouldRetry reports whether another attempt is allowed after `attempt`
// attempts have failed with err.
func (p Policy) ShouldRetry(attempt int, err error) bool {
	if attempt > p.MaxRetries {
		return false
	}
	return IsRetryable(err)
}

func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var r Retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return false
}
