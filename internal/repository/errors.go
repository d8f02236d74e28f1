package repository

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrEmptyKlines is returned by LatestPrice when the series has no candles.
var ErrEmptyKlines = errors.New("no klines returned")

// ValidationError reports caller-supplied parameters that break request
// constraints. It is raised before any network call.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid request: %s", e.Reason)
	}
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func (e *ValidationError) Retryable() bool { return false }

// NetworkError is a transport failure: connection refused or reset, timeout,
// unreadable or malformed body.
type NetworkError struct {
	Retries int
	Err     error
}

func (e *NetworkError) Error() string {
	if e.Retries > 0 {
		return fmt.Sprintf("network error after %d retries: %v", e.Retries, e.Err)
	}
	return fmt.Sprintf("network error: %v", e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *NetworkError) Retryable() bool { return true }

// ApiError is a structured rejection from the server.
type ApiError struct {
	StatusCode int
	Code       int
	Message    string
	Retries    int
}

var retryableStatusCodes = map[int]bool{
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

var retryableAPICodes = map[int]bool{
	-1001: true, // internal error; unable to process the request
	-1021: true, // timestamp outside the recv window
}

func (e *ApiError) Error() string {
	msg := fmt.Sprintf("api error %d (http %d): %s", e.Code, e.StatusCode, e.Message)
	if e.Retries > 0 {
		msg += fmt.Sprintf(" after %d retries", e.Retries)
	}
	return msg
}

func (e *ApiError) Retryable() bool {
	return retryableStatusCodes[e.StatusCode] || retryableStatusCodes[e.Code] || retryableAPICodes[e.Code]
}

// RateLimitError is an explicit limit rejection (HTTP 429 or 418).
type RateLimitError struct {
	StatusCode int
	RetryAfter time.Duration
	Retries    int
	Message    string
}

func (e *RateLimitError) Error() string {
	msg := fmt.Sprintf("rate limit exceeded (http %d)", e.StatusCode)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Retries > 0 {
		msg += fmt.Sprintf(" after %d retries", e.Retries)
	}
	return msg
}

func (e *RateLimitError) Retryable() bool { return true }

func withRetries(err error, retries int) error {
	var (
		netErr   *NetworkError
		apiErr   *ApiError
		limitErr *RateLimitError
	)
	switch {
	case errors.As(err, &netErr):
		netErr.Retries = retries
	case errors.As(err, &apiErr):
		apiErr.Retries = retries
	case errors.As(err, &limitErr):
		limitErr.Retries = retries
	}
	return err
}
