package teamleader

import (
	"errors"
	"fmt"
	"time"

	"github.com/MCore-Services-bv/teamleader-go/auth"
)

// RateLimitError means the request could not be sent within the retry
// budget, either because of local throttling or repeated server 429s.
type RateLimitError struct {
	// RetryAfter is the wait the limiter or the server asked for last.
	RetryAfter time.Duration
	// Attempts is how many sends were tried before giving up.
	Attempts int
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limit exceeded after %d attempt(s), retry after %s", e.Attempts, e.RetryAfter)
	}
	return fmt.Sprintf("rate limit exceeded after %d attempt(s)", e.Attempts)
}

// TransientError means network failures or 5xx responses exhausted the
// retry budget.
type TransientError struct {
	// StatusCode is the last 5xx status, zero for pure network failures.
	StatusCode int
	Attempts   int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("request kept failing with status %d after %d attempt(s)", e.StatusCode, e.Attempts)
	}
	return fmt.Sprintf("request kept failing after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// APIError is any other non-2xx response, carrying whatever structured
// detail the API included in the body.
type APIError struct {
	StatusCode int
	// Code and Title come from the first entry of the response "errors"
	// array when present.
	Code  string
	Title string
}

func (e *APIError) Error() string {
	if e.Title != "" {
		return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Title)
	}
	return fmt.Sprintf("api error %d", e.StatusCode)
}

// IsAuthError reports whether err is an authentication failure.
func IsAuthError(err error) bool {
	return auth.IsError(err)
}

// IsRateLimitError reports whether err is a rate-limiting failure.
func IsRateLimitError(err error) bool {
	var rlErr *RateLimitError
	return errors.As(err, &rlErr)
}

// IsTransientError reports whether err is a transient transport failure.
func IsTransientError(err error) bool {
	var trErr *TransientError
	return errors.As(err, &trErr)
}

// GetAPIError extracts a structured API error from err.
func GetAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
