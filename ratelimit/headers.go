package ratelimit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gravitational/trace"
)

// Header names used by the Teamleader Focus API.
const (
	HeaderLimit     = "X-RateLimit-Limit"
	HeaderRemaining = "X-RateLimit-Remaining"
	HeaderReset     = "X-RateLimit-Reset"
	HeaderRetry     = "Retry-After"
)

// ParseRemaining parses an X-RateLimit-Remaining value.
// Returns -1 for an absent or malformed header.
func ParseRemaining(value string) int {
	if value == "" {
		return -1
	}
	remaining, err := strconv.Atoi(value)
	if err != nil || remaining < 0 {
		return -1
	}
	return remaining
}

// ParseReset parses an X-RateLimit-Reset value, accepting both epoch seconds
// and an RFC 3339 date-time. Returns the zero time when absent or malformed.
func ParseReset(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if epoch, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(epoch, 0)
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}

// ParseRetryAfter parses a Retry-After value in either the delta-seconds or
// the HTTP-date form.
func ParseRetryAfter(value string, now time.Time) (time.Duration, error) {
	if value == "" {
		return 0, trace.NotFound("no Retry-After header")
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0, trace.BadParameter("negative Retry-After value %q", value)
		}
		return time.Duration(seconds) * time.Second, nil
	}
	when, err := http.ParseTime(value)
	if err != nil {
		return 0, trace.BadParameter("unparseable Retry-After value %q", value)
	}
	delay := when.Sub(now)
	if delay < 0 {
		delay = 0
	}
	return delay, nil
}
