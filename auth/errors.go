package auth

import (
	"errors"
	"fmt"
)

// Kind classifies authentication failures so callers can decide between
// reauthorizing, backing off, and aborting.
type Kind int

const (
	// KindUnauthenticated means no token record exists at all.
	KindUnauthenticated Kind = iota
	// KindNoRefreshToken means the stored record cannot be refreshed.
	KindNoRefreshToken
	// KindRefreshFailed means the remote refresh call was rejected.
	KindRefreshFailed
	// KindRefreshTimeout means another holder kept the refresh lock but no
	// fresh token appeared within the wait budget.
	KindRefreshTimeout
	// KindReauthorizationRequired means the refresh token is dead
	// (invalid_grant) and a new OAuth exchange is needed.
	KindReauthorizationRequired
	// KindUnauthorized means the API kept rejecting the token even after a
	// forced refresh.
	KindUnauthorized
)

func (k Kind) String() string {
	switch k {
	case KindUnauthenticated:
		return "unauthenticated"
	case KindNoRefreshToken:
		return "no refresh token"
	case KindRefreshFailed:
		return "refresh failed"
	case KindRefreshTimeout:
		return "refresh timeout"
	case KindReauthorizationRequired:
		return "reauthorization required"
	case KindUnauthorized:
		return "unauthorized"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is a typed authentication failure.
type Error struct {
	Kind Kind
	Err  error
}

// NewError wraps err with an authentication failure kind.
func NewError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("auth error: %s", e.Kind)
	}
	return fmt.Sprintf("auth error: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsError reports whether err is an authentication failure of any kind.
func IsError(err error) bool {
	var authErr *Error
	return errors.As(err, &authErr)
}

// GetKind extracts the failure kind from err.
func GetKind(err error) (Kind, bool) {
	var authErr *Error
	if errors.As(err, &authErr) {
		return authErr.Kind, true
	}
	return 0, false
}

// HasKind reports whether err is an authentication failure of the given kind.
func HasKind(err error, kind Kind) bool {
	k, ok := GetKind(err)
	return ok && k == kind
}
