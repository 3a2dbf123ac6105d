// Package oauth defines the boundary to the remote OAuth2 endpoints and
// implements it for the Teamleader Focus authorization server.
package oauth

import (
	"context"
	"errors"
	"fmt"
)

// Credentials is a token set as reported by the authorization server.
// Expiry is left as the raw lifetime: the token manager derives the
// absolute deadline with its own clock.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresIn    int
}

// Authorizer covers both OAuth2 flows the client needs.
type Authorizer interface {
	Exchanger
	Refresher
}

// Exchanger performs the authorization-code exchange.
type Exchanger interface {
	Exchange(ctx context.Context, authorizationCode string, redirectURI string) (*Credentials, error)
}

// Refresher mints a new token set from a refresh token.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*Credentials, error)
}

// Error is an OAuth2 protocol error returned by the authorization server.
type Error struct {
	// Code is the OAuth2 error code, e.g. "invalid_grant".
	Code string
	// Description is the optional human-readable description.
	Description string
}

func (e *Error) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("oauth error: %s", e.Code)
	}
	return fmt.Sprintf("oauth error: %s (%s)", e.Code, e.Description)
}

// IsInvalidGrant reports whether the error is an unrecoverable invalid_grant
// rejection, meaning the refresh token is dead and the user must reauthorize.
func IsInvalidGrant(err error) bool {
	var oauthErr *Error
	return errors.As(err, &oauthErr) && oauthErr.Code == "invalid_grant"
}
