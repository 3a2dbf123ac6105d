// Package storage persists the current OAuth2 token record.
//
// The durable store holds exactly one record. The cache is a best-effort
// accelerator in front of it and is never authoritative on its own: a cache
// miss falls through to the store, not to "unauthenticated".
package storage

import (
	"context"
	"time"

	"github.com/gravitational/trace"
)

// DefaultTokenType is used when the authorization server omits token_type.
const DefaultTokenType = "Bearer"

// TokenRecord is the current OAuth2 credential set.
type TokenRecord struct {
	// AccessToken is the bearer token sent with API requests.
	AccessToken string `json:"access_token"`
	// RefreshToken is used to mint new access tokens.
	RefreshToken string `json:"refresh_token"`
	// TokenType is the authorization scheme, normally "Bearer".
	TokenType string `json:"token_type"`
	// ExpiresIn is the lifetime in seconds reported at issuance.
	ExpiresIn int `json:"expires_in"`
	// ExpiresAt is derived from the issuance time and ExpiresIn.
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewTokenRecord builds a record issued at the given time. ExpiresAt is
// always derived here so it can never drift from ExpiresIn.
func NewTokenRecord(accessToken, refreshToken, tokenType string, expiresIn int, issuedAt time.Time) *TokenRecord {
	if tokenType == "" {
		tokenType = DefaultTokenType
	}
	rec := &TokenRecord{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    tokenType,
		ExpiresIn:    expiresIn,
		CreatedAt:    issuedAt.UTC(),
		UpdatedAt:    issuedAt.UTC(),
	}
	rec.SetExpiry(issuedAt)
	return rec
}

// SetExpiry recomputes ExpiresAt from ExpiresIn relative to issuedAt.
func (r *TokenRecord) SetExpiry(issuedAt time.Time) {
	r.ExpiresAt = issuedAt.UTC().Add(time.Duration(r.ExpiresIn) * time.Second)
}

// Valid reports whether the access token is still usable at the given time,
// keeping a safety margin before the actual expiry.
func (r *TokenRecord) Valid(now time.Time, margin time.Duration) bool {
	return r.AccessToken != "" && r.ExpiresAt.After(now.Add(margin))
}

// Check validates the record consistency.
func (r *TokenRecord) Check() error {
	if r.AccessToken == "" {
		return trace.BadParameter("token record is missing access_token")
	}
	if r.ExpiresAt.IsZero() {
		return trace.BadParameter("token record is missing expires_at")
	}
	return nil
}

// Store is the durable persistence layer for the current token record.
// Load returns a NotFound error when no record has been saved yet.
type Store interface {
	Load(ctx context.Context) (*TokenRecord, error)
	Save(ctx context.Context, record *TokenRecord) error
	Delete(ctx context.Context) error
}

// Cache is a fast TTL'd accelerator in front of a Store.
// Get returns a NotFound error on a miss or an expired entry.
type Cache interface {
	Put(ctx context.Context, key string, record *TokenRecord, ttl time.Duration) error
	Get(ctx context.Context, key string) (*TokenRecord, error)
	Forget(ctx context.Context, key string) error
}
