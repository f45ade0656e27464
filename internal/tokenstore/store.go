// Package tokenstore persists OAuth2 token material behind a pluggable
// ITokenStorage interface, with proactive background refresh. The token
// shape follows the pattern threaded through oauth/token.go and
// oauth/crypto.go-style code, decoupled here from any database-backed
// scope store it might otherwise be keyed off.
package tokenstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Retrieve when no token is stored under a key.
var ErrNotFound = errors.New("tokenstore: not found")

// TokenData is the full set of fields an OAuth2 grant can return.
type TokenData struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scopes       []string
	// ExpiresAt is the zero time when the provider did not supply
	// expires_in; callers must treat a zero ExpiresAt as non-expiring.
	ExpiresAt time.Time
}

// IsExpired reports whether the access token is past its expiry. A zero
// ExpiresAt is treated as non-expiring.
func (t TokenData) IsExpired(now time.Time) bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return now.After(t.ExpiresAt)
}

// ExpiresWithin reports whether the token expires within d of now. A
// zero ExpiresAt never counts as expiring soon.
func (t TokenData) ExpiresWithin(now time.Time, d time.Duration) bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return t.ExpiresAt.Sub(now) < d
}

// RefreshFunc exchanges a refresh token for a new TokenData. Implemented
// per auth provider (e.g. the client-credentials or auth-code grant).
type RefreshFunc func(ctx context.Context, current TokenData) (TokenData, error)

// ITokenStorage is the pluggable persistence backend for token material.
// Implementations: an in-memory store for ephemeral/dev use, and a
// SQLite-backed store encrypted at rest with secrets.AgeEncryptor for
// durability across restarts.
type ITokenStorage interface {
	// Store persists tok under key, replacing any existing entry.
	Store(ctx context.Context, key string, tok TokenData) error
	// Retrieve returns the token stored under key, or ErrNotFound.
	Retrieve(ctx context.Context, key string) (TokenData, error)
	// Clear removes any token stored under key. No-op if absent.
	Clear(ctx context.Context, key string) error
	// IsExpired is a convenience lookup that also reports ErrNotFound.
	IsExpired(ctx context.Context, key string, now time.Time) (bool, error)
	// Keys lists every key currently stored, for refresh scheduling.
	Keys(ctx context.Context) ([]string, error)
}
