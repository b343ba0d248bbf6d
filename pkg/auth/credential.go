// Package auth keeps the bot's short-lived access token.
package auth

import (
	"context"
	"fmt"
	"time"
)

const (
	// RefreshMargin is how long before expiry a credential stops being served.
	RefreshMargin = 60 * time.Second
	// DefaultLifetime applies when the identity endpoint omits expires_in.
	DefaultLifetime = 7200 * time.Second
)

// Credential is an access token and the instant it expires.
type Credential struct {
	Token     string
	ExpiresAt time.Time
}

// ValidAt reports whether the credential may be served at now, that is it is
// non-empty and at least RefreshMargin away from expiry.
func (c Credential) ValidAt(now time.Time) bool {
	return c.Token != "" && c.ExpiresAt.Sub(now) >= RefreshMargin
}

// Source fetches a brand-new credential.
type Source interface {
	Fetch(ctx context.Context) (Credential, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (Credential, error)

func (f SourceFunc) Fetch(ctx context.Context) (Credential, error) {
	return f(ctx)
}

// AuthError reports a failed token refresh. Status is the HTTP status of the
// identity endpoint, or zero when no response was received.
type AuthError struct {
	Status  int
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	switch {
	case e.Status != 0:
		return fmt.Sprintf("identity endpoint returned %d: %s", e.Status, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("fetch access token: %v", e.Err)
	default:
		return "fetch access token: " + e.Message
	}
}

func (e *AuthError) Unwrap() error {
	return e.Err
}
