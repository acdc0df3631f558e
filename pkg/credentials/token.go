package credentials

import (
	"context"
	"errors"
	"time"
)

// ErrBadSignature is returned when an inbound webhook payload fails HMAC
// verification against the app's webhook signing token.
var ErrBadSignature = errors.New("webhook signature mismatch")

// Token is an access token with its expiry. A zero ExpiresAt means the
// token never expires (classic PATs).
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Expired reports whether the token must not be presented to the provider
// anymore. The test is strict: a token is expired at exactly ExpiresAt.
// A non-zero adjust moves the boundary earlier.
func (t Token) Expired(now time.Time, adjust time.Duration) bool {
	if t.Value == "" {
		return true
	}
	if t.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(t.ExpiresAt.Add(-adjust))
}

// Manager yields valid access tokens for one credential, refreshing as
// needed. Implementations coalesce concurrent refreshes.
type Manager interface {
	GetValidAccessToken(ctx context.Context) (Token, error)
}
