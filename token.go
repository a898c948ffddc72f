package oidc

import (
	"fmt"
	"time"
)

// DefaultTokenExpirySkew defines a default time skew when checking a
// TokenSet's expiration, so a token about to expire mid-request is treated
// as already expired.
const DefaultTokenExpirySkew = 10 * time.Second

// TokenSet is the bundle issued by a successful code exchange or refresh.
// The zero ExpiresAt means the provider reported no expiry. A TokenSet only
// exists with a non-empty AccessToken.
type TokenSet struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	IDToken      string    `json:"id_token,omitempty"`
	Scope        string    `json:"scope,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
	StoredAt     time.Time `json:"stored_at,omitempty"`
}

// Expired returns true when the access token is past its expiry at now.
// Supports the WithExpirySkew option and if none is provided it will use
// the DefaultTokenExpirySkew.
func (t *TokenSet) Expired(now time.Time, opt ...Option) bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	opts := getTokenOpts(opt...)
	return t.ExpiresAt.Round(0).Before(now.Add(opts.withExpirySkew))
}

// Valid reports whether the set exists with a non-empty, non-expired access
// token.
func (t *TokenSet) Valid(now time.Time) bool {
	if t == nil {
		return false
	}
	if t.AccessToken == "" {
		return false
	}
	return !t.Expired(now)
}

// Refreshable reports whether the set carries a refresh token.
func (t *TokenSet) Refreshable() bool {
	return t != nil && t.RefreshToken != ""
}

// RedactedTokens is the redacted string for a TokenSet's secret material.
const RedactedTokens = "[REDACTED: tokens]"

// String redacts the token material so a TokenSet can never leak through
// log formatting.
func (t *TokenSet) String() string {
	return fmt.Sprintf("TokenSet{%s expires_at=%s}", RedactedTokens, t.ExpiresAt.Format(time.RFC3339))
}

// tokenOptions is the set of available options for TokenSet functions
type tokenOptions struct {
	withExpirySkew time.Duration
}

// tokenDefaults is a handy way to get the defaults at runtime and during
// unit tests.
func tokenDefaults() tokenOptions {
	return tokenOptions{
		withExpirySkew: DefaultTokenExpirySkew,
	}
}

// getTokenOpts gets the token defaults and applies the opt overrides passed
// in
func getTokenOpts(opt ...Option) tokenOptions {
	opts := tokenDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}
