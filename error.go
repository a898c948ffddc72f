package oidc

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidParameter           = errors.New("invalid parameter")
	ErrNilParameter               = errors.New("nil parameter")
	ErrInvalidConfiguration       = errors.New("invalid configuration")
	ErrInvalidCACert              = errors.New("invalid CA certificate")
	ErrIDGeneratorFailed          = errors.New("id generation failed")
	ErrUnsupportedChallengeMethod = errors.New("unsupported challenge method")
	ErrDiscovery                  = errors.New("discovery failed")
	ErrEndpointNotFound           = errors.New("endpoint not found")
	ErrStateNotFound              = errors.New("state not found")
	ErrExpiredState               = errors.New("state is expired")
	ErrTokenExchange              = errors.New("token exchange failed")
	ErrTokenValidation            = errors.New("token validation failed")
	ErrRevocationFailed           = errors.New("token revocation failed")
	ErrUserInfoFailed             = errors.New("user info failed")
	ErrMissingIDToken             = errors.New("id_token is missing")
	ErrInvalidAudience            = errors.New("invalid audience")
	ErrLoginFailed                = errors.New("login failed")
	ErrNotFound                   = errors.New("not found")
	ErrExpiredToken               = errors.New("token is expired")
	ErrNoRefreshToken             = errors.New("no refresh token")
)

// TokenError reports a failed token endpoint operation. When the provider
// returned an RFC 6749 error body, Code and Description carry the upstream
// error and error_description values.
type TokenError struct {
	// Code is the upstream "error" value, when present.
	Code string

	// Description is the upstream "error_description" value, when present.
	Description string

	// StatusCode is the HTTP status of the provider's response, when the
	// failure came from a completed HTTP exchange.
	StatusCode int

	wrapped error
}

func (e *TokenError) Error() string {
	switch {
	case e.Code != "" && e.Description != "":
		return fmt.Sprintf("provider returned %q: %s", e.Code, e.Description)
	case e.Code != "":
		return fmt.Sprintf("provider returned %q", e.Code)
	case e.StatusCode != 0:
		return fmt.Sprintf("provider returned status %d", e.StatusCode)
	default:
		return e.wrapped.Error()
	}
}

// Unwrap supports errors.Is against the sentinel the operation failed with
// (ErrTokenExchange, ErrRevocationFailed, ...).
func (e *TokenError) Unwrap() error { return e.wrapped }
