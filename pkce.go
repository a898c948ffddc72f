package oidc

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"
)

// ChallengeMethod represents a PKCE code challenge transform (RFC 7636 § 4.2)
type ChallengeMethod string

const (
	// S256 is the SHA-256 based transform and should always be preferred.
	S256 ChallengeMethod = "S256"

	// Plain passes the verifier through unchanged. It exists for providers
	// that do not support S256 and offers no download-interception
	// protection on its own.
	Plain ChallengeMethod = "plain"
)

const (
	// MinVerifierLength is the RFC 7636 lower bound for a code verifier.
	MinVerifierLength = 43

	// MaxVerifierLength is the RFC 7636 upper bound for a code verifier.
	MaxVerifierLength = 128

	// DefaultVerifierLength is used when no WithVerifierLength option is
	// provided.
	DefaultVerifierLength = 64
)

// CodeVerifier represents an RFC 7636 code verifier along with its
// precomputed challenge.
type CodeVerifier struct {
	verifier  string
	method    ChallengeMethod
	challenge string
}

// Verifier returns the verifier's random string
func (v *CodeVerifier) Verifier() string { return v.verifier }

// Method returns the verifier's challenge method
func (v *CodeVerifier) Method() ChallengeMethod { return v.method }

// Challenge returns the verifier's precomputed challenge
func (v *CodeVerifier) Challenge() string { return v.challenge }

// NewCodeVerifier creates a verifier of high-entropy random data over the
// unreserved character set and computes its S256 challenge.
// Supported options: WithVerifierLength
func NewCodeVerifier(opt ...Option) (*CodeVerifier, error) {
	const op = "oidc.NewCodeVerifier"
	opts := getPKCEOpts(opt...)
	if opts.withVerifierLength < MinVerifierLength || opts.withVerifierLength > MaxVerifierLength {
		return nil, fmt.Errorf("%s: verifier length %d is outside [%d, %d]: %w",
			op, opts.withVerifierLength, MinVerifierLength, MaxVerifierLength, ErrInvalidParameter)
	}
	data, err := randomString(opts.withVerifierLength)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to generate verifier data: %w", op, err)
	}
	v := &CodeVerifier{
		verifier: data,
		method:   S256,
	}
	if v.challenge, err = CreateCodeChallenge(S256, v.verifier); err != nil {
		return nil, fmt.Errorf("%s: unable to create code challenge: %w", op, err)
	}
	return v, nil
}

// CreateCodeChallenge creates a code challenge from the verifier. For S256
// the challenge is base64url(SHA-256(verifier)) without padding; for plain
// it is the verifier itself.
func CreateCodeChallenge(method ChallengeMethod, verifier string) (string, error) {
	const op = "oidc.CreateCodeChallenge"
	switch method {
	case S256:
		sum := sha256.Sum256([]byte(verifier))
		return base64.RawURLEncoding.EncodeToString(sum[:]), nil
	case Plain:
		return verifier, nil
	default:
		return "", fmt.Errorf("%s: %s: %w", op, method, ErrUnsupportedChallengeMethod)
	}
}

// VerifyCodeChallenge recomputes the challenge for the verifier and compares
// in constant time. It is a boolean security predicate: any internal failure
// (unsupported method, malformed verifier) reports false rather than an
// error, since it must never abort the request that asked.
func VerifyCodeChallenge(verifier, challenge string, method ChallengeMethod) bool {
	if err := ValidateVerifier(verifier); err != nil {
		return false
	}
	computed, err := CreateCodeChallenge(method, verifier)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

// ValidateVerifier checks a verifier's length and character set only, so
// malformed input can be rejected before any expensive work.
func ValidateVerifier(verifier string) error {
	const op = "oidc.ValidateVerifier"
	if len(verifier) < MinVerifierLength || len(verifier) > MaxVerifierLength {
		return fmt.Errorf("%s: verifier length %d is outside [%d, %d]: %w",
			op, len(verifier), MinVerifierLength, MaxVerifierLength, ErrInvalidParameter)
	}
	for _, r := range verifier {
		if !strings.ContainsRune(unreservedCharset, r) {
			return fmt.Errorf("%s: verifier contains character %q outside the unreserved set: %w",
				op, r, ErrInvalidParameter)
		}
	}
	return nil
}

// pkceOptions is the set of available options for PKCE functions
type pkceOptions struct {
	withVerifierLength int
}

// pkceDefaults is a handy way to get the defaults at runtime and during unit
// tests.
func pkceDefaults() pkceOptions {
	return pkceOptions{
		withVerifierLength: DefaultVerifierLength,
	}
}

// getPKCEOpts gets the pkce defaults and applies the opt overrides passed in
func getPKCEOpts(opt ...Option) pkceOptions {
	opts := pkceDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithVerifierLength provides an optional verifier length within
// [MinVerifierLength, MaxVerifierLength]. Supported by: NewCodeVerifier,
// Client.RedirectURL
func WithVerifierLength(l int) Option {
	return func(o interface{}) {
		switch v := o.(type) {
		case *pkceOptions:
			v.withVerifierLength = l
		case *authURLOptions:
			v.withVerifierLength = l
		}
	}
}
