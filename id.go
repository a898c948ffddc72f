package oidc

import (
	"fmt"

	"github.com/hashicorp/go-uuid"
)

// unreservedCharset is the RFC 7636 unreserved character set, used for both
// PKCE code verifiers and state values.
const unreservedCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"

// randomString returns a cryptographically random string of exactly length
// characters drawn from the unreserved character set. Rejection sampling
// keeps the output uniform.
func randomString(length int) (string, error) {
	const op = "oidc.randomString"
	if length <= 0 {
		return "", fmt.Errorf("%s: length %d is not greater than zero: %w", op, length, ErrInvalidParameter)
	}
	// largest byte value usable without modulo bias
	max := byte(256 - (256 % len(unreservedCharset)))
	out := make([]byte, 0, length)
	for len(out) < length {
		data, err := uuid.GenerateRandomBytes(length)
		if err != nil {
			return "", fmt.Errorf("%s: unable to read random bytes: %w", op, ErrIDGeneratorFailed)
		}
		for _, b := range data {
			if b >= max {
				continue
			}
			out = append(out, unreservedCharset[int(b)%len(unreservedCharset)])
			if len(out) == length {
				break
			}
		}
	}
	return string(out), nil
}

// NewID generates an ID with an optional prefix, suitable for correlating
// log entries about a single flow. It is not used for security-sensitive
// values; see RequestStore.GenerateState and NewCodeVerifier for those.
func NewID(optionalPrefix string) (string, error) {
	const op = "oidc.NewID"
	id, err := uuid.GenerateUUID()
	if err != nil {
		return "", fmt.Errorf("%s: unable to generate id: %w", op, ErrIDGeneratorFailed)
	}
	switch {
	case optionalPrefix != "":
		return fmt.Sprintf("%s_%s", optionalPrefix, id), nil
	default:
		return id, nil
	}
}
