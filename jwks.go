package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"gopkg.in/square/go-jose.v2"
)

// keyFetcher retrieves the provider's JSON Web Key Set for id_token
// signature verification.
//
// Keys are fetched fresh on every verification rather than cached the way
// the discovery document is: providers rotate signing keys far more often
// than they move endpoints, and verification is already a rare,
// network-bound path. The asymmetry is deliberate.
type keyFetcher struct {
	client        *http.Client
	retryAttempts uint
	retryDelay    time.Duration
}

// fetch GETs the key set at jwksURI with the same bounded fixed-delay retry
// policy used for discovery.
func (f *keyFetcher) fetch(ctx context.Context, jwksURI string) (*jose.JSONWebKeySet, error) {
	const op = "keyFetcher.fetch"
	operation := func() (*jose.JSONWebKeySet, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURI, nil)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("unable to create request: %w", err))
		}
		req.Header.Set("Accept", "application/json")

		resp, err := f.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("unable to fetch %s: %w", jwksURI, err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
		case resp.StatusCode >= 500:
			return nil, fmt.Errorf("provider returned status %d", resp.StatusCode)
		default:
			return nil, backoff.Permanent(fmt.Errorf("provider returned status %d", resp.StatusCode))
		}

		var keySet jose.JSONWebKeySet
		if err := json.NewDecoder(resp.Body).Decode(&keySet); err != nil {
			return nil, backoff.Permanent(fmt.Errorf("unable to decode key set: %w", err))
		}
		if len(keySet.Keys) == 0 {
			return nil, backoff.Permanent(fmt.Errorf("key set is empty"))
		}
		return &keySet, nil
	}

	keySet, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(f.retryDelay)),
		backoff.WithMaxTries(f.retryAttempts),
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrTokenValidation, err)
	}
	return keySet, nil
}

// findKey locates the signing key for kid. When the token carries no kid and
// the provider publishes exactly one key, that key is used.
func findKey(keySet *jose.JSONWebKeySet, kid string) (*jose.JSONWebKey, error) {
	const op = "oidc.findKey"
	if kid == "" {
		if len(keySet.Keys) == 1 {
			return &keySet.Keys[0], nil
		}
		return nil, fmt.Errorf("%s: token has no key id and the provider publishes %d keys: %w",
			op, len(keySet.Keys), ErrTokenValidation)
	}
	keys := keySet.Key(kid)
	if len(keys) == 0 {
		return nil, fmt.Errorf("%s: no key with id %q: %w", op, kid, ErrTokenValidation)
	}
	return &keys[0], nil
}
