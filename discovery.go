package oidc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/hashicorp/go-hclog"
)

const (
	// DefaultDiscoveryTTL is how long a validated discovery document stays
	// cached before it is refetched.
	DefaultDiscoveryTTL = 1 * time.Hour

	// DefaultRetryAttempts bounds how many times a network fetch is tried
	// before the failure is surfaced.
	DefaultRetryAttempts = 3

	// DefaultRetryDelay is the fixed delay between retry attempts.
	DefaultRetryDelay = 500 * time.Millisecond

	// WellKnownPath is the RFC 8414 / OIDC discovery path under the issuer.
	WellKnownPath = "/.well-known/openid-configuration"

	discoveryKeyPrefix = "oidc_discovery_"
)

// Endpoint names accepted by ProviderMetadata.Endpoint and
// MetadataCache.Endpoint.
const (
	EndpointAuthorization = "authorization_endpoint"
	EndpointToken         = "token_endpoint"
	EndpointUserInfo      = "userinfo_endpoint"
	EndpointJWKS          = "jwks_uri"
	EndpointRevocation    = "revocation_endpoint"
)

// ProviderMetadata is the provider's discovery document. It is validated in
// full before it is ever cached; callers never observe a partially written
// document.
type ProviderMetadata struct {
	Issuer                        string   `json:"issuer"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	UserInfoEndpoint              string   `json:"userinfo_endpoint,omitempty"`
	JWKSURI                       string   `json:"jwks_uri"`
	RevocationEndpoint            string   `json:"revocation_endpoint,omitempty"`
	ScopesSupported               []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported        []string `json:"response_types_supported,omitempty"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`

	// FetchedAt records when this document was retrieved. It is not part of
	// the provider's wire document.
	FetchedAt time.Time `json:"fetched_at,omitempty"`
}

// Endpoint returns the named endpoint or ErrEndpointNotFound when the
// provider does not advertise it.
func (m *ProviderMetadata) Endpoint(name string) (string, error) {
	const op = "ProviderMetadata.Endpoint"
	var endpoint string
	switch name {
	case EndpointAuthorization:
		endpoint = m.AuthorizationEndpoint
	case EndpointToken:
		endpoint = m.TokenEndpoint
	case EndpointUserInfo:
		endpoint = m.UserInfoEndpoint
	case EndpointJWKS:
		endpoint = m.JWKSURI
	case EndpointRevocation:
		endpoint = m.RevocationEndpoint
	default:
		return "", fmt.Errorf("%s: unknown endpoint name %q: %w", op, name, ErrEndpointNotFound)
	}
	if endpoint == "" {
		return "", fmt.Errorf("%s: provider does not advertise %s: %w", op, name, ErrEndpointNotFound)
	}
	return endpoint, nil
}

// validate rejects the whole document when any required field is missing or
// is not a well-formed absolute URL. Optional endpoints must be well-formed
// when present.
func (m *ProviderMetadata) validate() error {
	const op = "ProviderMetadata.validate"
	required := []struct {
		name string
		url  string
	}{
		{"issuer", m.Issuer},
		{EndpointAuthorization, m.AuthorizationEndpoint},
		{EndpointToken, m.TokenEndpoint},
		{EndpointJWKS, m.JWKSURI},
	}
	for _, f := range required {
		if f.url == "" {
			return fmt.Errorf("%s: %s is missing: %w", op, f.name, ErrInvalidParameter)
		}
		if err := validateAbsoluteURL(f.url); err != nil {
			return fmt.Errorf("%s: %s: %w", op, f.name, err)
		}
	}
	optional := []struct {
		name string
		url  string
	}{
		{EndpointUserInfo, m.UserInfoEndpoint},
		{EndpointRevocation, m.RevocationEndpoint},
	}
	for _, f := range optional {
		if f.url == "" {
			continue
		}
		if err := validateAbsoluteURL(f.url); err != nil {
			return fmt.Errorf("%s: %s: %w", op, f.name, err)
		}
	}
	return nil
}

func validateAbsoluteURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%q is not a valid URL: %w", raw, ErrInvalidParameter)
	}
	if (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return fmt.Errorf("%q is not an absolute http(s) URL: %w", raw, ErrInvalidParameter)
	}
	return nil
}

// MetadataCache fetches, validates and caches the provider's discovery
// document in the injected process-wide Cache, keyed by a digest of the
// issuer URL. A failed refresh never disturbs a previously cached document,
// and a refresh is atomic: readers see either the old document or the fully
// validated new one. Two concurrent refreshes may both hit the network; the
// last validated write wins, which is safe because both are complete
// documents for the same issuer.
type MetadataCache struct {
	issuer string
	cache  Cache
	client *http.Client

	ttl           time.Duration
	retryAttempts uint
	retryDelay    time.Duration

	clock  Clock
	logger hclog.Logger
}

// NewMetadataCache creates a MetadataCache for one issuer.
// Supported options: WithDiscoveryTTL, WithRetry, WithClock, WithLogger
func NewMetadataCache(issuer string, cache Cache, client *http.Client, opt ...Option) (*MetadataCache, error) {
	const op = "oidc.NewMetadataCache"
	if issuer == "" {
		return nil, fmt.Errorf("%s: issuer is empty: %w", op, ErrInvalidParameter)
	}
	if err := validateAbsoluteURL(issuer); err != nil {
		return nil, fmt.Errorf("%s: issuer: %w", op, err)
	}
	if cache == nil {
		return nil, fmt.Errorf("%s: cache is nil: %w", op, ErrNilParameter)
	}
	if client == nil {
		return nil, fmt.Errorf("%s: http client is nil: %w", op, ErrNilParameter)
	}
	opts := getMetadataOpts(opt...)
	return &MetadataCache{
		issuer:        issuer,
		cache:         cache,
		client:        client,
		ttl:           opts.withDiscoveryTTL,
		retryAttempts: opts.withRetryAttempts,
		retryDelay:    opts.withRetryDelay,
		clock:         opts.withClock,
		logger:        opts.withLogger,
	}, nil
}

// Document returns the cached discovery document when present and
// forceRefresh is false; otherwise it fetches, validates and caches a fresh
// one. Fetch and validation failures report ErrDiscovery and leave any
// previously cached document in place.
func (c *MetadataCache) Document(ctx context.Context, forceRefresh bool) (*ProviderMetadata, error) {
	const op = "MetadataCache.Document"
	key := c.cacheKey()
	if !forceRefresh {
		if raw, ok, err := c.cache.Get(ctx, key); err == nil && ok {
			var m ProviderMetadata
			if err := json.Unmarshal([]byte(raw), &m); err == nil {
				return &m, nil
			}
			// an undecodable cache entry falls through to a refetch
			c.logger.Debug("discarding undecodable cached discovery document", "issuer", c.issuer)
		}
	}

	m, err := c.fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %s: %w", op, c.issuer, err)
	}
	m.FetchedAt = c.clock.Now()

	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to encode document: %w", op, err)
	}
	if err := c.cache.Put(ctx, key, string(raw), c.ttl); err != nil {
		// the document is valid even if the cache write failed
		c.logger.Warn("unable to cache discovery document", "issuer", c.issuer, "error", err)
	}
	return m, nil
}

// Endpoint resolves a named endpoint from the current document.
func (c *MetadataCache) Endpoint(ctx context.Context, name string) (string, error) {
	const op = "MetadataCache.Endpoint"
	m, err := c.Document(ctx, false)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return m.Endpoint(name)
}

// ClearCache evicts the cached document for the configured issuer.
func (c *MetadataCache) ClearCache(ctx context.Context) error {
	const op = "MetadataCache.ClearCache"
	if err := c.cache.Delete(ctx, c.cacheKey()); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// fetch GETs the well-known document with a bounded fixed-delay retry
// policy. Transport errors and 5xx responses are retried; 4xx responses and
// validation failures are terminal.
func (c *MetadataCache) fetch(ctx context.Context) (*ProviderMetadata, error) {
	wellKnown := strings.TrimSuffix(c.issuer, "/") + WellKnownPath

	operation := func() (*ProviderMetadata, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnown, nil)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("unable to create request: %w", err))
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("unable to fetch %s: %w", wellKnown, err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
		case resp.StatusCode >= 500:
			return nil, fmt.Errorf("provider returned status %d", resp.StatusCode)
		default:
			return nil, backoff.Permanent(fmt.Errorf("provider returned status %d", resp.StatusCode))
		}

		var m ProviderMetadata
		if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
			return nil, backoff.Permanent(fmt.Errorf("unable to decode document: %w", err))
		}
		if err := m.validate(); err != nil {
			return nil, backoff.Permanent(err)
		}
		return &m, nil
	}

	m, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(c.retryDelay)),
		backoff.WithMaxTries(c.retryAttempts),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDiscovery, err)
	}
	return m, nil
}

func (c *MetadataCache) cacheKey() string {
	sum := sha256.Sum256([]byte(strings.TrimSuffix(c.issuer, "/")))
	return discoveryKeyPrefix + hex.EncodeToString(sum[:])
}

// metadataOptions is the set of available options for MetadataCache
// functions
type metadataOptions struct {
	withDiscoveryTTL  time.Duration
	withRetryAttempts uint
	withRetryDelay    time.Duration
	withClock         Clock
	withLogger        hclog.Logger
}

func metadataDefaults() metadataOptions {
	return metadataOptions{
		withDiscoveryTTL:  DefaultDiscoveryTTL,
		withRetryAttempts: DefaultRetryAttempts,
		withRetryDelay:    DefaultRetryDelay,
		withClock:         SystemClock,
		withLogger:        hclog.NewNullLogger(),
	}
}

func getMetadataOpts(opt ...Option) metadataOptions {
	opts := metadataDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithDiscoveryTTL provides an optional cache lifetime for discovery
// documents. Supported by: NewMetadataCache, NewConfig
func WithDiscoveryTTL(d time.Duration) Option {
	return func(o interface{}) {
		switch v := o.(type) {
		case *metadataOptions:
			v.withDiscoveryTTL = d
		case *configOptions:
			v.withDiscoveryTTL = d
		}
	}
}

// WithRetry provides an optional bounded retry policy (attempts including
// the first, with a fixed inter-attempt delay) for network fetches.
// Supported by: NewMetadataCache, NewExchanger, NewConfig
func WithRetry(attempts uint, delay time.Duration) Option {
	return func(o interface{}) {
		switch v := o.(type) {
		case *metadataOptions:
			v.withRetryAttempts = attempts
			v.withRetryDelay = delay
		case *exchangerOptions:
			v.withRetryAttempts = attempts
			v.withRetryDelay = delay
		case *configOptions:
			v.withRetryAttempts = attempts
			v.withRetryDelay = delay
		}
	}
}
