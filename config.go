package oidc

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-hclog"
)

// ScopeOpenID is the scope every OIDC flow must request.
const ScopeOpenID = "openid"

// DefaultRequestTimeout bounds each outbound call to the provider.
const DefaultRequestTimeout = 10 * time.Second

type ClientSecret string

// RedactedClientSecret is the redacted string or json for an oauth client
// secret
const RedactedClientSecret = "[REDACTED: client secret]"

// String will redact the client secret
func (t ClientSecret) String() string {
	return RedactedClientSecret
}

// MarshalJSON will redact the client secret
func (t ClientSecret) MarshalJSON() ([]byte, error) {
	return json.Marshal(RedactedClientSecret)
}

// Config holds everything a Client needs to drive the authorization code
// flow against one provider. Construction-time validation is fatal: a
// client built from an invalid Config must refuse to start.
type Config struct {
	// Issuer is a case-sensitive URL using the https scheme with no query or
	// fragment components. Discovery happens under it.
	Issuer string

	// ClientID is the relying party id
	ClientID string

	// ClientSecret is the relying party secret. It may be empty for public
	// clients relying on PKCE alone.
	ClientSecret ClientSecret

	// RedirectURL is where the provider sends the user back after the
	// authorization step.
	RedirectURL string

	// Scopes is a list of additional scopes to request of the provider. The
	// required "openid" scope is always requested.
	Scopes []string

	// Audiences is an optional list of case-sensitive strings used when
	// verifying an id_token's "aud" claim
	Audiences []string

	// ProviderCA is an optional CA cert PEM to use when sending requests to
	// the provider.
	ProviderCA string

	// InsecureSkipVerify disables TLS certificate verification toward the
	// provider. Never enable it outside of tests.
	InsecureSkipVerify bool

	// RequestTimeout bounds every outbound call to the provider.
	RequestTimeout time.Duration

	// RetryAttempts and RetryDelay define the bounded fixed-delay retry
	// policy around transient network failures.
	RetryAttempts uint
	RetryDelay    time.Duration

	// StateTTL bounds how long a pending authorization request remains
	// redeemable.
	StateTTL time.Duration

	// DiscoveryTTL bounds how long a validated discovery document is cached.
	DiscoveryTTL time.Duration

	// StorageSecret, when set, enables at-rest encryption of session-stored
	// payloads with a key derived from it.
	StorageSecret []byte

	// Logger is an optional logger
	Logger hclog.Logger
}

// NewConfig composes a new config for a provider.
// Supported options: WithScopes, WithAudiences, WithProviderCA, WithLogger,
// WithRequestTimeout, WithRetry, WithStateTTL, WithDiscoveryTTL,
// WithStorageEncryption, WithInsecureSkipVerify
func NewConfig(issuer, clientID string, clientSecret ClientSecret, redirectURL string, opt ...Option) (*Config, error) {
	const op = "oidc.NewConfig"
	opts := getConfigOpts(opt...)
	c := &Config{
		Issuer:             issuer,
		ClientID:           clientID,
		ClientSecret:       clientSecret,
		RedirectURL:        redirectURL,
		Scopes:             opts.withScopes,
		Audiences:          opts.withAudiences,
		ProviderCA:         opts.withProviderCA,
		InsecureSkipVerify: opts.withInsecureSkipVerify,
		RequestTimeout:     opts.withRequestTimeout,
		RetryAttempts:      opts.withRetryAttempts,
		RetryDelay:         opts.withRetryDelay,
		StateTTL:           opts.withStateTTL,
		DiscoveryTTL:       opts.withDiscoveryTTL,
		StorageSecret:      opts.withStorageSecret,
		Logger:             opts.withLogger,
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: invalid configuration: %w", op, err)
	}
	return c, nil
}

// Validate the configuration. It verifies the issuer and redirect URL are
// well-formed absolute URLs and the client id is present, but it does not
// verify the issuer is reachable.
func (c *Config) Validate() error {
	const op = "Config.Validate"
	if c == nil {
		return fmt.Errorf("%s: config is nil: %w", op, ErrNilParameter)
	}
	if c.ClientID == "" {
		return fmt.Errorf("%s: client id is empty: %w", op, ErrInvalidConfiguration)
	}
	if c.Issuer == "" {
		return fmt.Errorf("%s: issuer is empty: %w", op, ErrInvalidConfiguration)
	}
	if c.RedirectURL == "" {
		return fmt.Errorf("%s: redirect URL is empty: %w", op, ErrInvalidConfiguration)
	}
	u, err := url.Parse(c.Issuer)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return fmt.Errorf("%s: issuer %q is not an absolute http(s) URL: %w", op, c.Issuer, ErrInvalidConfiguration)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("%s: issuer %q must not contain query or fragment components: %w", op, c.Issuer, ErrInvalidConfiguration)
	}
	if u, err := url.Parse(c.RedirectURL); err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return fmt.Errorf("%s: redirect URL %q is not an absolute http(s) URL: %w", op, c.RedirectURL, ErrInvalidConfiguration)
	}
	return nil
}

// HTTPClient creates an http client for the configured provider, honoring
// the optional CA PEM, the TLS verification toggle, and the request timeout.
func (c *Config) HTTPClient() (*http.Client, error) {
	const op = "Config.HTTPClient"
	tr := cleanhttp.DefaultPooledTransport()

	if c.ProviderCA != "" {
		certPool := x509.NewCertPool()
		if ok := certPool.AppendCertsFromPEM([]byte(c.ProviderCA)); !ok {
			return nil, fmt.Errorf("%s: could not parse CA PEM value: %w", op, ErrInvalidCACert)
		}
		tr.TLSClientConfig = &tls.Config{
			RootCAs: certPool,
		}
	}
	if c.InsecureSkipVerify {
		if tr.TLSClientConfig == nil {
			tr.TLSClientConfig = &tls.Config{}
		}
		tr.TLSClientConfig.InsecureSkipVerify = true
	}

	timeout := c.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &http.Client{
		Transport: tr,
		Timeout:   timeout,
	}, nil
}

// scopesWithOpenID returns the configured scopes with "openid" guaranteed
// first and deduplicated.
func (c *Config) scopesWithOpenID() []string {
	scopes := []string{ScopeOpenID}
	for _, s := range c.Scopes {
		if s != ScopeOpenID {
			scopes = append(scopes, s)
		}
	}
	return scopes
}

// configOptions is the set of available options for Config functions
type configOptions struct {
	withScopes             []string
	withAudiences          []string
	withProviderCA         string
	withInsecureSkipVerify bool
	withRequestTimeout     time.Duration
	withRetryAttempts      uint
	withRetryDelay         time.Duration
	withStateTTL           time.Duration
	withDiscoveryTTL       time.Duration
	withStorageSecret      []byte
	withLogger             hclog.Logger
}

// configDefaults is a handy way to get the defaults at runtime and during
// unit tests.
func configDefaults() configOptions {
	return configOptions{
		withRequestTimeout: DefaultRequestTimeout,
		withRetryAttempts:  DefaultRetryAttempts,
		withRetryDelay:     DefaultRetryDelay,
		withStateTTL:       DefaultStateTTL,
		withDiscoveryTTL:   DefaultDiscoveryTTL,
		withLogger:         hclog.NewNullLogger(),
	}
}

// getConfigOpts gets the config defaults and applies the opt overrides
// passed in
func getConfigOpts(opt ...Option) configOptions {
	opts := configDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithScopes provides an optional list of scopes for the provider's config
func WithScopes(scopes []string) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withScopes = scopes
		}
	}
}

// WithAudiences provides an optional list of audiences for verifying an
// id_token's aud claim. Supported by: NewConfig, NewExchanger
func WithAudiences(auds []string) Option {
	return func(o interface{}) {
		switch v := o.(type) {
		case *configOptions:
			v.withAudiences = auds
		case *exchangerOptions:
			v.withAudiences = auds
		}
	}
}

// WithProviderCA provides an optional CA cert PEM for the provider's config
func WithProviderCA(cert string) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withProviderCA = cert
		}
	}
}

// WithInsecureSkipVerify disables TLS verification toward the provider.
// Never use it outside of tests.
func WithInsecureSkipVerify() Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withInsecureSkipVerify = true
		}
	}
}

// WithRequestTimeout provides an optional timeout bounding each outbound
// call to the provider
func WithRequestTimeout(d time.Duration) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withRequestTimeout = d
		}
	}
}

// WithStateTTL provides an optional lifetime for pending authorization
// requests
func WithStateTTL(d time.Duration) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withStateTTL = d
		}
	}
}
