package oidc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/oauth2"
)

// sessionTokenKey is where the current TokenSet lives in the session-scoped
// storage.
const sessionTokenKey = "oidc_token_set"

// Callback carries the query parameters the provider sent back on the
// redirect URL.
type Callback struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// Client drives the authorization code flow with PKCE for one provider
// configuration: RedirectURL starts a flow, HandleCallback completes it,
// RefreshTokens and Logout manage the resulting token lifecycle. One Client
// is created per logical client configuration; all collaborators are
// injected at construction and there are no ambient globals.
type Client struct {
	config    *Config
	storage   SessionStorage
	requests  *RequestStore
	metadata  *MetadataCache
	exchanger *Exchanger
	encryptor *Encryptor

	httpClient *http.Client
	clock      Clock
	logger     hclog.Logger
}

// New creates a Client from the config and the injected stores. A nil
// storage or cache falls back to an in-memory implementation, which is only
// appropriate for single-process use. An invalid config is fatal here; the
// client refuses to start.
// Supported options: WithClock, WithLogger, WithHTTPClient
func New(c *Config, storage SessionStorage, cache Cache, opt ...Option) (*Client, error) {
	const op = "oidc.New"
	if c == nil {
		return nil, fmt.Errorf("%s: config is nil: %w", op, ErrNilParameter)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	opts := getClientOpts(opt...)
	logger := opts.withLogger
	if logger == nil {
		logger = c.Logger
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if storage == nil {
		storage = NewMemoryStorage(opts.withClock)
	}
	if cache == nil {
		cache = NewMemoryStorage(opts.withClock)
	}

	httpClient := opts.withHTTPClient
	if httpClient == nil {
		var err error
		if httpClient, err = c.HTTPClient(); err != nil {
			return nil, fmt.Errorf("%s: unable to create http client: %w", op, err)
		}
	}

	requests, err := NewRequestStore(storage,
		WithClock(opts.withClock),
		WithLogger(logger),
		WithStorageEncryption(c.StorageSecret),
	)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create request store: %w", op, err)
	}
	metadata, err := NewMetadataCache(c.Issuer, cache, httpClient,
		WithDiscoveryTTL(c.DiscoveryTTL),
		WithRetry(c.RetryAttempts, c.RetryDelay),
		WithClock(opts.withClock),
		WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create metadata cache: %w", op, err)
	}
	exchanger, err := NewExchanger(metadata, httpClient,
		WithAudiences(c.Audiences),
		WithRetry(c.RetryAttempts, c.RetryDelay),
		WithClock(opts.withClock),
		WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create exchanger: %w", op, err)
	}
	encryptor, err := NewEncryptor(c.StorageSecret)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create encryptor: %w", op, err)
	}

	return &Client{
		config:     c,
		storage:    storage,
		requests:   requests,
		metadata:   metadata,
		exchanger:  exchanger,
		encryptor:  encryptor,
		httpClient: httpClient,
		clock:      opts.withClock,
		logger:     logger,
	}, nil
}

// RedirectURL generates a fresh state and PKCE pair, persists them for the
// configured StateTTL, and composes the authorization URL the caller should
// redirect the user to.
// Supported options: WithAuthParams, WithVerifierLength
func (c *Client) RedirectURL(ctx context.Context, opt ...Option) (string, error) {
	const op = "Client.RedirectURL"
	opts := getAuthURLOpts(opt...)

	state, err := c.requests.GenerateState(DefaultStateLength)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	verifier, err := NewCodeVerifier(WithVerifierLength(opts.withVerifierLength))
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	req := &AuthorizationRequest{
		State:           state,
		CodeVerifier:    verifier.Verifier(),
		CodeChallenge:   verifier.Challenge(),
		ChallengeMethod: verifier.Method(),
	}
	if err := c.requests.Store(ctx, req, c.config.StateTTL); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	authEndpoint, err := c.metadata.Endpoint(ctx, EndpointAuthorization)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	oauth2Config := oauth2.Config{
		ClientID:    c.config.ClientID,
		RedirectURL: c.config.RedirectURL,
		Scopes:      c.config.scopesWithOpenID(),
		Endpoint: oauth2.Endpoint{
			AuthURL: authEndpoint,
		},
	}
	authCodeOpts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("code_challenge", verifier.Challenge()),
		oauth2.SetAuthURLParam("code_challenge_method", string(verifier.Method())),
	}
	for k, v := range opts.withAuthParams {
		authCodeOpts = append(authCodeOpts, oauth2.SetAuthURLParam(k, v))
	}
	return oauth2Config.AuthCodeURL(state, authCodeOpts...), nil
}

// HandleCallback completes a flow the provider redirected back to us.
//
// A callback carrying a provider error aborts immediately: the stored state
// for that value is discarded and ErrLoginFailed is returned carrying only
// the provider's own error and error_description. A state value that decodes
// as a launch token takes the deep-link path and exchanges the code without
// a local authorization request. Otherwise the state entry is consumed
// (single use) before any network call: an absent or expired entry fails
// with ErrStateNotFound/ErrExpiredState and no exchange happens. On success
// the TokenSet is persisted and returned.
func (c *Client) HandleCallback(ctx context.Context, cb Callback) (*TokenSet, error) {
	const op = "Client.HandleCallback"
	if cb.Error != "" {
		// best-effort discard of any state bound to this aborted flow
		if cb.State != "" {
			if _, err := c.requests.Retrieve(ctx, cb.State, true); err != nil &&
				!errors.Is(err, ErrStateNotFound) && !errors.Is(err, ErrExpiredState) {
				c.logger.Debug("unable to discard state for failed callback", "error", err)
			}
		}
		if cb.ErrorDescription != "" {
			return nil, fmt.Errorf("%s: provider returned %q: %s: %w", op, cb.Error, cb.ErrorDescription, ErrLoginFailed)
		}
		return nil, fmt.Errorf("%s: provider returned %q: %w", op, cb.Error, ErrLoginFailed)
	}
	if cb.Code == "" {
		return nil, fmt.Errorf("%s: authorization code is empty: %w", op, ErrInvalidParameter)
	}
	if cb.State == "" {
		return nil, fmt.Errorf("%s: state is empty: %w", op, ErrInvalidParameter)
	}

	if launch, ok := DecodeLaunchState(cb.State); ok {
		return c.handleLaunchCallback(ctx, cb, launch)
	}

	req, err := c.requests.Retrieve(ctx, cb.State, true)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	tokens, err := c.exchanger.ExchangeCode(ctx, cb.Code, c.config.RedirectURL, req.CodeVerifier, c.config.ClientID, c.config.ClientSecret)
	if err != nil {
		// the state entry is already consumed; nothing is persisted
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := c.saveTokens(ctx, tokens); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return tokens, nil
}

// handleLaunchCallback completes a provider-initiated deep-link flow: the
// state parameter carries a provider-issued launch token instead of a local
// state key, so there is no stored request and no PKCE verifier to present.
func (c *Client) handleLaunchCallback(ctx context.Context, cb Callback, launch *LaunchState) (*TokenSet, error) {
	const op = "Client.handleLaunchCallback"
	c.logger.Debug("completing launch-token flow", "return_to", launch.ReturnTo)
	tokens, err := c.exchanger.ExchangeCode(ctx, cb.Code, c.config.RedirectURL, "", c.config.ClientID, c.config.ClientSecret)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := c.saveTokens(ctx, tokens); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return tokens, nil
}

// Tokens returns the stored TokenSet or ErrNotFound when the session holds
// none.
func (c *Client) Tokens(ctx context.Context) (*TokenSet, error) {
	const op = "Client.Tokens"
	payload, ok, err := c.storage.Get(ctx, sessionTokenKey)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to read tokens: %w", op, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	plaintext, err := c.encryptor.Decrypt(payload)
	if err != nil {
		_ = c.storage.Delete(ctx, sessionTokenKey)
		return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	var tokens TokenSet
	if err := json.Unmarshal([]byte(plaintext), &tokens); err != nil {
		_ = c.storage.Delete(ctx, sessionTokenKey)
		return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return &tokens, nil
}

// AccessToken returns a live access token, transparently refreshing an
// expired one when a refresh token is held. An expired token with no refresh
// token reports ErrExpiredToken and the session is treated as
// unauthenticated.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	const op = "Client.AccessToken"
	tokens, err := c.Tokens(ctx)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if !tokens.Expired(c.clock.Now()) {
		return tokens.AccessToken, nil
	}
	if !tokens.Refreshable() {
		return "", fmt.Errorf("%s: access token is expired and no refresh token is held: %w", op, ErrExpiredToken)
	}
	refreshed, err := c.RefreshTokens(ctx)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return refreshed.AccessToken, nil
}

// RefreshToken returns the stored refresh token, or ErrNoRefreshToken.
func (c *Client) RefreshToken(ctx context.Context) (string, error) {
	const op = "Client.RefreshToken"
	tokens, err := c.Tokens(ctx)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if tokens.RefreshToken == "" {
		return "", fmt.Errorf("%s: %w", op, ErrNoRefreshToken)
	}
	return tokens.RefreshToken, nil
}

// IDToken returns the stored id_token, or ErrMissingIDToken.
func (c *Client) IDToken(ctx context.Context) (string, error) {
	const op = "Client.IDToken"
	tokens, err := c.Tokens(ctx)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if tokens.IDToken == "" {
		return "", fmt.Errorf("%s: %w", op, ErrMissingIDToken)
	}
	return tokens.IDToken, nil
}

// RefreshTokens redeems the stored refresh token and persists the new
// TokenSet.
func (c *Client) RefreshTokens(ctx context.Context) (*TokenSet, error) {
	const op = "Client.RefreshTokens"
	tokens, err := c.Tokens(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !tokens.Refreshable() {
		return nil, fmt.Errorf("%s: %w", op, ErrNoRefreshToken)
	}
	refreshed, err := c.exchanger.Refresh(ctx, tokens.RefreshToken, c.config.ClientID, c.config.ClientSecret, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := c.saveTokens(ctx, refreshed); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return refreshed, nil
}

// IsAuthenticated is a pure predicate: a TokenSet must exist with a live
// access token, or an expired access token accompanied by a refresh token
// (still effectively authenticated, refreshable).
func (c *Client) IsAuthenticated(ctx context.Context) bool {
	tokens, err := c.Tokens(ctx)
	if err != nil {
		return false
	}
	if tokens.Valid(c.clock.Now()) {
		return true
	}
	return tokens.Refreshable()
}

// RevokeTokens best-effort revokes the stored access and refresh tokens.
// Failures are aggregated and wrapped with ErrRevocationFailed; callers
// deciding whether to escalate can test for it.
func (c *Client) RevokeTokens(ctx context.Context) error {
	const op = "Client.RevokeTokens"
	tokens, err := c.Tokens(ctx)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	var errs *multierror.Error
	if tokens.AccessToken != "" {
		if err := c.exchanger.Revoke(ctx, tokens.AccessToken, c.config.ClientID, c.config.ClientSecret, "access_token"); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if tokens.RefreshToken != "" {
		if err := c.exchanger.Revoke(ctx, tokens.RefreshToken, c.config.ClientID, c.config.ClientSecret, "refresh_token"); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Logout revokes the stored tokens best-effort, then clears the TokenSet and
// every pending authorization request for the session. Revocation failures
// are logged and never fatal; logout always succeeds locally unless the
// session storage itself fails.
func (c *Client) Logout(ctx context.Context) error {
	const op = "Client.Logout"
	if err := c.RevokeTokens(ctx); err != nil {
		c.logger.Warn("unable to revoke tokens during logout", "error", err)
	}
	var errs *multierror.Error
	if err := c.storage.Delete(ctx, sessionTokenKey); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("%s: unable to clear tokens: %w", op, err))
	}
	if err := c.requests.ClearAll(ctx); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("%s: unable to clear pending requests: %w", op, err))
	}
	return errs.ErrorOrNil()
}

// UserInfo fetches the userinfo claim map with a live access token,
// refreshing first when needed.
func (c *Client) UserInfo(ctx context.Context) (map[string]interface{}, error) {
	const op = "Client.UserInfo"
	accessToken, err := c.AccessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	claims, err := c.exchanger.UserInfo(ctx, accessToken)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return claims, nil
}

// ValidateIDToken validates the stored id_token and returns its claims. See
// Exchanger.ValidateIDToken for the verifySignature semantics.
func (c *Client) ValidateIDToken(ctx context.Context, verifySignature bool) (map[string]interface{}, error) {
	const op = "Client.ValidateIDToken"
	idToken, err := c.IDToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	claims, err := c.exchanger.ValidateIDToken(ctx, idToken, verifySignature)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return claims, nil
}

// SweepRequests removes expired pending authorization requests; callers may
// run it periodically.
func (c *Client) SweepRequests(ctx context.Context) (int, error) {
	return c.requests.Sweep(ctx)
}

// ClearDiscoveryCache evicts the cached discovery document, forcing the next
// operation to refetch it.
func (c *Client) ClearDiscoveryCache(ctx context.Context) error {
	return c.metadata.ClearCache(ctx)
}

func (c *Client) saveTokens(ctx context.Context, tokens *TokenSet) error {
	const op = "Client.saveTokens"
	data, err := json.Marshal(tokens)
	if err != nil {
		return fmt.Errorf("%s: unable to encode tokens: %w", op, err)
	}
	payload, err := c.encryptor.Encrypt(string(data))
	if err != nil {
		return fmt.Errorf("%s: unable to encrypt tokens: %w", op, err)
	}
	if err := c.storage.Put(ctx, sessionTokenKey, payload, 0); err != nil {
		return fmt.Errorf("%s: unable to write tokens: %w", op, err)
	}
	return nil
}

// clientOptions is the set of available options for Client functions
type clientOptions struct {
	withClock      Clock
	withLogger     hclog.Logger
	withHTTPClient *http.Client
}

func clientDefaults() clientOptions {
	return clientOptions{
		withClock: SystemClock,
	}
}

func getClientOpts(opt ...Option) clientOptions {
	opts := clientDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// authURLOptions is the set of available options for Client.RedirectURL
type authURLOptions struct {
	withAuthParams     map[string]string
	withVerifierLength int
}

func authURLDefaults() authURLOptions {
	return authURLOptions{
		withVerifierLength: DefaultVerifierLength,
	}
}

func getAuthURLOpts(opt ...Option) authURLOptions {
	opts := authURLDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithAuthParams provides optional extra query parameters (prompt,
// login_hint, ...) for the composed authorization URL
func WithAuthParams(params map[string]string) Option {
	return func(o interface{}) {
		if o, ok := o.(*authURLOptions); ok {
			o.withAuthParams = params
		}
	}
}
