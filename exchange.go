package oidc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/oauth2"
	"gopkg.in/square/go-jose.v2/jwt"

	"github.com/authnkit/oidc/internal/strutils"
)

// Exchanger performs the token-lifecycle operations against the endpoints
// the MetadataCache resolves: code exchange, refresh, revocation, userinfo
// retrieval and id_token validation.
type Exchanger struct {
	metadata *MetadataCache
	client   *http.Client
	keys     keyFetcher

	audiences     []string
	retryAttempts uint
	retryDelay    time.Duration

	clock  Clock
	logger hclog.Logger
}

// NewExchanger creates an Exchanger.
// Supported options: WithAudiences, WithRetry, WithClock, WithLogger
func NewExchanger(metadata *MetadataCache, client *http.Client, opt ...Option) (*Exchanger, error) {
	const op = "oidc.NewExchanger"
	if metadata == nil {
		return nil, fmt.Errorf("%s: metadata cache is nil: %w", op, ErrNilParameter)
	}
	if client == nil {
		return nil, fmt.Errorf("%s: http client is nil: %w", op, ErrNilParameter)
	}
	opts := getExchangerOpts(opt...)
	return &Exchanger{
		metadata: metadata,
		client:   client,
		keys: keyFetcher{
			client:        client,
			retryAttempts: opts.withRetryAttempts,
			retryDelay:    opts.withRetryDelay,
		},
		audiences:     opts.withAudiences,
		retryAttempts: opts.withRetryAttempts,
		retryDelay:    opts.withRetryDelay,
		clock:         opts.withClock,
		logger:        opts.withLogger,
	}, nil
}

// tokenResponse is the token endpoint's success document. ExpiresIn is
// decoded as a JSON number so a structurally invalid value rejects the whole
// response.
type tokenResponse struct {
	AccessToken  string      `json:"access_token"`
	TokenType    string      `json:"token_type"`
	ExpiresIn    json.Number `json:"expires_in,omitempty"`
	RefreshToken string      `json:"refresh_token,omitempty"`
	IDToken      string      `json:"id_token,omitempty"`
	Scope        string      `json:"scope,omitempty"`
}

// ExchangeCode redeems an authorization code (with its PKCE verifier) at the
// token endpoint and returns the validated TokenSet. Upstream failures
// report a *TokenError wrapping ErrTokenExchange, carrying the provider's
// error and error_description when present. A structurally invalid 2xx
// response is rejected the same way.
func (e *Exchanger) ExchangeCode(ctx context.Context, code, redirectURI, verifier, clientID string, clientSecret ClientSecret) (*TokenSet, error) {
	const op = "Exchanger.ExchangeCode"
	if code == "" {
		return nil, fmt.Errorf("%s: authorization code is empty: %w", op, ErrInvalidParameter)
	}
	if clientID == "" {
		return nil, fmt.Errorf("%s: client id is empty: %w", op, ErrInvalidParameter)
	}
	endpoint, err := e.metadata.Endpoint(ctx, EndpointToken)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to resolve token endpoint: %w", op, err)
	}

	oauth2Config := oauth2.Config{
		ClientID:     clientID,
		ClientSecret: string(clientSecret),
		RedirectURL:  redirectURI,
		Endpoint: oauth2.Endpoint{
			TokenURL:  endpoint,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	var exchangeOpts []oauth2.AuthCodeOption
	if verifier != "" {
		exchangeOpts = append(exchangeOpts, oauth2.SetAuthURLParam("code_verifier", verifier))
	}
	oauth2Ctx := context.WithValue(ctx, oauth2.HTTPClient, e.client)

	operation := func() (*oauth2.Token, error) {
		tok, err := oauth2Config.Exchange(oauth2Ctx, code, exchangeOpts...)
		if err != nil {
			var rErr *oauth2.RetrieveError
			if errors.As(err, &rErr) && rErr.Response != nil && rErr.Response.StatusCode < 500 {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return tok, nil
	}
	tok, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(e.retryDelay)),
		backoff.WithMaxTries(e.retryAttempts),
	)
	if err != nil {
		var rErr *oauth2.RetrieveError
		if errors.As(err, &rErr) {
			tokenErr := &TokenError{
				Code:        rErr.ErrorCode,
				Description: rErr.ErrorDescription,
				wrapped:     fmt.Errorf("%s: %w: %w", op, ErrTokenExchange, err),
			}
			if rErr.Response != nil {
				tokenErr.StatusCode = rErr.Response.StatusCode
			}
			return nil, tokenErr
		}
		// covers transport failures and structurally invalid 2xx responses
		// (x/oauth2 rejects a response missing access_token)
		return nil, &TokenError{wrapped: fmt.Errorf("%s: %w: %w", op, ErrTokenExchange, err)}
	}

	ts := &TokenSet{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.TokenType,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
		StoredAt:     e.clock.Now(),
	}
	if idToken, ok := tok.Extra("id_token").(string); ok {
		ts.IDToken = idToken
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		ts.Scope = scope
	}
	e.flagTokenType(ts.TokenType)
	return ts, nil
}

// Refresh redeems a refresh token at the token endpoint. The optional scopes
// narrow the refreshed grant (RFC 6749 § 6). When the provider omits a
// refresh_token in its response the caller-supplied one is carried forward,
// since providers are not required to rotate it.
func (e *Exchanger) Refresh(ctx context.Context, refreshToken, clientID string, clientSecret ClientSecret, scopes []string) (*TokenSet, error) {
	const op = "Exchanger.Refresh"
	if refreshToken == "" {
		return nil, fmt.Errorf("%s: refresh token is empty: %w", op, ErrInvalidParameter)
	}
	if clientID == "" {
		return nil, fmt.Errorf("%s: client id is empty: %w", op, ErrInvalidParameter)
	}
	endpoint, err := e.metadata.Endpoint(ctx, EndpointToken)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to resolve token endpoint: %w", op, err)
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", clientID)
	if clientSecret != "" {
		form.Set("client_secret", string(clientSecret))
	}
	if len(scopes) > 0 {
		form.Set("scope", strings.Join(scopes, " "))
	}

	resp, err := e.doTokenRequest(ctx, endpoint, form, ErrTokenExchange)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if resp.AccessToken == "" {
		return nil, &TokenError{wrapped: fmt.Errorf("%s: response is missing access_token: %w", op, ErrTokenExchange)}
	}

	ts := &TokenSet{
		AccessToken:  resp.AccessToken,
		TokenType:    resp.TokenType,
		RefreshToken: resp.RefreshToken,
		IDToken:      resp.IDToken,
		Scope:        resp.Scope,
		StoredAt:     e.clock.Now(),
	}
	if ts.RefreshToken == "" {
		ts.RefreshToken = refreshToken
	}
	if resp.ExpiresIn != "" {
		seconds, err := resp.ExpiresIn.Int64()
		if err != nil {
			return nil, &TokenError{wrapped: fmt.Errorf("%s: expires_in %q is not numeric: %w", op, resp.ExpiresIn, ErrTokenExchange)}
		}
		ts.ExpiresAt = e.clock.Now().Add(time.Duration(seconds) * time.Second)
	}
	e.flagTokenType(ts.TokenType)
	return ts, nil
}

// Revoke posts the token to the revocation endpoint. Both HTTP success and
// an HTTP 400 carrying error=invalid_token count as success, since either
// way the token is gone. When the provider advertises no revocation
// endpoint, revocation is a no-op success so logout never fails on it.
func (e *Exchanger) Revoke(ctx context.Context, token, clientID string, clientSecret ClientSecret, tokenTypeHint string) error {
	const op = "Exchanger.Revoke"
	if token == "" {
		return fmt.Errorf("%s: token is empty: %w", op, ErrInvalidParameter)
	}
	endpoint, err := e.metadata.Endpoint(ctx, EndpointRevocation)
	if err != nil {
		if errors.Is(err, ErrEndpointNotFound) {
			e.logger.Debug("provider advertises no revocation endpoint, treating revocation as a no-op")
			return nil
		}
		return fmt.Errorf("%s: unable to resolve revocation endpoint: %w", op, err)
	}

	form := url.Values{}
	form.Set("token", token)
	if tokenTypeHint != "" {
		form.Set("token_type_hint", tokenTypeHint)
	}
	form.Set("client_id", clientID)
	if clientSecret != "" {
		form.Set("client_secret", string(clientSecret))
	}

	status, body, err := e.postForm(ctx, endpoint, form)
	if err != nil {
		return &TokenError{wrapped: fmt.Errorf("%s: %w: %w", op, ErrRevocationFailed, err)}
	}
	if status >= 200 && status < 300 {
		return nil
	}
	code, description := decodeErrorBody(body)
	if status == http.StatusBadRequest && code == "invalid_token" {
		return nil
	}
	return &TokenError{
		Code:        code,
		Description: description,
		StatusCode:  status,
		wrapped:     fmt.Errorf("%s: %w", op, ErrRevocationFailed),
	}
}

// UserInfo GETs the userinfo endpoint with the access token as a bearer
// credential and returns the claim map.
func (e *Exchanger) UserInfo(ctx context.Context, accessToken string) (map[string]interface{}, error) {
	const op = "Exchanger.UserInfo"
	if accessToken == "" {
		return nil, fmt.Errorf("%s: access token is empty: %w", op, ErrInvalidParameter)
	}
	endpoint, err := e.metadata.Endpoint(ctx, EndpointUserInfo)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to resolve userinfo endpoint: %w", op, err)
	}

	operation := func() (map[string]interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("unable to create request: %w", err))
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)
		req.Header.Set("Accept", "application/json")

		resp, err := e.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("unable to fetch userinfo: %w", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
		case resp.StatusCode >= 500:
			return nil, fmt.Errorf("provider returned status %d", resp.StatusCode)
		default:
			return nil, backoff.Permanent(fmt.Errorf("provider returned status %d", resp.StatusCode))
		}

		claims := map[string]interface{}{}
		if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
			return nil, backoff.Permanent(fmt.Errorf("unable to decode claims: %w", err))
		}
		return claims, nil
	}

	claims, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(e.retryDelay)),
		backoff.WithMaxTries(e.retryAttempts),
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrUserInfoFailed, err)
	}
	return claims, nil
}

// ValidateIDToken validates an id_token and returns its claim set.
//
// With verifySignature false the payload is decoded without any
// cryptographic or claims checks. That path is UNSAFE for production use
// and exists only for debugging against providers whose tokens fail
// verification.
//
// With verifySignature true the provider's JWKS is fetched, the signing key
// located by key id, and the signature plus the standard exp and iss claims
// verified; the aud claim is verified when the Exchanger was constructed
// with WithAudiences.
func (e *Exchanger) ValidateIDToken(ctx context.Context, idToken string, verifySignature bool) (map[string]interface{}, error) {
	const op = "Exchanger.ValidateIDToken"
	if idToken == "" {
		return nil, fmt.Errorf("%s: id_token is empty: %w", op, ErrMissingIDToken)
	}
	parsed, err := jwt.ParseSigned(idToken)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to parse id_token: %w", op, ErrTokenValidation)
	}

	allClaims := map[string]interface{}{}
	if !verifySignature {
		if err := parsed.UnsafeClaimsWithoutVerification(&allClaims); err != nil {
			return nil, fmt.Errorf("%s: unable to decode claims: %w", op, ErrTokenValidation)
		}
		e.logger.Warn("id_token accepted without signature verification, never use this in production")
		return allClaims, nil
	}

	doc, err := e.metadata.Document(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	keySet, err := e.keys.fetch(ctx, doc.JWKSURI)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	var kid string
	if len(parsed.Headers) > 0 {
		kid = parsed.Headers[0].KeyID
	}
	key, err := findKey(keySet, kid)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	var claims jwt.Claims
	if err := parsed.Claims(key, &claims, &allClaims); err != nil {
		return nil, fmt.Errorf("%s: invalid id_token signature: %w", op, ErrTokenValidation)
	}
	if err := claims.Validate(jwt.Expected{
		Issuer: doc.Issuer,
		Time:   e.clock.Now(),
	}); err != nil {
		return nil, fmt.Errorf("%s: invalid id_token claims: %w: %w", op, ErrTokenValidation, err)
	}
	if len(e.audiences) > 0 {
		var found bool
		for _, aud := range e.audiences {
			if strutils.StrListContains(claims.Audience, aud) {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%s: %w", op, ErrInvalidAudience)
		}
	}
	return allClaims, nil
}

// doTokenRequest posts the form to a token-style endpoint with the bounded
// fixed-delay retry policy and decodes the success document. Non-2xx
// responses become a *TokenError wrapping sentinel, carrying the upstream
// error body when present.
func (e *Exchanger) doTokenRequest(ctx context.Context, endpoint string, form url.Values, sentinel error) (*tokenResponse, error) {
	operation := func() (*tokenResponse, error) {
		status, body, err := e.postFormOnce(ctx, endpoint, form)
		if err != nil {
			return nil, fmt.Errorf("unable to post to %s: %w", endpoint, err)
		}
		if status >= 500 {
			return nil, fmt.Errorf("provider returned status %d", status)
		}
		if status < 200 || status >= 300 {
			code, description := decodeErrorBody(body)
			return nil, backoff.Permanent(&TokenError{
				Code:        code,
				Description: description,
				StatusCode:  status,
				wrapped:     sentinel,
			})
		}
		var resp tokenResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, backoff.Permanent(&TokenError{
				wrapped: fmt.Errorf("unable to decode token response: %w", sentinel),
			})
		}
		return &resp, nil
	}

	resp, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(e.retryDelay)),
		backoff.WithMaxTries(e.retryAttempts),
	)
	if err != nil {
		var tokenErr *TokenError
		if errors.As(err, &tokenErr) {
			return nil, tokenErr
		}
		return nil, &TokenError{wrapped: fmt.Errorf("%w: %w", sentinel, err)}
	}
	return resp, nil
}

// postForm posts with the retry policy applied to transport failures only;
// any completed HTTP response is returned to the caller for status handling.
func (e *Exchanger) postForm(ctx context.Context, endpoint string, form url.Values) (int, []byte, error) {
	type result struct {
		status int
		body   []byte
	}
	operation := func() (result, error) {
		status, body, err := e.postFormOnce(ctx, endpoint, form)
		if err != nil {
			return result{}, err
		}
		return result{status: status, body: body}, nil
	}
	res, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(e.retryDelay)),
		backoff.WithMaxTries(e.retryAttempts),
	)
	if err != nil {
		return 0, nil, err
	}
	return res.status, res.body, nil
}

func (e *Exchanger) postFormOnce(ctx context.Context, endpoint string, form url.Values) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

// decodeErrorBody extracts the RFC 6749 error and error_description members
// from a failed response, when present.
func decodeErrorBody(body []byte) (code, description string) {
	var payload struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", ""
	}
	return payload.Error, payload.ErrorDescription
}

// flagTokenType logs when a provider returns a token type other than Bearer.
// The token set is still usable; the mismatch is surfaced for operators.
func (e *Exchanger) flagTokenType(tokenType string) {
	if tokenType != "" && !strings.EqualFold(tokenType, "bearer") {
		e.logger.Warn("provider returned an unexpected token_type", "token_type", tokenType)
	}
}

// exchangerOptions is the set of available options for Exchanger functions
type exchangerOptions struct {
	withAudiences     []string
	withRetryAttempts uint
	withRetryDelay    time.Duration
	withClock         Clock
	withLogger        hclog.Logger
}

func exchangerDefaults() exchangerOptions {
	return exchangerOptions{
		withRetryAttempts: DefaultRetryAttempts,
		withRetryDelay:    DefaultRetryDelay,
		withClock:         SystemClock,
		withLogger:        hclog.NewNullLogger(),
	}
}

func getExchangerOpts(opt ...Option) exchangerOptions {
	opts := exchangerDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}
