package oidc

import (
	"context"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	tp      *TestProvider
	client  *Client
	clock   *testClock
	storage *MemoryStorage
}

func newTestClient(t *testing.T, tp *TestProvider, cfgOpt ...Option) *testEnv {
	t.Helper()
	require := require.New(t)
	clock := newTestClock(time.Now())
	cfgOpt = append([]Option{
		WithProviderCA(tp.CACert()),
		WithRetry(2, time.Millisecond),
	}, cfgOpt...)
	cfg, err := NewConfig(tp.Addr(), testClientID, testClientSecret, testRedirectURL, cfgOpt...)
	require.NoError(err)
	storage := NewMemoryStorage(clock)
	cache := NewMemoryStorage(clock)
	c, err := New(cfg, storage, cache, WithClock(clock))
	require.NoError(err)
	return &testEnv{tp: tp, client: c, clock: clock, storage: storage}
}

// authorize plays the browser leg: it GETs the authorization URL and returns
// the code and state the provider redirected back with.
func authorize(t *testing.T, tp *TestProvider, authURL string) Callback {
	t.Helper()
	require := require.New(t)
	browser := tp.HTTPClient()
	browser.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	resp, err := browser.Get(authURL)
	require.NoError(err)
	defer resp.Body.Close()
	require.Equal(http.StatusFound, resp.StatusCode)

	location, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(err)
	return Callback{
		Code:  location.Query().Get("code"),
		State: location.Query().Get("state"),
	}
}

// login drives a full authorization code flow and returns the TokenSet.
func login(t *testing.T, env *testEnv) *TokenSet {
	t.Helper()
	require := require.New(t)
	ctx := context.Background()
	authURL, err := env.client.RedirectURL(ctx)
	require.NoError(err)
	cb := authorize(t, env.tp, authURL)
	tokens, err := env.client.HandleCallback(ctx, cb)
	require.NoError(err)
	return tokens
}

func TestNew(t *testing.T) {
	assert := assert.New(t)
	_, err := New(nil, nil, nil)
	assert.ErrorIs(err, ErrNilParameter)

	_, err = New(&Config{}, nil, nil)
	assert.ErrorIs(err, ErrInvalidConfiguration)
}

func TestClient_RedirectURL(t *testing.T) {
	ctx := context.Background()

	t.Run("composition", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		tp := StartTestProvider(t)
		env := newTestClient(t, tp, WithScopes([]string{"profile"}))

		raw, err := env.client.RedirectURL(ctx, WithAuthParams(map[string]string{"prompt": "login"}))
		require.NoError(err)
		u, err := url.Parse(raw)
		require.NoError(err)
		assert.Equal(tp.Addr()+authorizePath, u.Scheme+"://"+u.Host+u.Path)

		q := u.Query()
		assert.Equal("code", q.Get("response_type"))
		assert.Equal(testClientID, q.Get("client_id"))
		assert.Equal(testRedirectURL, q.Get("redirect_uri"))
		assert.Equal("openid profile", q.Get("scope"))
		assert.Equal(string(S256), q.Get("code_challenge_method"))
		assert.Equal("login", q.Get("prompt"))
		assert.Len(q.Get("state"), DefaultStateLength)

		// the challenge in the URL is derived from the stored verifier
		req, err := env.client.requests.RetrievePKCE(ctx, q.Get("state"))
		require.NoError(err)
		challenge, err := CreateCodeChallenge(S256, req.CodeVerifier)
		require.NoError(err)
		assert.Equal(challenge, q.Get("code_challenge"))
		assert.Equal(req.CodeChallenge, q.Get("code_challenge"))
	})
	t.Run("fresh-state-per-call", func(t *testing.T) {
		require := require.New(t)
		tp := StartTestProvider(t)
		env := newTestClient(t, tp)

		first, err := env.client.RedirectURL(ctx)
		require.NoError(err)
		second, err := env.client.RedirectURL(ctx)
		require.NoError(err)

		firstURL, err := url.Parse(first)
		require.NoError(err)
		secondURL, err := url.Parse(second)
		require.NoError(err)
		require.NotEqual(firstURL.Query().Get("state"), secondURL.Query().Get("state"))
		require.NotEqual(firstURL.Query().Get("code_challenge"), secondURL.Query().Get("code_challenge"))
	})
}

func TestClient_HandleCallback(t *testing.T) {
	ctx := context.Background()

	t.Run("end-to-end", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		tp := StartTestProvider(t)
		env := newTestClient(t, tp)

		tokens := login(t, env)
		assert.NotEmpty(tokens.AccessToken)
		assert.NotEmpty(tokens.IDToken)
		assert.Equal(1, tp.CallCount(tokenPath))
		assert.True(env.client.IsAuthenticated(ctx))

		stored, err := env.client.Tokens(ctx)
		require.NoError(err)
		assert.Equal(tokens.AccessToken, stored.AccessToken)
	})
	t.Run("state-is-single-use", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		tp := StartTestProvider(t)
		env := newTestClient(t, tp)

		authURL, err := env.client.RedirectURL(ctx)
		require.NoError(err)
		cb := authorize(t, tp, authURL)
		_, err = env.client.HandleCallback(ctx, cb)
		require.NoError(err)

		_, err = env.client.HandleCallback(ctx, cb)
		assert.ErrorIs(err, ErrStateNotFound)
		assert.Equal(1, tp.CallCount(tokenPath))
	})
	t.Run("unknown-state-makes-no-network-call", func(t *testing.T) {
		assert := assert.New(t)
		tp := StartTestProvider(t)
		env := newTestClient(t, tp)

		state, err := randomString(DefaultStateLength)
		require.NoError(t, err)
		_, err = env.client.HandleCallback(ctx, Callback{Code: "test-auth-code", State: state})
		assert.ErrorIs(err, ErrStateNotFound)
		assert.Equal(0, tp.CallCount(tokenPath))
	})
	t.Run("provider-error", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		tp := StartTestProvider(t)
		env := newTestClient(t, tp)

		authURL, err := env.client.RedirectURL(ctx)
		require.NoError(err)
		u, err := url.Parse(authURL)
		require.NoError(err)
		state := u.Query().Get("state")

		_, err = env.client.HandleCallback(ctx, Callback{
			State:            state,
			Error:            "access_denied",
			ErrorDescription: "user declined the request",
		})
		require.ErrorIs(err, ErrLoginFailed)
		assert.Contains(err.Error(), "access_denied")
		assert.Contains(err.Error(), "user declined the request")
		assert.Equal(0, tp.CallCount(tokenPath))

		// the state bound to the aborted flow is discarded
		_, err = env.client.requests.RetrievePKCE(ctx, state)
		assert.ErrorIs(err, ErrStateNotFound)
	})
	t.Run("missing-code-or-state", func(t *testing.T) {
		assert := assert.New(t)
		tp := StartTestProvider(t)
		env := newTestClient(t, tp)

		_, err := env.client.HandleCallback(ctx, Callback{State: "some-state"})
		assert.ErrorIs(err, ErrInvalidParameter)
		_, err = env.client.HandleCallback(ctx, Callback{Code: "some-code"})
		assert.ErrorIs(err, ErrInvalidParameter)
	})
	t.Run("launch-token-flow", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		tp := StartTestProvider(t)
		env := newTestClient(t, tp)

		state, err := EncodeLaunchState(&LaunchState{LaunchToken: "provider-launch-token"})
		require.NoError(err)
		tokens, err := env.client.HandleCallback(ctx, Callback{Code: "test-auth-code", State: state})
		require.NoError(err)
		assert.NotEmpty(tokens.AccessToken)
		assert.Equal(1, tp.CallCount(tokenPath))
		assert.True(env.client.IsAuthenticated(ctx))
	})
	t.Run("expired-state", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		tp := StartTestProvider(t)
		env := newTestClient(t, tp, WithStateTTL(time.Minute))

		authURL, err := env.client.RedirectURL(ctx)
		require.NoError(err)
		cb := authorize(t, tp, authURL)

		env.clock.Advance(time.Minute - 500*time.Millisecond)
		_, err = env.client.HandleCallback(ctx, cb)
		assert.ErrorIs(err, ErrExpiredState)
		assert.Equal(0, tp.CallCount(tokenPath))
	})
}

func TestClient_TokenLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("unauthenticated-session", func(t *testing.T) {
		assert := assert.New(t)
		tp := StartTestProvider(t)
		env := newTestClient(t, tp)

		_, err := env.client.Tokens(ctx)
		assert.ErrorIs(err, ErrNotFound)
		_, err = env.client.AccessToken(ctx)
		assert.ErrorIs(err, ErrNotFound)
		assert.False(env.client.IsAuthenticated(ctx))
		assert.NoError(env.client.RevokeTokens(ctx))
	})
	t.Run("accessors", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		tp := StartTestProvider(t)
		env := newTestClient(t, tp)
		tokens := login(t, env)

		at, err := env.client.AccessToken(ctx)
		require.NoError(err)
		assert.Equal(tokens.AccessToken, at)

		rt, err := env.client.RefreshToken(ctx)
		require.NoError(err)
		assert.Equal(tokens.RefreshToken, rt)

		idt, err := env.client.IDToken(ctx)
		require.NoError(err)
		assert.Equal(tokens.IDToken, idt)
	})
	t.Run("auto-refresh-on-expiry", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		tp := StartTestProvider(t)
		env := newTestClient(t, tp)
		tokens := login(t, env)

		env.clock.Advance(time.Hour)
		at, err := env.client.AccessToken(ctx)
		require.NoError(err)
		assert.NotEqual(tokens.AccessToken, at)
		assert.Equal(2, tp.CallCount(tokenPath))

		// the refreshed set is persisted
		stored, err := env.client.Tokens(ctx)
		require.NoError(err)
		assert.Equal(at, stored.AccessToken)
	})
	t.Run("expired-without-refresh-token", func(t *testing.T) {
		assert := assert.New(t)
		tp := StartTestProvider(t)
		tp.SetOmitRefreshToken(true)
		env := newTestClient(t, tp)
		login(t, env)

		env.clock.Advance(time.Hour)
		_, err := env.client.AccessToken(ctx)
		assert.ErrorIs(err, ErrExpiredToken)
		assert.False(env.client.IsAuthenticated(ctx))
		_, err = env.client.RefreshToken(ctx)
		assert.ErrorIs(err, ErrNoRefreshToken)
		_, err = env.client.RefreshTokens(ctx)
		assert.ErrorIs(err, ErrNoRefreshToken)
	})
	t.Run("expired-but-refreshable-is-authenticated", func(t *testing.T) {
		assert := assert.New(t)
		tp := StartTestProvider(t)
		env := newTestClient(t, tp)
		login(t, env)

		env.clock.Advance(time.Hour)
		assert.True(env.client.IsAuthenticated(ctx))
	})
	t.Run("rotated-refresh-token-is-persisted", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		tp := StartTestProvider(t)
		tp.SetRotatedRefreshToken("rotated-refresh-token")
		env := newTestClient(t, tp)
		login(t, env)

		_, err := env.client.RefreshTokens(ctx)
		require.NoError(err)
		rt, err := env.client.RefreshToken(ctx)
		require.NoError(err)
		assert.Equal("rotated-refresh-token", rt)
	})
	t.Run("corrupt-stored-tokens", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		tp := StartTestProvider(t)
		env := newTestClient(t, tp)
		login(t, env)

		require.NoError(env.storage.Put(ctx, sessionTokenKey, "not json", 0))
		_, err := env.client.Tokens(ctx)
		assert.ErrorIs(err, ErrNotFound)

		// the unreadable record was removed
		_, ok, err := env.storage.Get(ctx, sessionTokenKey)
		require.NoError(err)
		assert.False(ok)
	})
}

func TestClient_Logout(t *testing.T) {
	ctx := context.Background()

	t.Run("revokes-and-clears", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		tp := StartTestProvider(t)
		env := newTestClient(t, tp)
		login(t, env)

		require.NoError(env.client.Logout(ctx))
		// one revocation per stored token
		assert.Equal(2, tp.CallCount(revokePath))
		_, err := env.client.Tokens(ctx)
		assert.ErrorIs(err, ErrNotFound)
		assert.False(env.client.IsAuthenticated(ctx))

		keys, err := env.storage.Keys(ctx, requestKeyPrefix)
		require.NoError(err)
		assert.Empty(keys)
	})
	t.Run("revocation-failure-is-not-fatal", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		tp := StartTestProvider(t)
		env := newTestClient(t, tp)
		login(t, env)
		tp.SetRevokeResponse(400, "invalid_request")

		require.NoError(env.client.Logout(ctx))
		_, err := env.client.Tokens(ctx)
		assert.ErrorIs(err, ErrNotFound)
	})
}

func TestClient_RevokeTokens(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		require := require.New(t)
		tp := StartTestProvider(t)
		env := newTestClient(t, tp)
		login(t, env)

		require.NoError(env.client.RevokeTokens(ctx))
		require.Equal(2, tp.CallCount(revokePath))
	})
	t.Run("already-invalid-is-success", func(t *testing.T) {
		require := require.New(t)
		tp := StartTestProvider(t)
		env := newTestClient(t, tp)
		login(t, env)
		tp.SetRevokeResponse(400, "invalid_token")

		require.NoError(env.client.RevokeTokens(ctx))
	})
	t.Run("hard-failure-is-reported", func(t *testing.T) {
		require := require.New(t)
		tp := StartTestProvider(t)
		env := newTestClient(t, tp)
		login(t, env)
		tp.SetRevokeResponse(400, "invalid_request")

		require.ErrorIs(env.client.RevokeTokens(ctx), ErrRevocationFailed)
	})
}

func TestClient_UserInfo(t *testing.T) {
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()
	tp := StartTestProvider(t)
	env := newTestClient(t, tp)
	login(t, env)

	claims, err := env.client.UserInfo(ctx)
	require.NoError(err)
	assert.Equal("Alice Doe", claims["name"])
}

func TestClient_ValidateIDToken(t *testing.T) {
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()
	tp := StartTestProvider(t)
	env := newTestClient(t, tp)
	login(t, env)

	claims, err := env.client.ValidateIDToken(ctx, true)
	require.NoError(err)
	assert.Equal("alice@example.com", claims["sub"])
	assert.Equal(tp.Addr(), claims["iss"])
}

func TestClient_SessionEncryption(t *testing.T) {
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()
	tp := StartTestProvider(t)
	env := newTestClient(t, tp, WithStorageEncryption([]byte("storage-secret")))
	tokens := login(t, env)

	raw, ok, err := env.storage.Get(ctx, sessionTokenKey)
	require.NoError(err)
	require.True(ok)
	assert.NotContains(raw, tokens.AccessToken)

	stored, err := env.client.Tokens(ctx)
	require.NoError(err)
	assert.Equal(tokens.AccessToken, stored.AccessToken)
}

func TestClient_SweepRequests(t *testing.T) {
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()
	tp := StartTestProvider(t)
	env := newTestClient(t, tp, WithStateTTL(time.Minute))

	_, err := env.client.RedirectURL(ctx)
	require.NoError(err)
	_, err = env.client.RedirectURL(ctx)
	require.NoError(err)

	env.clock.Advance(time.Minute - 500*time.Millisecond)
	removed, err := env.client.SweepRequests(ctx)
	require.NoError(err)
	assert.Equal(2, removed)
}

func TestClient_ClearDiscoveryCache(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	tp := StartTestProvider(t)
	env := newTestClient(t, tp)

	_, err := env.client.RedirectURL(ctx)
	require.NoError(err)
	require.Equal(1, tp.CallCount(WellKnownPath))

	require.NoError(env.client.ClearDiscoveryCache(ctx))
	_, err = env.client.RedirectURL(ctx)
	require.NoError(err)
	require.Equal(2, tp.CallCount(WellKnownPath))
}
