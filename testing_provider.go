package oidc

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"gopkg.in/square/go-jose.v2"
	"gopkg.in/square/go-jose.v2/jwt"
)

// TestProvider is a local HTTP server that stands in for a real OIDC
// provider in tests. It serves discovery, authorization, token, revocation,
// userinfo and JWKS endpoints over TLS, enforces PKCE on the
// authorization_code grant, and counts requests per path so tests can assert
// exactly how many network calls an operation made.
//
// Use it in tests like:
//
//	tp := StartTestProvider(t)
//	tp.SetClientCreds("client-id", "client-secret")
//	...
type TestProvider struct {
	httpServer *httptest.Server
	caCert     string
	t          *testing.T

	privKey *ecdsa.PrivateKey
	jwks    *jose.JSONWebKeySet

	mu sync.Mutex

	clientID     string
	clientSecret string

	expectedAuthCode      string
	expectedCodeChallenge string
	challengeMethod       ChallengeMethod
	expectedRefreshToken  string

	subject       string
	customClaims  map[string]interface{}
	replyUserinfo map[string]interface{}
	expiresIn     int

	omitRefreshToken    bool
	omitIDToken         bool
	rotatedRefreshToken string
	omitRefreshOnRenew  bool
	disableUserInfo     bool
	disableRevocation   bool
	revokeStatus        int
	revokeErrorCode     string
	tokenStatus         int
	tokenErrorCode      string

	callCounts map[string]int

	nowFunc func() time.Time
}

// StartTestProvider creates and starts a running TestProvider. The server is
// stopped when the test and all its subtests complete.
func StartTestProvider(t *testing.T) *TestProvider {
	t.Helper()
	privKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("unable to generate signing key: %v", err)
	}
	p := &TestProvider{
		t:       t,
		privKey: privKey,
		jwks: &jose.JSONWebKeySet{
			Keys: []jose.JSONWebKey{
				{
					Key:       privKey.Public(),
					KeyID:     TestKeyID,
					Algorithm: string(jose.ES256),
					Use:       "sig",
				},
			},
		},
		clientID:             "test-client-id",
		clientSecret:         "test-client-secret",
		expectedAuthCode:     "test-auth-code",
		expectedRefreshToken: "test-refresh-token",
		subject:              "alice@example.com",
		replyUserinfo: map[string]interface{}{
			"sub":   "alice@example.com",
			"name":  "Alice Doe",
			"email": "alice@example.com",
		},
		expiresIn:  300,
		callCounts: map[string]int{},
		nowFunc:    time.Now,
	}

	p.httpServer = httptest.NewUnstartedServer(p)
	p.httpServer.StartTLS()
	t.Cleanup(p.httpServer.Close)

	cert := p.httpServer.Certificate()
	p.caCert = string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}))

	return p
}

// Addr returns the provider's URL, which doubles as its issuer.
func (p *TestProvider) Addr() string { return p.httpServer.URL }

// CACert returns the PEM-encoded CA certificate the provider's TLS listener
// presents, for use with WithProviderCA.
func (p *TestProvider) CACert() string { return p.caCert }

// HTTPClient returns a client that trusts the provider's TLS certificate.
func (p *TestProvider) HTTPClient() *http.Client {
	p.t.Helper()
	cfg, err := NewConfig(p.Addr(), p.clientID, ClientSecret(p.clientSecret), "https://example.com/callback",
		WithProviderCA(p.caCert),
	)
	if err != nil {
		p.t.Fatalf("unable to build http client config: %v", err)
	}
	client, err := cfg.HTTPClient()
	if err != nil {
		p.t.Fatalf("unable to build http client: %v", err)
	}
	return client
}

// SetClientCreds sets the client id/secret the token endpoint requires.
func (p *TestProvider) SetClientCreds(id, secret string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clientID = id
	p.clientSecret = secret
}

// SetExpectedAuthCode sets the only authorization code the token endpoint
// will redeem.
func (p *TestProvider) SetExpectedAuthCode(code string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expectedAuthCode = code
}

// SetExpectedCodeChallenge arms PKCE enforcement: the token endpoint will
// verify the presented code_verifier against this challenge. The
// authorization endpoint arms it automatically when it sees a
// code_challenge parameter.
func (p *TestProvider) SetExpectedCodeChallenge(challenge string, method ChallengeMethod) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expectedCodeChallenge = challenge
	p.challengeMethod = method
}

// SetExpectedRefreshToken sets the only refresh token the token endpoint
// will redeem.
func (p *TestProvider) SetExpectedRefreshToken(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expectedRefreshToken = token
}

// SetCustomClaims sets additional claims merged into issued id_tokens.
func (p *TestProvider) SetCustomClaims(claims map[string]interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.customClaims = claims
}

// SetUserInfoReply sets the document the userinfo endpoint returns.
func (p *TestProvider) SetUserInfoReply(claims map[string]interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replyUserinfo = claims
}

// SetExpiresIn sets the expires_in value (seconds) of issued token responses.
func (p *TestProvider) SetExpiresIn(seconds int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expiresIn = seconds
}

// SetOmitRefreshToken makes token responses omit the refresh_token member.
func (p *TestProvider) SetOmitRefreshToken(omit bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.omitRefreshToken = omit
}

// SetOmitIDToken makes token responses omit the id_token member.
func (p *TestProvider) SetOmitIDToken(omit bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.omitIDToken = omit
}

// SetRotatedRefreshToken makes the refresh grant return the given rotated
// refresh token instead of echoing the presented one.
func (p *TestProvider) SetRotatedRefreshToken(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rotatedRefreshToken = token
}

// SetOmitRefreshOnRenew makes the refresh grant omit the refresh_token
// member of its response, as providers that never rotate do.
func (p *TestProvider) SetOmitRefreshOnRenew(omit bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.omitRefreshOnRenew = omit
}

// SetDisableUserInfo removes the userinfo endpoint from discovery.
func (p *TestProvider) SetDisableUserInfo(disable bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disableUserInfo = disable
}

// SetDisableRevocation removes the revocation endpoint from discovery.
func (p *TestProvider) SetDisableRevocation(disable bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disableRevocation = disable
}

// SetRevokeResponse makes the revocation endpoint fail with the given status
// and RFC 6749 error code. A zero status restores the default 200.
func (p *TestProvider) SetRevokeResponse(status int, errorCode string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.revokeStatus = status
	p.revokeErrorCode = errorCode
}

// SetTokenResponse makes the token endpoint fail with the given status and
// RFC 6749 error code regardless of the grant presented. A zero status
// restores normal behavior.
func (p *TestProvider) SetTokenResponse(status int, errorCode string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenStatus = status
	p.tokenErrorCode = errorCode
}

// SetNowFunc overrides the provider's notion of now for issued claims.
func (p *TestProvider) SetNowFunc(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nowFunc = now
}

// CallCount reports how many requests the provider has served for path.
func (p *TestProvider) CallCount(path string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.callCounts[path]
}

const (
	authorizePath = "/authorize"
	tokenPath     = "/token"
	revokePath    = "/revoke"
	userInfoPath  = "/userinfo"
	jwksPath      = "/.well-known/jwks.json"
)

// ServeHTTP implements http.Handler.
func (p *TestProvider) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	p.mu.Lock()
	p.callCounts[req.URL.Path]++
	p.mu.Unlock()

	switch req.URL.Path {
	case WellKnownPath:
		p.writeDiscovery(w)
	case authorizePath:
		p.handleAuthorize(w, req)
	case tokenPath:
		p.handleToken(w, req)
	case revokePath:
		p.handleRevoke(w, req)
	case userInfoPath:
		p.handleUserInfo(w, req)
	case jwksPath:
		p.writeJSON(w, http.StatusOK, p.jwks)
	default:
		http.NotFound(w, req)
	}
}

func (p *TestProvider) writeDiscovery(w http.ResponseWriter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	doc := map[string]interface{}{
		"issuer":                                p.Addr(),
		"authorization_endpoint":                p.Addr() + authorizePath,
		"token_endpoint":                        p.Addr() + tokenPath,
		"jwks_uri":                              p.Addr() + jwksPath,
		"response_types_supported":              []string{"code"},
		"code_challenge_methods_supported":      []string{string(S256)},
		"id_token_signing_alg_values_supported": []string{string(jose.ES256)},
	}
	if !p.disableUserInfo {
		doc["userinfo_endpoint"] = p.Addr() + userInfoPath
	}
	if !p.disableRevocation {
		doc["revocation_endpoint"] = p.Addr() + revokePath
	}
	p.writeJSON(w, http.StatusOK, doc)
}

// handleAuthorize plays the user-consent step: it records the flow's PKCE
// challenge and redirects back with the expected code and the caller's state.
func (p *TestProvider) handleAuthorize(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	redirectURI := q.Get("redirect_uri")
	if redirectURI == "" {
		p.writeError(w, http.StatusBadRequest, "invalid_request", "redirect_uri is required")
		return
	}
	p.mu.Lock()
	if q.Get("client_id") != p.clientID {
		p.mu.Unlock()
		p.writeError(w, http.StatusUnauthorized, "invalid_client", "unknown client_id")
		return
	}
	if challenge := q.Get("code_challenge"); challenge != "" {
		p.expectedCodeChallenge = challenge
		p.challengeMethod = ChallengeMethod(q.Get("code_challenge_method"))
	}
	code := p.expectedAuthCode
	p.mu.Unlock()

	location := fmt.Sprintf("%s?code=%s&state=%s",
		redirectURI, url.QueryEscape(code), url.QueryEscape(q.Get("state")))
	http.Redirect(w, req, location, http.StatusFound)
}

func (p *TestProvider) handleToken(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		p.writeError(w, http.StatusMethodNotAllowed, "invalid_request", "POST required")
		return
	}
	if err := req.ParseForm(); err != nil {
		p.writeError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}

	p.mu.Lock()
	forcedStatus, forcedCode := p.tokenStatus, p.tokenErrorCode
	p.mu.Unlock()
	if forcedStatus != 0 {
		p.writeError(w, forcedStatus, forcedCode, "")
		return
	}

	switch req.Form.Get("grant_type") {
	case "authorization_code":
		p.handleCodeGrant(w, req)
	case "refresh_token":
		p.handleRefreshGrant(w, req)
	default:
		p.writeError(w, http.StatusBadRequest, "unsupported_grant_type", "")
	}
}

func (p *TestProvider) handleCodeGrant(w http.ResponseWriter, req *http.Request) {
	p.mu.Lock()
	clientID := p.clientID
	expectedCode := p.expectedAuthCode
	challenge := p.expectedCodeChallenge
	method := p.challengeMethod
	p.mu.Unlock()

	if req.Form.Get("client_id") != clientID {
		p.writeError(w, http.StatusUnauthorized, "invalid_client", "unknown client_id")
		return
	}
	if req.Form.Get("code") != expectedCode {
		p.writeError(w, http.StatusBadRequest, "invalid_grant", "unknown authorization code")
		return
	}
	if challenge != "" {
		if !VerifyCodeChallenge(req.Form.Get("code_verifier"), challenge, method) {
			p.writeError(w, http.StatusBadRequest, "invalid_grant", "code verifier does not match the challenge")
			return
		}
	}
	p.writeTokenResponse(w, false)
}

func (p *TestProvider) handleRefreshGrant(w http.ResponseWriter, req *http.Request) {
	p.mu.Lock()
	clientID := p.clientID
	expected := p.expectedRefreshToken
	p.mu.Unlock()

	if req.Form.Get("client_id") != clientID {
		p.writeError(w, http.StatusUnauthorized, "invalid_client", "unknown client_id")
		return
	}
	if req.Form.Get("refresh_token") != expected {
		p.writeError(w, http.StatusBadRequest, "invalid_grant", "unknown refresh token")
		return
	}
	p.writeTokenResponse(w, true)
}

func (p *TestProvider) writeTokenResponse(w http.ResponseWriter, renewal bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	accessToken, err := p.newOpaqueToken("at")
	if err != nil {
		p.writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	reply := map[string]interface{}{
		"access_token": accessToken,
		"token_type":   "Bearer",
		"expires_in":   p.expiresIn,
		"scope":        "openid profile email",
	}
	switch {
	case renewal && p.omitRefreshOnRenew:
	case renewal && p.rotatedRefreshToken != "":
		reply["refresh_token"] = p.rotatedRefreshToken
	case p.omitRefreshToken:
	default:
		reply["refresh_token"] = p.expectedRefreshToken
	}
	if !p.omitIDToken {
		reply["id_token"] = p.issueIDToken()
	}
	p.writeJSON(w, http.StatusOK, reply)
}

func (p *TestProvider) handleRevoke(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		p.writeError(w, http.StatusMethodNotAllowed, "invalid_request", "POST required")
		return
	}
	if err := req.ParseForm(); err != nil {
		p.writeError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}
	if req.Form.Get("token") == "" {
		p.writeError(w, http.StatusBadRequest, "invalid_request", "token is required")
		return
	}
	p.mu.Lock()
	status, code := p.revokeStatus, p.revokeErrorCode
	p.mu.Unlock()
	if status != 0 {
		p.writeError(w, status, code, "")
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (p *TestProvider) handleUserInfo(w http.ResponseWriter, req *http.Request) {
	auth := req.Header.Get("Authorization")
	if len(auth) < len("Bearer ") || auth[:len("Bearer ")] != "Bearer " {
		p.writeError(w, http.StatusUnauthorized, "invalid_token", "bearer credential is required")
		return
	}
	p.mu.Lock()
	reply := p.replyUserinfo
	p.mu.Unlock()
	p.writeJSON(w, http.StatusOK, reply)
}

// issueIDToken signs an id_token for the provider's subject. Callers must
// hold p.mu.
func (p *TestProvider) issueIDToken() string {
	now := p.nowFunc()
	claims := map[string]interface{}{
		"iss": p.Addr(),
		"sub": p.subject,
		"aud": []string{p.clientID},
		"exp": now.Add(time.Duration(p.expiresIn) * time.Second).Unix(),
		"iat": now.Unix(),
		"nbf": now.Unix(),
	}
	for k, v := range p.customClaims {
		claims[k] = v
	}
	sig, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.ES256, Key: p.privKey},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", TestKeyID),
	)
	if err != nil {
		p.t.Fatalf("unable to create signer: %v", err)
	}
	raw, err := jwt.Signed(sig).Claims(claims).CompactSerialize()
	if err != nil {
		p.t.Fatalf("unable to sign id_token: %v", err)
	}
	return raw
}

func (p *TestProvider) newOpaqueToken(prefix string) (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return prefix + "-" + hex.EncodeToString(buf), nil
}

func (p *TestProvider) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		p.t.Logf("unable to encode reply: %v", err)
	}
}

func (p *TestProvider) writeError(w http.ResponseWriter, status int, code, description string) {
	body := map[string]string{"error": code}
	if description != "" {
		body["error_description"] = description
	}
	p.writeJSON(w, status, body)
}
