// Package oidc implements the relying-party side of the OAuth 2.0
// authorization code flow with PKCE and OpenID Connect discovery.
//
// The package is organized around a small set of collaborators that are
// composed by a Client:
//
//   - CodeVerifier: PKCE verifier/challenge pairs (RFC 7636).
//   - RequestStore: single-use, TTL-bound anti-CSRF state bound to PKCE data,
//     persisted in an injected session-scoped SessionStorage.
//   - MetadataCache: the provider's discovery document, validated fail-closed
//     and cached in an injected process-wide Cache.
//   - Exchanger: code exchange, refresh, revocation, userinfo and id_token
//     validation against the endpoints the MetadataCache resolves.
//   - Client: the state machine sequencing the above into RedirectURL,
//     HandleCallback, RefreshTokens and Logout.
//
// The package performs no persistence of its own: callers inject a
// SessionStorage and a Cache (in-memory implementations are provided), an
// http.Client and, for deterministic tests, a Clock.
//
// The oidc.TestProvider is an in-process OIDC provider that supports
// testing the full flow without an external IdP.
package oidc
