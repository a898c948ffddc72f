package oidc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// discoveryServer serves a scriptable discovery document over plain HTTP.
type discoveryServer struct {
	server *httptest.Server

	hits   atomic.Int64
	status atomic.Int64 // 0 means 200 with the current document
	doc    func(issuer string) map[string]interface{}
}

func newDiscoveryServer(t *testing.T) *discoveryServer {
	t.Helper()
	ds := &discoveryServer{
		doc: func(issuer string) map[string]interface{} {
			return map[string]interface{}{
				"issuer":                 issuer,
				"authorization_endpoint": issuer + "/authorize",
				"token_endpoint":         issuer + "/token",
				"jwks_uri":               issuer + "/keys",
				"userinfo_endpoint":      issuer + "/userinfo",
			}
		},
	}
	ds.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != WellKnownPath {
			http.NotFound(w, req)
			return
		}
		ds.hits.Add(1)
		if status := ds.status.Load(); status != 0 {
			w.WriteHeader(int(status))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(ds.doc(ds.server.URL))
	}))
	t.Cleanup(ds.server.Close)
	return ds
}

func newTestMetadataCache(t *testing.T, issuer string, opt ...Option) (*MetadataCache, *MemoryStorage) {
	t.Helper()
	cache := NewMemoryStorage(nil)
	opt = append([]Option{WithRetry(1, time.Millisecond)}, opt...)
	mc, err := NewMetadataCache(issuer, cache, http.DefaultClient, opt...)
	require.NoError(t, err)
	return mc, cache
}

func TestNewMetadataCache(t *testing.T) {
	assert := assert.New(t)
	cache := NewMemoryStorage(nil)

	_, err := NewMetadataCache("", cache, http.DefaultClient)
	assert.ErrorIs(err, ErrInvalidParameter)
	_, err = NewMetadataCache("not-a-url", cache, http.DefaultClient)
	assert.ErrorIs(err, ErrInvalidParameter)
	_, err = NewMetadataCache("https://accounts.example.com", nil, http.DefaultClient)
	assert.ErrorIs(err, ErrNilParameter)
	_, err = NewMetadataCache("https://accounts.example.com", cache, nil)
	assert.ErrorIs(err, ErrNilParameter)
}

func TestMetadataCache_Document(t *testing.T) {
	ctx := context.Background()

	t.Run("fetch-and-cache", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		ds := newDiscoveryServer(t)
		mc, _ := newTestMetadataCache(t, ds.server.URL)

		doc, err := mc.Document(ctx, false)
		require.NoError(err)
		assert.Equal(ds.server.URL, doc.Issuer)
		assert.Equal(ds.server.URL+"/token", doc.TokenEndpoint)
		assert.False(doc.FetchedAt.IsZero())

		// the second read is served from the cache
		_, err = mc.Document(ctx, false)
		require.NoError(err)
		assert.Equal(int64(1), ds.hits.Load())
	})
	t.Run("force-refresh", func(t *testing.T) {
		require := require.New(t)
		ds := newDiscoveryServer(t)
		mc, _ := newTestMetadataCache(t, ds.server.URL)

		_, err := mc.Document(ctx, false)
		require.NoError(err)
		_, err = mc.Document(ctx, true)
		require.NoError(err)
		require.Equal(int64(2), ds.hits.Load())
	})
	t.Run("failed-refresh-preserves-cached-document", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		ds := newDiscoveryServer(t)
		mc, _ := newTestMetadataCache(t, ds.server.URL)

		first, err := mc.Document(ctx, false)
		require.NoError(err)

		ds.status.Store(http.StatusInternalServerError)
		_, err = mc.Document(ctx, true)
		require.ErrorIs(err, ErrDiscovery)

		// the old validated document is still served
		got, err := mc.Document(ctx, false)
		require.NoError(err)
		assert.Equal(first.TokenEndpoint, got.TokenEndpoint)
	})
	t.Run("invalid-document-is-rejected", func(t *testing.T) {
		assert := assert.New(t)
		tests := []struct {
			name   string
			mutate func(doc map[string]interface{})
		}{
			{"missing-jwks-uri", func(doc map[string]interface{}) { delete(doc, "jwks_uri") }},
			{"missing-token-endpoint", func(doc map[string]interface{}) { delete(doc, "token_endpoint") }},
			{"missing-issuer", func(doc map[string]interface{}) { delete(doc, "issuer") }},
			{"relative-endpoint", func(doc map[string]interface{}) { doc["authorization_endpoint"] = "/authorize" }},
			{"bad-scheme", func(doc map[string]interface{}) { doc["token_endpoint"] = "ftp://x.example.com/token" }},
			{"bad-optional-endpoint", func(doc map[string]interface{}) { doc["userinfo_endpoint"] = "not a url at all" }},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				ds := newDiscoveryServer(t)
				base := ds.doc
				ds.doc = func(issuer string) map[string]interface{} {
					doc := base(issuer)
					tt.mutate(doc)
					return doc
				}
				mc, cache := newTestMetadataCache(t, ds.server.URL)

				_, err := mc.Document(ctx, false)
				assert.ErrorIs(err, ErrDiscovery)
				assert.ErrorIs(err, ErrInvalidParameter)
				// nothing is cached on a failed validation
				assert.Equal(0, cache.Len())
				// a terminal failure is not retried
				assert.Equal(int64(1), ds.hits.Load())
			})
		}
	})
	t.Run("retries-5xx", func(t *testing.T) {
		require := require.New(t)
		ds := newDiscoveryServer(t)
		ds.status.Store(http.StatusBadGateway)
		mc, _ := newTestMetadataCache(t, ds.server.URL, WithRetry(3, time.Millisecond))

		_, err := mc.Document(ctx, false)
		require.ErrorIs(err, ErrDiscovery)
		require.Equal(int64(3), ds.hits.Load())

		ds.status.Store(0)
		_, err = mc.Document(ctx, false)
		require.NoError(err)
	})
	t.Run("4xx-is-terminal", func(t *testing.T) {
		require := require.New(t)
		ds := newDiscoveryServer(t)
		ds.status.Store(http.StatusNotFound)
		mc, _ := newTestMetadataCache(t, ds.server.URL, WithRetry(3, time.Millisecond))

		_, err := mc.Document(ctx, false)
		require.ErrorIs(err, ErrDiscovery)
		require.Equal(int64(1), ds.hits.Load())
	})
	t.Run("cache-expiry-triggers-refetch", func(t *testing.T) {
		require := require.New(t)
		ds := newDiscoveryServer(t)
		clock := newTestClock(time.Now())
		cache := NewMemoryStorage(clock)
		mc, err := NewMetadataCache(ds.server.URL, cache, http.DefaultClient,
			WithRetry(1, time.Millisecond),
			WithDiscoveryTTL(time.Minute),
			WithClock(clock),
		)
		require.NoError(err)

		_, err = mc.Document(ctx, false)
		require.NoError(err)
		clock.Advance(2 * time.Minute)
		_, err = mc.Document(ctx, false)
		require.NoError(err)
		require.Equal(int64(2), ds.hits.Load())
	})
}

func TestMetadataCache_Endpoint(t *testing.T) {
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()
	ds := newDiscoveryServer(t)
	mc, _ := newTestMetadataCache(t, ds.server.URL)

	endpoint, err := mc.Endpoint(ctx, EndpointToken)
	require.NoError(err)
	assert.Equal(ds.server.URL+"/token", endpoint)

	// this provider advertises no revocation endpoint
	_, err = mc.Endpoint(ctx, EndpointRevocation)
	assert.ErrorIs(err, ErrEndpointNotFound)

	_, err = mc.Endpoint(ctx, "end_session_endpoint")
	assert.ErrorIs(err, ErrEndpointNotFound)
}

func TestMetadataCache_ClearCache(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	ds := newDiscoveryServer(t)
	mc, _ := newTestMetadataCache(t, ds.server.URL)

	_, err := mc.Document(ctx, false)
	require.NoError(err)
	require.NoError(mc.ClearCache(ctx))
	_, err = mc.Document(ctx, false)
	require.NoError(err)
	require.Equal(int64(2), ds.hits.Load())
}
