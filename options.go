package oidc

import (
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Option defines a common functional options type
type Option func(interface{})

// ApplyOpts takes a pointer to the options struct as a set of default options
// and applies the slice of opts as overrides.
func ApplyOpts(opts interface{}, opt ...Option) {
	for _, o := range opt {
		o(opts)
	}
}

// WithExpirySkew provides an optional expiry skew duration for: TokenSet,
// AuthorizationRequest
func WithExpirySkew(d time.Duration) Option {
	return func(o interface{}) {
		switch v := o.(type) {
		case *tokenOptions:
			v.withExpirySkew = d
		case *requestOptions:
			v.withExpirySkew = d
		}
	}
}

// WithLogger provides an optional hclog.Logger for: Client, RequestStore,
// MetadataCache, Exchanger
func WithLogger(l hclog.Logger) Option {
	return func(o interface{}) {
		switch v := o.(type) {
		case *configOptions:
			v.withLogger = l
		case *storeOptions:
			v.withLogger = l
		case *metadataOptions:
			v.withLogger = l
		case *exchangerOptions:
			v.withLogger = l
		case *clientOptions:
			v.withLogger = l
		}
	}
}

// WithClock provides an optional Clock, used to make expiry decisions
// deterministic in tests for: Client, RequestStore, MetadataCache, Exchanger
func WithClock(c Clock) Option {
	return func(o interface{}) {
		switch v := o.(type) {
		case *storeOptions:
			v.withClock = c
		case *metadataOptions:
			v.withClock = c
		case *exchangerOptions:
			v.withClock = c
		case *clientOptions:
			v.withClock = c
		}
	}
}

// WithHTTPClient provides an optional http.Client override for: Client
func WithHTTPClient(c *http.Client) Option {
	return func(o interface{}) {
		if o, ok := o.(*clientOptions); ok {
			o.withHTTPClient = c
		}
	}
}
