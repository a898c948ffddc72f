package oidc

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
)

const (
	// MinStateLength is the smallest state value GenerateState will produce.
	MinStateLength = 32

	// DefaultStateLength is used by the Client when composing redirects.
	DefaultStateLength = 40

	// DefaultStateTTL bounds how long a pending authorization request stays
	// retrievable.
	DefaultStateTTL = 10 * time.Minute

	// DefaultRequestExpirySkew defines a default time skew when checking an
	// AuthorizationRequest's expiration.
	DefaultRequestExpirySkew = 1 * time.Second

	// requestKeyPrefix namespaces AuthorizationRequest entries within the
	// injected SessionStorage.
	requestKeyPrefix = "oidc_authreq_"
)

// AuthorizationRequest represents one pending authorization code flow: the
// anti-CSRF state value and the PKCE data bound to it. It is owned by the
// RequestStore from Store until the first successful consuming Retrieve or
// TTL expiry.
type AuthorizationRequest struct {
	State           string          `json:"state"`
	CodeVerifier    string          `json:"code_verifier,omitempty"`
	CodeChallenge   string          `json:"code_challenge,omitempty"`
	ChallengeMethod ChallengeMethod `json:"challenge_method,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	ExpiresAt       time.Time       `json:"expires_at"`
}

// IsExpired returns true if the request has expired. Supports the
// WithExpirySkew option and if none is provided it will use the
// DefaultRequestExpirySkew.
func (r *AuthorizationRequest) IsExpired(now time.Time, opt ...Option) bool {
	opts := getRequestOpts(opt...)
	return r.ExpiresAt.Before(now.Add(opts.withExpirySkew))
}

// RequestStore generates, persists and one-time-consumes anti-CSRF state
// values, each carrying its bound PKCE data. Entries are written under a
// one-way hash of the state value so the storage keyspace never holds
// guessable live states, and may additionally be encrypted at rest.
//
// Consumption is "first successful read wins": when two callbacks race on
// the same state, at most one observes the entry. State values are
// single-use and unguessable, so no further mutual exclusion is required.
type RequestStore struct {
	storage   SessionStorage
	encryptor *Encryptor
	clock     Clock
	logger    hclog.Logger
}

// NewRequestStore creates a RequestStore on top of the injected storage.
// Supported options: WithClock, WithLogger, WithStorageEncryption
func NewRequestStore(storage SessionStorage, opt ...Option) (*RequestStore, error) {
	const op = "oidc.NewRequestStore"
	if storage == nil {
		return nil, fmt.Errorf("%s: session storage is nil: %w", op, ErrNilParameter)
	}
	opts := getStoreOpts(opt...)
	encryptor, err := NewEncryptor(opts.withStorageSecret)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create encryptor: %w", op, err)
	}
	return &RequestStore{
		storage:   storage,
		encryptor: encryptor,
		clock:     opts.withClock,
		logger:    opts.withLogger,
	}, nil
}

// GenerateState returns a cryptographically secure random state value of
// exactly length characters. length must be at least MinStateLength.
func (s *RequestStore) GenerateState(length int) (string, error) {
	const op = "RequestStore.GenerateState"
	if length < MinStateLength {
		return "", fmt.Errorf("%s: length %d is below the minimum of %d: %w",
			op, length, MinStateLength, ErrInvalidParameter)
	}
	state, err := randomString(length)
	if err != nil {
		return "", fmt.Errorf("%s: unable to generate state: %w", op, err)
	}
	return state, nil
}

// Store persists the request under a hashed key for ttl. The request's
// CreatedAt and ExpiresAt are stamped here so the stored record and the
// storage TTL always agree.
func (s *RequestStore) Store(ctx context.Context, req *AuthorizationRequest, ttl time.Duration) error {
	const op = "RequestStore.Store"
	if req == nil {
		return fmt.Errorf("%s: authorization request is nil: %w", op, ErrNilParameter)
	}
	if req.State == "" {
		return fmt.Errorf("%s: state is empty: %w", op, ErrInvalidParameter)
	}
	if ttl <= 0 {
		return fmt.Errorf("%s: ttl is not greater than zero: %w", op, ErrInvalidParameter)
	}
	now := s.clock.Now()
	req.CreatedAt = now
	req.ExpiresAt = now.Add(ttl)

	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("%s: unable to encode request: %w", op, err)
	}
	payload, err := s.encryptor.Encrypt(string(data))
	if err != nil {
		return fmt.Errorf("%s: unable to encrypt request: %w", op, err)
	}
	if err := s.storage.Put(ctx, requestKey(req.State), payload, ttl); err != nil {
		return fmt.Errorf("%s: unable to write request: %w", op, err)
	}
	return nil
}

// Retrieve looks a request up by its hashed key. It reports ErrStateNotFound
// when the entry is absent, corrupted, or fails a constant-time match
// against the lookup value, and ErrExpiredState when it exists but has
// passed its expiry. When consume is true the entry is deleted before it is
// returned, making it single-use.
func (s *RequestStore) Retrieve(ctx context.Context, state string, consume bool) (*AuthorizationRequest, error) {
	const op = "RequestStore.Retrieve"
	if state == "" {
		return nil, fmt.Errorf("%s: state is empty: %w", op, ErrInvalidParameter)
	}
	key := requestKey(state)
	payload, ok, err := s.storage.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to read request: %w", op, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, ErrStateNotFound)
	}
	req, err := s.decode(payload)
	if err != nil {
		// corrupted and malformed records are treated as not found, and the
		// invalid record is removed
		_ = s.storage.Delete(ctx, key)
		s.logger.Debug("removed undecodable authorization request record")
		return nil, fmt.Errorf("%s: %w", op, ErrStateNotFound)
	}
	if subtle.ConstantTimeCompare([]byte(req.State), []byte(state)) != 1 {
		return nil, fmt.Errorf("%s: %w", op, ErrStateNotFound)
	}
	if req.IsExpired(s.clock.Now()) {
		_ = s.storage.Delete(ctx, key)
		return nil, fmt.Errorf("%s: %w", op, ErrExpiredState)
	}
	if consume {
		if err := s.storage.Delete(ctx, key); err != nil {
			return nil, fmt.Errorf("%s: unable to consume request: %w", op, err)
		}
	}
	return req, nil
}

// RetrievePKCE reads the PKCE data bound to state without consuming the
// entry, for callers that must inspect it mid-flow before validating state.
func (s *RequestStore) RetrievePKCE(ctx context.Context, state string) (*AuthorizationRequest, error) {
	return s.Retrieve(ctx, state, false)
}

// Sweep removes every expired request entry and returns how many were
// removed.
func (s *RequestStore) Sweep(ctx context.Context) (int, error) {
	const op = "RequestStore.Sweep"
	keys, err := s.storage.Keys(ctx, requestKeyPrefix)
	if err != nil {
		return 0, fmt.Errorf("%s: unable to list requests: %w", op, err)
	}
	var errs *multierror.Error
	removed := 0
	now := s.clock.Now()
	for _, key := range keys {
		payload, ok, err := s.storage.Get(ctx, key)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: unable to read %q: %w", op, key, err))
			continue
		}
		if !ok {
			continue
		}
		req, err := s.decode(payload)
		if err != nil || req.IsExpired(now) {
			if err := s.storage.Delete(ctx, key); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("%s: unable to remove %q: %w", op, key, err))
				continue
			}
			removed++
		}
	}
	return removed, errs.ErrorOrNil()
}

// ClearAll removes every request entry for the current session, used on
// logout.
func (s *RequestStore) ClearAll(ctx context.Context) error {
	const op = "RequestStore.ClearAll"
	keys, err := s.storage.Keys(ctx, requestKeyPrefix)
	if err != nil {
		return fmt.Errorf("%s: unable to list requests: %w", op, err)
	}
	var errs *multierror.Error
	for _, key := range keys {
		if err := s.storage.Delete(ctx, key); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: unable to remove %q: %w", op, key, err))
		}
	}
	return errs.ErrorOrNil()
}

func (s *RequestStore) decode(payload string) (*AuthorizationRequest, error) {
	plaintext, err := s.encryptor.Decrypt(payload)
	if err != nil {
		return nil, err
	}
	var req AuthorizationRequest
	if err := json.Unmarshal([]byte(plaintext), &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// requestKey derives the storage key from a one-way hash of the state value
// so live state values never appear in the keyspace.
func requestKey(state string) string {
	sum := sha256.Sum256([]byte(state))
	return requestKeyPrefix + hex.EncodeToString(sum[:])
}

// requestOptions is the set of available options for AuthorizationRequest
// functions
type requestOptions struct {
	withExpirySkew time.Duration
}

func requestDefaults() requestOptions {
	return requestOptions{
		withExpirySkew: DefaultRequestExpirySkew,
	}
}

func getRequestOpts(opt ...Option) requestOptions {
	opts := requestDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// storeOptions is the set of available options for RequestStore functions
type storeOptions struct {
	withClock         Clock
	withLogger        hclog.Logger
	withStorageSecret []byte
}

func storeDefaults() storeOptions {
	return storeOptions{
		withClock:  SystemClock,
		withLogger: hclog.NewNullLogger(),
	}
}

func getStoreOpts(opt ...Option) storeOptions {
	opts := storeDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithStorageEncryption provides an optional secret; when present, stored
// payloads are encrypted at rest with a key derived from it. Supported by:
// NewRequestStore, NewConfig
func WithStorageEncryption(secret []byte) Option {
	return func(o interface{}) {
		switch v := o.(type) {
		case *storeOptions:
			v.withStorageSecret = secret
		case *configOptions:
			v.withStorageSecret = secret
		}
	}
}
