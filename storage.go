package oidc

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Clock abstracts time for expiry comparisons so tests can be deterministic.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the Clock used when none is injected.
var SystemClock Clock = systemClock{}

// SessionStorage is the session-scoped key/value store the core persists
// AuthorizationRequest and TokenSet entries into. A ttl <= 0 means the entry
// does not expire on its own. Implementations must treat expired entries as
// absent.
type SessionStorage interface {
	// Get returns the value for key, reporting false when the key is absent
	// or expired.
	Get(ctx context.Context, key string) (string, bool, error)

	// Put writes value under key with the given ttl.
	Put(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys returns all live keys with the given prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Cache is the process-wide store for provider metadata, shared across
// sessions. A ttl <= 0 means the entry does not expire on its own.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Put(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type memoryEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// MemoryStorage is an in-memory SessionStorage and Cache implementation.
// Expired entries are dropped lazily on read. It is safe for concurrent use.
type MemoryStorage struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	clock   Clock
}

// ensure MemoryStorage satisfies both injected-store contracts
var (
	_ SessionStorage = (*MemoryStorage)(nil)
	_ Cache          = (*MemoryStorage)(nil)
)

// NewMemoryStorage creates an empty MemoryStorage. A nil clock means
// SystemClock.
func NewMemoryStorage(clock Clock) *MemoryStorage {
	if clock == nil {
		clock = SystemClock
	}
	return &MemoryStorage{
		entries: map[string]memoryEntry{},
		clock:   clock,
	}
}

// Get implements SessionStorage.Get and Cache.Get
func (m *MemoryStorage) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return "", false, nil
	}
	if m.expired(e) {
		delete(m.entries, key)
		return "", false, nil
	}
	return e.value, true, nil
}

// Put implements SessionStorage.Put and Cache.Put
func (m *MemoryStorage) Put(_ context.Context, key, value string, ttl time.Duration) error {
	const op = "MemoryStorage.Put"
	if key == "" {
		return fmt.Errorf("%s: key is empty: %w", op, ErrInvalidParameter)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e := memoryEntry{value: value}
	if ttl > 0 {
		e.expiresAt = m.clock.Now().Add(ttl)
	}
	m.entries[key] = e
	return nil
}

// Delete implements SessionStorage.Delete and Cache.Delete
func (m *MemoryStorage) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// Keys implements SessionStorage.Keys
func (m *MemoryStorage) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k, e := range m.entries {
		if m.expired(e) {
			delete(m.entries, k)
			continue
		}
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Len returns the number of live entries.
func (m *MemoryStorage) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if !m.expired(e) {
			n++
		}
	}
	return n
}

func (m *MemoryStorage) expired(e memoryEntry) bool {
	return !e.expiresAt.IsZero() && e.expiresAt.Before(m.clock.Now())
}
