package store

import (
	"context"
	"errors"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/authbridge/authbridge/internal/provider"
)

// ProfileCacheTTL is how long a fetched external profile is held across the
// redirect to the registration or link-confirmation form.
const ProfileCacheTTL = 600 * time.Second

// ErrCacheExpired is returned when a cached profile is gone; the user has to
// restart from the authorize step.
var ErrCacheExpired = errors.New("store: profile cache entry expired")

// CacheEntry bridges the redirect boundary between the provider callback and
// the follow-up form submission, keyed by the state token.
type CacheEntry struct {
	Profile  provider.Profile `json:"profile"`
	State    StateData        `json:"state"`
	CachedAt time.Time        `json:"cached_at"`
}

// ProfileCache is a short-lived, single-consumer store for fetched external
// profiles.
//
// Take reads without deleting. Callers delete explicitly on success and on
// fatal failures, and leave the entry intact on recoverable validation
// errors so the provider round trip need not repeat. The take-then-delete
// pair is deliberately non-atomic: a state token is held by exactly one
// browser tab.
type ProfileCache interface {
	Put(ctx context.Context, token string, entry *CacheEntry) error
	Take(ctx context.Context, token string) (*CacheEntry, error)
	Delete(ctx context.Context, token string) error
}

// MemoryProfileCache is an in-memory implementation of ProfileCache.
type MemoryProfileCache struct {
	c *gocache.Cache
}

// NewMemoryProfileCache creates a new in-memory profile cache.
func NewMemoryProfileCache() *MemoryProfileCache {
	return &MemoryProfileCache{c: gocache.New(ProfileCacheTTL, time.Minute)}
}

// Put stores the entry, overwriting any previous one for the same token.
func (m *MemoryProfileCache) Put(ctx context.Context, token string, entry *CacheEntry) error {
	entry.CachedAt = time.Now()
	m.c.Set(token, entry, ProfileCacheTTL)
	return nil
}

// Take reads the entry without deleting it.
func (m *MemoryProfileCache) Take(ctx context.Context, token string) (*CacheEntry, error) {
	v, ok := m.c.Get(token)
	if !ok {
		return nil, ErrCacheExpired
	}
	entry, ok := v.(*CacheEntry)
	if !ok {
		return nil, ErrCacheExpired
	}
	return entry, nil
}

// Delete invalidates the entry.
func (m *MemoryProfileCache) Delete(ctx context.Context, token string) error {
	m.c.Delete(token)
	return nil
}
