// Package store holds the shared state of the identity bridge: one-time
// state tokens, the short-lived profile cache, identity bindings, and local
// user accounts. Each store has an in-memory implementation plus a Redis or
// Postgres backend for multi-instance deployments.
package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/authbridge/authbridge/internal/crypto"
)

// StateTTL is the time-to-live for state tokens. The token only has to
// survive the round trip to the identity provider.
const StateTTL = 10 * time.Minute

// StateCleanupInterval is how often expired state tokens are evicted from memory.
const StateCleanupInterval = 1 * time.Minute

// ErrStateNotFound is returned when a state token is unknown, expired, or
// already consumed.
var ErrStateNotFound = errors.New("store: state token not found")

// StateData is the payload carried by a one-time state token.
type StateData struct {
	RedirectURL   string    `json:"redirect_url"`
	LinkingUserID string    `json:"linking_user_id,omitempty"` // set only for the explicit link flow
	IssuedAt      time.Time `json:"issued_at"`
}

// StateStore issues, verifies, and consumes one-time state tokens.
//
// Verify does not delete: the code exchange can still fail after
// verification, and the token doubles as the profile cache key across the
// redirect to the registration form. Consume must be called exactly once per
// successful terminal outcome so a token can never be redeemed twice.
type StateStore interface {
	Issue(ctx context.Context, redirectURL, linkingUserID string) (string, error)
	Verify(ctx context.Context, token string) (*StateData, error)
	Consume(ctx context.Context, token string) error
}

type stateRecord struct {
	data      StateData
	expiresAt time.Time
}

// MemoryStateStore is an in-memory implementation of StateStore.
type MemoryStateStore struct {
	mu     sync.Mutex
	states map[string]*stateRecord
	ttl    time.Duration
	stopCh chan struct{}
}

// NewMemoryStateStore creates a new in-memory state store.
func NewMemoryStateStore() *MemoryStateStore {
	s := &MemoryStateStore{
		states: make(map[string]*stateRecord),
		ttl:    StateTTL,
		stopCh: make(chan struct{}),
	}

	go s.cleanup()

	return s
}

// Close stops the cleanup goroutine.
func (s *MemoryStateStore) Close() error {
	close(s.stopCh)
	return nil
}

// Issue generates an opaque token and persists the state with an expiry.
func (s *MemoryStateStore) Issue(ctx context.Context, redirectURL, linkingUserID string) (string, error) {
	token, err := crypto.NewStateToken()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.states[token] = &stateRecord{
		data: StateData{
			RedirectURL:   redirectURL,
			LinkingUserID: linkingUserID,
			IssuedAt:      time.Now(),
		},
		expiresAt: time.Now().Add(s.ttl),
	}

	return token, nil
}

// Verify looks up the state without deleting it.
func (s *MemoryStateStore) Verify(ctx context.Context, token string) (*StateData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.states[token]
	if !ok || time.Now().After(rec.expiresAt) {
		return nil, ErrStateNotFound
	}

	data := rec.data
	return &data, nil
}

// Consume deletes the state, making any subsequent Verify fail.
func (s *MemoryStateStore) Consume(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.states[token]; !ok {
		return ErrStateNotFound
	}
	delete(s.states, token)
	return nil
}

// cleanup periodically removes expired state tokens.
func (s *MemoryStateStore) cleanup() {
	ticker := time.NewTicker(StateCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.mu.Lock()
			now := time.Now()
			for token, rec := range s.states {
				if now.After(rec.expiresAt) {
					delete(s.states, token)
				}
			}
			s.mu.Unlock()
		}
	}
}
