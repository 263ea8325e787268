package store

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Binding errors. UID/user conflicts are security-invariant violations for
// the calling flow: fatal and non-retryable within the same attempt.
var (
	ErrBindingNotFound   = errors.New("store: binding not found")
	ErrUIDConflict       = errors.New("store: external uid already bound to another user")
	ErrUserAlreadyLinked = errors.New("store: user already has a binding")
)

// Binding is the durable, bijective association between a local user account
// and an external UID. Never updated in place.
type Binding struct {
	UserID      string    `json:"user_id"`
	ExternalUID string    `json:"external_uid"`
	LinkedAt    time.Time `json:"linked_at"`
}

// IdentityRepository maps external UIDs to local user ids, 1:1 in both
// directions.
//
// Create must perform the uniqueness check and the insert atomically — a
// single conditional write, not check-then-insert — so two concurrent
// registrations for the same external UID can never both succeed.
type IdentityRepository interface {
	FindByExternalUID(ctx context.Context, uid string) (string, error)
	FindByLocalUser(ctx context.Context, userID string) (string, error)
	Create(ctx context.Context, userID, uid string) error
	Delete(ctx context.Context, userID string) error
}

// MemoryIdentityRepository is an in-memory implementation of
// IdentityRepository. Both directions of the mapping are maintained under a
// single lock, which makes Create atomic.
type MemoryIdentityRepository struct {
	mu       sync.Mutex
	byUID    map[string]*Binding
	byUserID map[string]*Binding
}

// NewMemoryIdentityRepository creates a new in-memory identity repository.
func NewMemoryIdentityRepository() *MemoryIdentityRepository {
	return &MemoryIdentityRepository{
		byUID:    make(map[string]*Binding),
		byUserID: make(map[string]*Binding),
	}
}

// FindByExternalUID returns the local user id bound to the external uid.
func (r *MemoryIdentityRepository) FindByExternalUID(ctx context.Context, uid string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.byUID[uid]
	if !ok {
		return "", ErrBindingNotFound
	}
	return b.UserID, nil
}

// FindByLocalUser returns the external uid bound to the local user.
func (r *MemoryIdentityRepository) FindByLocalUser(ctx context.Context, userID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.byUserID[userID]
	if !ok {
		return "", ErrBindingNotFound
	}
	return b.ExternalUID, nil
}

// Create binds uid to userID. Check and insert happen under one lock.
func (r *MemoryIdentityRepository) Create(ctx context.Context, userID, uid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byUID[uid]; ok {
		return ErrUIDConflict
	}
	if _, ok := r.byUserID[userID]; ok {
		return ErrUserAlreadyLinked
	}

	b := &Binding{
		UserID:      userID,
		ExternalUID: uid,
		LinkedAt:    time.Now(),
	}
	r.byUID[uid] = b
	r.byUserID[userID] = b
	return nil
}

// Delete unbinds the user's external identity.
func (r *MemoryIdentityRepository) Delete(ctx context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.byUserID[userID]
	if !ok {
		return ErrBindingNotFound
	}
	delete(r.byUserID, userID)
	delete(r.byUID, b.ExternalUID)
	return nil
}
