package store

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/authbridge/authbridge/internal/crypto"
)

// DefaultRole is assigned to accounts provisioned through the OAuth flow.
const DefaultRole = "subscriber"

// User errors.
var (
	ErrUserNotFound  = errors.New("store: user not found")
	ErrUsernameTaken = errors.New("store: username taken")
	ErrEmailTaken    = errors.New("store: email taken")
)

// User is a local account. Accounts created by the OAuth flow get a random
// unusable password so they can only sign in through the provider until a
// password reset.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"display_name,omitempty"`
	AvatarURL    string    `json:"avatar_url,omitempty"`
	Role         string    `json:"role"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// UserRepository is the collaborator owning local accounts. This core only
// creates, looks up by email or id, saves synced profile fields, and checks
// username collisions.
type UserRepository interface {
	Create(ctx context.Context, u *User) error
	FindByID(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	UsernameExists(ctx context.Context, name string) (bool, error)
	SaveProfile(ctx context.Context, u *User) error
}

// NewProvisionedUser builds a User for the registration flow: fresh uuid,
// default role, random unusable password.
func NewProvisionedUser(username, email string) (*User, error) {
	pw, err := crypto.GenerateRandomString(32)
	if err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	return &User{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        strings.ToLower(email),
		Role:         DefaultRole,
		PasswordHash: string(hash),
		CreatedAt:    time.Now(),
	}, nil
}

// MemoryUserRepository is an in-memory implementation of UserRepository.
type MemoryUserRepository struct {
	mu      sync.RWMutex
	byID    map[string]*User
	byEmail map[string]string // lowercased email -> id
	byName  map[string]string // username -> id
}

// NewMemoryUserRepository creates a new in-memory user repository.
func NewMemoryUserRepository() *MemoryUserRepository {
	return &MemoryUserRepository{
		byID:    make(map[string]*User),
		byEmail: make(map[string]string),
		byName:  make(map[string]string),
	}
}

// Create inserts the user, rejecting username and email collisions.
func (r *MemoryUserRepository) Create(ctx context.Context, u *User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byName[u.Username]; ok {
		return ErrUsernameTaken
	}
	email := strings.ToLower(u.Email)
	if _, ok := r.byEmail[email]; ok {
		return ErrEmailTaken
	}

	cp := *u
	r.byID[u.ID] = &cp
	r.byEmail[email] = u.ID
	r.byName[u.Username] = u.ID
	return nil
}

// FindByID returns the user with the given id.
func (r *MemoryUserRepository) FindByID(ctx context.Context, id string) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.byID[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

// FindByEmail returns the user with the given email, case-insensitively.
func (r *MemoryUserRepository) FindByEmail(ctx context.Context, email string) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byEmail[strings.ToLower(email)]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *r.byID[id]
	return &cp, nil
}

// UsernameExists reports whether the username is taken.
func (r *MemoryUserRepository) UsernameExists(ctx context.Context, name string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.byName[name]
	return ok, nil
}

// SaveProfile persists synced profile fields (display name, email, avatar).
func (r *MemoryUserRepository) SaveProfile(ctx context.Context, u *User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.byID[u.ID]
	if !ok {
		return ErrUserNotFound
	}

	if !strings.EqualFold(stored.Email, u.Email) {
		delete(r.byEmail, strings.ToLower(stored.Email))
		r.byEmail[strings.ToLower(u.Email)] = u.ID
	}
	stored.DisplayName = u.DisplayName
	stored.Email = strings.ToLower(u.Email)
	stored.AvatarURL = u.AvatarURL
	return nil
}
