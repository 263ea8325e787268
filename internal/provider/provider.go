// Package provider defines the interface and registry for OAuth 2.0 identity providers.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"
)

// RequestTimeout bounds the two outbound calls to the identity provider.
// A timeout is reported as ErrTokenExchange / ErrProfileFetch by the callers.
const RequestTimeout = 10 * time.Second

// Sentinel errors for the two outbound provider calls. Both are fatal and
// non-retryable within the current request.
var (
	ErrTokenExchange = errors.New("provider: token exchange failed")
	ErrProfileFetch  = errors.New("provider: profile fetch failed")
)

// Profile holds normalized user information from any OAuth provider.
// It is read-only data sourced from the provider and must never drive an
// authorization decision without cross-checking against the profile cache.
type Profile struct {
	UID         string `json:"uid"`      // Unique ID from provider
	Provider    string `json:"provider"` // Provider name (e.g., "line", "github")
	DisplayName string `json:"display_name,omitempty"`
	Email       string `json:"email,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// Token holds the tokens returned from an OAuth provider's token endpoint.
type Token struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
	IDToken      string `json:"id_token,omitempty"` // For OIDC providers like LINE and Google
}

// Config holds the configuration for an OAuth provider.
type Config struct {
	Name         string   // Unique provider identifier, used in URLs (e.g., "line")
	Type         string   // Provider type for factory lookup (defaults to Name if empty)
	ClientID     string   // OAuth client ID
	ClientSecret string   // OAuth client secret
	CallbackURL  string   // OAuth callback URL
	AuthURL      string   // Authorization endpoint (optional, uses default if empty)
	TokenURL     string   // Token endpoint (optional, uses default if empty)
	UserURL      string   // User info endpoint (optional, uses default if empty)
	JWKSURL      string   // JWKS endpoint for id_token verification (optional)
	Scopes       []string // OAuth scopes (optional, uses default if empty)
}

// Provider defines the interface for an OAuth 2.0 identity provider.
type Provider interface {
	// Name returns the provider identifier (e.g., "line", "github").
	Name() string

	// AuthURL returns the full authorization URL with all required parameters.
	// Pure construction, no I/O. state is the one-time correlation token.
	AuthURL(state string) string

	// ExchangeCode exchanges an authorization code for tokens.
	// Any non-2xx response or malformed body wraps ErrTokenExchange.
	ExchangeCode(ctx context.Context, code string) (*Token, error)

	// FetchProfile fetches normalized user information using the tokens.
	// Any non-2xx response or malformed body wraps ErrProfileFetch.
	FetchProfile(ctx context.Context, tok *Token) (*Profile, error)

	// Scopes returns the OAuth scopes this provider requests.
	Scopes() []string
}

// httpClient is shared by all providers so the outbound timeout is enforced
// even when the caller passes a background context.
var httpClient = &http.Client{Timeout: RequestTimeout}

// Factory is a function that creates a Provider from a Config.
type Factory func(cfg Config) (Provider, error)

// Registry manages registered OAuth providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	factories map[string]Factory
}

// NewRegistry creates a new provider registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		factories: make(map[string]Factory),
	}
}

// RegisterFactory registers a provider factory for a given provider type.
func (r *Registry) RegisterFactory(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Register registers a provider instance.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns a provider by name, or nil if not registered.
func (r *Registry) Get(name string) Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.providers[name]
}

// List returns all registered provider names in sorted order for deterministic behavior.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CreateFromConfig creates and registers a provider from configuration.
// The Type field is used to look up the factory, while Name is used as the
// provider identifier.
func (r *Registry) CreateFromConfig(cfg Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	factoryType := cfg.Type
	if factoryType == "" {
		factoryType = cfg.Name
	}

	factory, ok := r.factories[factoryType]
	if !ok {
		return fmt.Errorf("unknown provider type: %s", factoryType)
	}

	p, err := factory(cfg)
	if err != nil {
		return fmt.Errorf("creating provider %s: %w", cfg.Name, err)
	}

	r.providers[cfg.Name] = p
	return nil
}
