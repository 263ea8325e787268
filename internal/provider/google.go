package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const (
	// GoogleDefaultAuthURL is Google's OAuth 2.0 authorization endpoint.
	GoogleDefaultAuthURL = "https://accounts.google.com/o/oauth2/v2/auth"
	// GoogleDefaultTokenURL is Google's OAuth 2.0 token endpoint.
	GoogleDefaultTokenURL = "https://oauth2.googleapis.com/token"
	// GoogleDefaultUserURL is Google's user info endpoint.
	GoogleDefaultUserURL = "https://www.googleapis.com/oauth2/v2/userinfo"
)

// GoogleProvider implements the Provider interface for Google OAuth 2.0.
type GoogleProvider struct {
	config Config
}

// NewGoogleProvider creates a new Google provider.
func NewGoogleProvider(cfg Config) (*GoogleProvider, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("google: client_id is required")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("google: client_secret is required")
	}
	if cfg.CallbackURL == "" {
		return nil, fmt.Errorf("google: callback_url is required")
	}

	// Set defaults
	if cfg.AuthURL == "" {
		cfg.AuthURL = GoogleDefaultAuthURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = GoogleDefaultTokenURL
	}
	if cfg.UserURL == "" {
		cfg.UserURL = GoogleDefaultUserURL
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{"openid", "email", "profile"}
	}

	return &GoogleProvider{config: cfg}, nil
}

// GoogleProviderFactory creates a Google provider from config.
func GoogleProviderFactory(cfg Config) (Provider, error) {
	return NewGoogleProvider(cfg)
}

// Name returns the provider identifier (the configured name, not the type).
func (p *GoogleProvider) Name() string {
	return p.config.Name
}

// AuthURL returns the full authorization URL.
func (p *GoogleProvider) AuthURL(state string) string {
	params := url.Values{
		"response_type": {"code"},
		"client_id":     {p.config.ClientID},
		"redirect_uri":  {p.config.CallbackURL},
		"scope":         {strings.Join(p.config.Scopes, " ")},
		"state":         {state},
		"access_type":   {"online"},
	}
	return p.config.AuthURL + "?" + params.Encode()
}

// ExchangeCode exchanges an authorization code for tokens.
func (p *GoogleProvider) ExchangeCode(ctx context.Context, code string) (*Token, error) {
	data := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {p.config.CallbackURL},
		"client_id":     {p.config.ClientID},
		"client_secret": {p.config.ClientSecret},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: creating request: %v", ErrTokenExchange, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenExchange, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrTokenExchange, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: token endpoint returned %d", ErrTokenExchange, resp.StatusCode)
	}

	var tok Token
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, fmt.Errorf("%w: parsing response: %v", ErrTokenExchange, err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("%w: empty access_token", ErrTokenExchange)
	}

	return &tok, nil
}

// googleUserResponse represents Google's user info response structure.
type googleUserResponse struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	VerifiedEmail bool   `json:"verified_email"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
}

// FetchProfile fetches user information from Google.
func (p *GoogleProvider) FetchProfile(ctx context.Context, tok *Token) (*Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.UserURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: creating request: %v", ErrProfileFetch, err)
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProfileFetch, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrProfileFetch, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: user endpoint returned %d", ErrProfileFetch, resp.StatusCode)
	}

	var ur googleUserResponse
	if err := json.Unmarshal(body, &ur); err != nil {
		return nil, fmt.Errorf("%w: parsing response: %v", ErrProfileFetch, err)
	}
	if ur.ID == "" {
		return nil, fmt.Errorf("%w: empty user id", ErrProfileFetch)
	}

	return &Profile{
		UID:         ur.ID,
		Provider:    p.config.Name,
		DisplayName: ur.Name,
		Email:       ur.Email,
		AvatarURL:   ur.Picture,
	}, nil
}

// Scopes returns the OAuth scopes.
func (p *GoogleProvider) Scopes() []string {
	return p.config.Scopes
}
