package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const (
	// GitHubDefaultAuthURL is GitHub's OAuth 2.0 authorization endpoint.
	GitHubDefaultAuthURL = "https://github.com/login/oauth/authorize"
	// GitHubDefaultTokenURL is GitHub's OAuth 2.0 token endpoint.
	GitHubDefaultTokenURL = "https://github.com/login/oauth/access_token"
	// GitHubDefaultUserURL is GitHub's user info endpoint.
	GitHubDefaultUserURL = "https://api.github.com/user"
)

// GitHubProvider implements the Provider interface for GitHub OAuth 2.0.
type GitHubProvider struct {
	config Config
}

// NewGitHubProvider creates a new GitHub provider.
func NewGitHubProvider(cfg Config) (*GitHubProvider, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("github: client_id is required")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("github: client_secret is required")
	}
	if cfg.CallbackURL == "" {
		return nil, fmt.Errorf("github: callback_url is required")
	}

	// Set defaults
	if cfg.AuthURL == "" {
		cfg.AuthURL = GitHubDefaultAuthURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = GitHubDefaultTokenURL
	}
	if cfg.UserURL == "" {
		cfg.UserURL = GitHubDefaultUserURL
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{"read:user", "user:email"}
	}

	return &GitHubProvider{config: cfg}, nil
}

// GitHubProviderFactory creates a GitHub provider from config.
func GitHubProviderFactory(cfg Config) (Provider, error) {
	return NewGitHubProvider(cfg)
}

// Name returns the provider identifier (the configured name, not the type).
func (p *GitHubProvider) Name() string {
	return p.config.Name
}

// AuthURL returns the full authorization URL.
func (p *GitHubProvider) AuthURL(state string) string {
	params := url.Values{
		"client_id":    {p.config.ClientID},
		"redirect_uri": {p.config.CallbackURL},
		"scope":        {strings.Join(p.config.Scopes, " ")},
		"state":        {state},
	}
	return p.config.AuthURL + "?" + params.Encode()
}

// ExchangeCode exchanges an authorization code for tokens.
func (p *GitHubProvider) ExchangeCode(ctx context.Context, code string) (*Token, error) {
	data := url.Values{
		"client_id":     {p.config.ClientID},
		"client_secret": {p.config.ClientSecret},
		"code":          {code},
		"redirect_uri":  {p.config.CallbackURL},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: creating request: %v", ErrTokenExchange, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

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

// githubUserResponse represents GitHub's user info response structure.
type githubUserResponse struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
}

// FetchProfile fetches user information from GitHub.
func (p *GitHubProvider) FetchProfile(ctx context.Context, tok *Token) (*Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.UserURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: creating request: %v", ErrProfileFetch, err)
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	req.Header.Set("Accept", "application/vnd.github+json")

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

	var ur githubUserResponse
	if err := json.Unmarshal(body, &ur); err != nil {
		return nil, fmt.Errorf("%w: parsing response: %v", ErrProfileFetch, err)
	}
	if ur.ID == 0 {
		return nil, fmt.Errorf("%w: empty user id", ErrProfileFetch)
	}

	name := ur.Name
	if name == "" {
		name = ur.Login
	}

	return &Profile{
		UID:         strconv.FormatInt(ur.ID, 10),
		Provider:    p.config.Name,
		DisplayName: name,
		Email:       ur.Email,
		AvatarURL:   ur.AvatarURL,
	}, nil
}

// Scopes returns the OAuth scopes.
func (p *GitHubProvider) Scopes() []string {
	return p.config.Scopes
}
