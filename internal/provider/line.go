package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

const (
	// LineDefaultAuthURL is LINE Login's OAuth 2.0 authorization endpoint.
	LineDefaultAuthURL = "https://access.line.me/oauth2/v2.1/authorize"
	// LineDefaultTokenURL is LINE Login's OAuth 2.0 token endpoint.
	LineDefaultTokenURL = "https://api.line.me/oauth2/v2.1/token"
	// LineDefaultUserURL is LINE's profile endpoint.
	LineDefaultUserURL = "https://api.line.me/v2/profile"
	// LineDefaultJWKSURL is LINE's JWKS endpoint for id_token verification.
	LineDefaultJWKSURL = "https://api.line.me/oauth2/v2.1/certs"
	// LineIssuer is the expected iss claim in LINE id_tokens.
	LineIssuer = "https://access.line.me"
)

// LineProvider implements the Provider interface for LINE Login.
//
// LINE's profile endpoint does not expose the user's email address; it is
// only present as a claim in the id_token returned by the token endpoint, so
// FetchProfile parses the id_token to recover it.
type LineProvider struct {
	config Config
}

// NewLineProvider creates a new LINE provider.
func NewLineProvider(cfg Config) (*LineProvider, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("line: client_id is required")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("line: client_secret is required")
	}
	if cfg.CallbackURL == "" {
		return nil, fmt.Errorf("line: callback_url is required")
	}

	// Set defaults
	if cfg.AuthURL == "" {
		cfg.AuthURL = LineDefaultAuthURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = LineDefaultTokenURL
	}
	if cfg.UserURL == "" {
		cfg.UserURL = LineDefaultUserURL
	}
	if cfg.JWKSURL == "" {
		cfg.JWKSURL = LineDefaultJWKSURL
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{"profile", "openid", "email"}
	}

	return &LineProvider{config: cfg}, nil
}

// LineProviderFactory creates a LINE provider from config.
func LineProviderFactory(cfg Config) (Provider, error) {
	return NewLineProvider(cfg)
}

// Name returns the provider identifier (the configured name, not the type).
func (p *LineProvider) Name() string {
	return p.config.Name
}

// AuthURL returns the full authorization URL.
func (p *LineProvider) AuthURL(state string) string {
	params := url.Values{
		"response_type": {"code"},
		"client_id":     {p.config.ClientID},
		"redirect_uri":  {p.config.CallbackURL},
		"scope":         {strings.Join(p.config.Scopes, " ")},
		"state":         {state},
	}
	return p.config.AuthURL + "?" + params.Encode()
}

// ExchangeCode exchanges an authorization code for tokens.
func (p *LineProvider) ExchangeCode(ctx context.Context, code string) (*Token, error) {
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

// lineProfileResponse represents LINE's profile endpoint response structure.
type lineProfileResponse struct {
	UserID        string `json:"userId"`
	DisplayName   string `json:"displayName"`
	PictureURL    string `json:"pictureUrl"`
	StatusMessage string `json:"statusMessage"`
}

// FetchProfile fetches user information from LINE.
func (p *LineProvider) FetchProfile(ctx context.Context, tok *Token) (*Profile, error) {
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
		return nil, fmt.Errorf("%w: profile endpoint returned %d", ErrProfileFetch, resp.StatusCode)
	}

	var pr lineProfileResponse
	if err := json.Unmarshal(body, &pr); err != nil {
		return nil, fmt.Errorf("%w: parsing response: %v", ErrProfileFetch, err)
	}
	if pr.UserID == "" {
		return nil, fmt.Errorf("%w: empty userId", ErrProfileFetch)
	}

	profile := &Profile{
		UID:         pr.UserID,
		Provider:    p.config.Name,
		DisplayName: pr.DisplayName,
		AvatarURL:   pr.PictureURL,
	}

	// Email only exists in the id_token. Failure to parse it is not fatal:
	// the registration form collects the email when the claim is absent.
	if tok.IDToken != "" {
		if email, err := p.emailFromIDToken(ctx, tok.IDToken); err == nil {
			profile.Email = email
		}
	}

	return profile, nil
}

// emailFromIDToken parses the id_token and returns its email claim.
// The token arrived directly from the token endpoint over TLS, so signature
// verification is only performed when a JWKS endpoint is configured.
func (p *LineProvider) emailFromIDToken(ctx context.Context, idToken string) (string, error) {
	opts := []jwt.ParseOption{
		jwt.WithIssuer(LineIssuer),
		jwt.WithAudience(p.config.ClientID),
		jwt.WithValidate(true),
	}

	if p.config.JWKSURL != "" {
		set, err := jwk.Fetch(ctx, p.config.JWKSURL)
		if err != nil {
			return "", fmt.Errorf("fetching JWKS: %w", err)
		}
		opts = append(opts, jwt.WithKeySet(set))
	} else {
		opts = append(opts, jwt.WithVerify(false))
	}

	parsed, err := jwt.Parse([]byte(idToken), opts...)
	if err != nil {
		return "", fmt.Errorf("parsing id_token: %w", err)
	}

	email, ok := parsed.Get("email")
	if !ok {
		return "", fmt.Errorf("id_token has no email claim")
	}
	s, _ := email.(string)
	return s, nil
}

// Scopes returns the OAuth scopes.
func (p *LineProvider) Scopes() []string {
	return p.config.Scopes
}
