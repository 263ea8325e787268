package provider

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lineTestConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		Name:         "line",
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		CallbackURL:  "https://site.example/auth/line/callback",
	}
}

func TestLineAuthURL(t *testing.T) {
	p, err := NewLineProvider(lineTestConfig(t))
	require.NoError(t, err)

	u, err := url.Parse(p.AuthURL("state-token"))
	require.NoError(t, err)

	q := u.Query()
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "client-id", q.Get("client_id"))
	assert.Equal(t, "state-token", q.Get("state"))
	assert.Equal(t, "profile openid email", q.Get("scope"))
}

func TestLineExchangeCode(t *testing.T) {
	var gotForm url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotForm = r.PostForm
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "at-123",
			"token_type":   "Bearer",
			"expires_in":   3600,
			"id_token":     "ignored-here",
		})
	}))
	defer srv.Close()

	cfg := lineTestConfig(t)
	cfg.TokenURL = srv.URL
	p, err := NewLineProvider(cfg)
	require.NoError(t, err)

	tok, err := p.ExchangeCode(context.Background(), "auth-code")
	require.NoError(t, err)
	assert.Equal(t, "at-123", tok.AccessToken)
	assert.Equal(t, "ignored-here", tok.IDToken)

	assert.Equal(t, "authorization_code", gotForm.Get("grant_type"))
	assert.Equal(t, "auth-code", gotForm.Get("code"))
	assert.Equal(t, "client-secret", gotForm.Get("client_secret"))
}

func TestLineExchangeCodeRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	cfg := lineTestConfig(t)
	cfg.TokenURL = srv.URL
	p, err := NewLineProvider(cfg)
	require.NoError(t, err)

	_, err = p.ExchangeCode(context.Background(), "bad-code")
	assert.ErrorIs(t, err, ErrTokenExchange)
}

func TestLineFetchProfileWithEmailClaim(t *testing.T) {
	raw, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	key, err := jwk.FromRaw(raw)
	require.NoError(t, err)
	require.NoError(t, key.Set(jwk.KeyIDKey, "test-key"))
	require.NoError(t, key.Set(jwk.AlgorithmKey, jwa.RS256))

	pub, err := key.PublicKey()
	require.NoError(t, err)
	set := jwk.NewSet()
	require.NoError(t, set.AddKey(pub))

	jwksSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(set)
	}))
	defer jwksSrv.Close()

	now := time.Now()
	idToken, err := jwt.NewBuilder().
		Issuer(LineIssuer).
		Audience([]string{"client-id"}).
		Subject("U123").
		Claim("email", "a@b.com").
		IssuedAt(now).
		Expiration(now.Add(time.Hour)).
		Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(idToken, jwt.WithKey(jwa.RS256, key))
	require.NoError(t, err)

	profileSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer at-123", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]string{
			"userId":      "U123",
			"displayName": "Alice",
			"pictureUrl":  "https://cdn.example/alice.png",
		})
	}))
	defer profileSrv.Close()

	cfg := lineTestConfig(t)
	cfg.UserURL = profileSrv.URL
	cfg.JWKSURL = jwksSrv.URL
	p, err := NewLineProvider(cfg)
	require.NoError(t, err)

	profile, err := p.FetchProfile(context.Background(), &Token{
		AccessToken: "at-123",
		IDToken:     string(signed),
	})
	require.NoError(t, err)

	assert.Equal(t, "U123", profile.UID)
	assert.Equal(t, "line", profile.Provider)
	assert.Equal(t, "Alice", profile.DisplayName)
	assert.Equal(t, "https://cdn.example/alice.png", profile.AvatarURL)
	assert.Equal(t, "a@b.com", profile.Email)
}

func TestLineFetchProfileBadIDTokenNotFatal(t *testing.T) {
	profileSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"userId":      "U123",
			"displayName": "Alice",
		})
	}))
	defer profileSrv.Close()

	cfg := lineTestConfig(t)
	cfg.UserURL = profileSrv.URL
	p, err := NewLineProvider(cfg)
	require.NoError(t, err)

	profile, err := p.FetchProfile(context.Background(), &Token{
		AccessToken: "at-123",
		IDToken:     "not-a-jwt",
	})
	require.NoError(t, err)
	assert.Equal(t, "U123", profile.UID)
	assert.Empty(t, profile.Email)
}

func TestLineFetchProfileEmptyUserID(t *testing.T) {
	profileSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"displayName": "Alice"})
	}))
	defer profileSrv.Close()

	cfg := lineTestConfig(t)
	cfg.UserURL = profileSrv.URL
	p, err := NewLineProvider(cfg)
	require.NoError(t, err)

	_, err = p.FetchProfile(context.Background(), &Token{AccessToken: "at-123"})
	assert.ErrorIs(t, err, ErrProfileFetch)
}
