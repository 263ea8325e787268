package middleware

import (
	"context"
	"net/http"

	"github.com/gorilla/sessions"

	"github.com/authbridge/authbridge/internal/config"
	"github.com/authbridge/authbridge/internal/crypto"
)

// sessionContextKey is the context key for the session.
type sessionContextKey struct{}

// SessionName is the name of the session cookie.
const SessionName = "authbridge-session"

// Session data keys (using snake_case for consistency).
const (
	SessionKeyUserID = "user_id"
	SessionKeyNonce  = "form_nonce"
)

// SessionMaxAge is the maximum age of a session cookie (24 hours).
const SessionMaxAge = 86400

// NewSessionStore creates a new cookie-backed session store.
func NewSessionStore(cfg *config.Config) (sessions.Store, error) {
	store := sessions.NewCookieStore([]byte(cfg.SessionSecret))

	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   SessionMaxAge,
		HttpOnly: true,
		Secure:   cfg.SessionSecureCookie,
		SameSite: http.SameSiteLaxMode,
	}

	return store, nil
}

// Session returns a middleware that manages sessions.
func Session(store sessions.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			session, _ := store.Get(r, SessionName)
			ctx := context.WithValue(r.Context(), sessionContextKey{}, session)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetSession retrieves the session from the request context.
func GetSession(r *http.Request) *sessions.Session {
	session, ok := r.Context().Value(sessionContextKey{}).(*sessions.Session)
	if !ok {
		return nil
	}
	return session
}

// RequestSession binds the gorilla session to one request/response pair and
// implements the session operations the flow needs.
type RequestSession struct {
	w http.ResponseWriter
	r *http.Request
}

// NewRequestSession creates the request-bound session adapter.
func NewRequestSession(w http.ResponseWriter, r *http.Request) *RequestSession {
	return &RequestSession{w: w, r: r}
}

// Establish records userID as the authenticated user.
func (s *RequestSession) Establish(ctx context.Context, userID string) error {
	session := GetSession(s.r)
	if session == nil {
		return http.ErrNoCookie
	}
	session.Values[SessionKeyUserID] = userID
	return session.Save(s.r, s.w)
}

// CurrentUserID returns the authenticated user id, if any.
func (s *RequestSession) CurrentUserID(ctx context.Context) (string, bool) {
	session := GetSession(s.r)
	if session == nil {
		return "", false
	}
	userID, _ := session.Values[SessionKeyUserID].(string)
	return userID, userID != ""
}

// IssueNonce stores a fresh CSRF nonce in the session and returns it for
// embedding in the registration/link form payload.
func (s *RequestSession) IssueNonce() (string, error) {
	session := GetSession(s.r)
	if session == nil {
		return "", http.ErrNoCookie
	}
	nonce, err := crypto.NewNonce()
	if err != nil {
		return "", err
	}
	session.Values[SessionKeyNonce] = nonce
	if err := session.Save(s.r, s.w); err != nil {
		return "", err
	}
	return nonce, nil
}

// VerifyNonce compares the submitted nonce against the session's in constant
// time and clears it so each nonce is single-use.
func (s *RequestSession) VerifyNonce(submitted string) bool {
	session := GetSession(s.r)
	if session == nil {
		return false
	}
	expected, _ := session.Values[SessionKeyNonce].(string)
	if expected == "" || submitted == "" {
		return false
	}
	delete(session.Values, SessionKeyNonce)
	_ = session.Save(s.r, s.w)
	return crypto.SecureCompare(expected, submitted)
}
