package service

import "context"

// SessionManager establishes the local authenticated session after a
// successful flow and reports the currently authenticated user. The HTTP
// layer provides a request-bound implementation.
type SessionManager interface {
	// Establish records userID as the authenticated user.
	Establish(ctx context.Context, userID string) error

	// CurrentUserID returns the authenticated user id, if any.
	CurrentUserID(ctx context.Context) (string, bool)
}
