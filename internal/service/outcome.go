// Package service contains the callback orchestration: the state machine
// that reconciles an external OAuth identity with a local account, plus the
// profile sync policy and session plumbing it depends on.
package service

import (
	"errors"

	"github.com/authbridge/authbridge/internal/provider"
)

// Flow errors beyond the ones defined by the provider and store packages.
// StateInvalid, UserMismatch, and UIDTampered are security-invariant
// violations: fatal, non-retryable within the attempt, cache invalidated.
// Validation is recoverable and leaves the cache intact.
var (
	ErrStateInvalid       = errors.New("flow: state token invalid or expired")
	ErrUserMismatch       = errors.New("flow: state token was issued for a different user")
	ErrUIDTampered        = errors.New("flow: submitted uid does not match cached profile")
	ErrValidation         = errors.New("flow: invalid form input")
	ErrEmailAlreadyLinked = errors.New("flow: account with this email is linked to a different identity")
	ErrAccountCreation    = errors.New("flow: account creation failed")
	ErrBindingCreation    = errors.New("flow: binding creation failed")
)

// OutcomeKind discriminates the orchestrator's typed result. The dispatcher
// matches on it instead of catching control-flow exceptions.
type OutcomeKind int

const (
	// OutcomeLoggedIn means a session was established; redirect the user.
	OutcomeLoggedIn OutcomeKind = iota
	// OutcomeNeedsRegistration pauses the flow so the caller can render the
	// registration form. Nothing has been committed yet.
	OutcomeNeedsRegistration
	// OutcomeNeedsLinkConfirmation pauses the flow so the caller can render
	// the link-confirmation screen. Nothing has been committed yet.
	OutcomeNeedsLinkConfirmation
	// OutcomeError is a terminal failure; Err carries the taxonomy sentinel.
	OutcomeError
)

// String returns the outcome kind name for logging.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeLoggedIn:
		return "logged_in"
	case OutcomeNeedsRegistration:
		return "needs_registration"
	case OutcomeNeedsLinkConfirmation:
		return "needs_link_confirmation"
	case OutcomeError:
		return "error"
	default:
		return "unknown"
	}
}

// Outcome is the orchestrator's tagged result.
type Outcome struct {
	Kind        OutcomeKind
	UserID      string            // set for LoggedIn
	RedirectURL string            // set for LoggedIn
	Profile     *provider.Profile // set for NeedsRegistration / NeedsLinkConfirmation
	State       string            // set for NeedsRegistration / NeedsLinkConfirmation
	Err         error             // set for Error
}

func loggedIn(userID, redirectURL string) Outcome {
	return Outcome{Kind: OutcomeLoggedIn, UserID: userID, RedirectURL: redirectURL}
}

func needsRegistration(p *provider.Profile, state string) Outcome {
	return Outcome{Kind: OutcomeNeedsRegistration, Profile: p, State: state}
}

func needsLinkConfirmation(p *provider.Profile, state string) Outcome {
	return Outcome{Kind: OutcomeNeedsLinkConfirmation, Profile: p, State: state}
}

func failed(err error) Outcome {
	return Outcome{Kind: OutcomeError, Err: err}
}
