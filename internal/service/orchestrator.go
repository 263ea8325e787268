package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strconv"
	"strings"

	"github.com/authbridge/authbridge/internal/provider"
	"github.com/authbridge/authbridge/internal/store"
)

// usernameSuffixLimit caps the numeric de-duplication suffix for usernames
// provisioned during registration.
const usernameSuffixLimit = 100

// Orchestrator drives the OAuth callback state machine: it decides between
// login, registration, and linking, performs the tamper and ownership
// checks, and returns a typed Outcome for the request dispatcher to act on.
type Orchestrator struct {
	states     store.StateStore
	cache      store.ProfileCache
	identities store.IdentityRepository
	users      store.UserRepository
	sync       *SyncPolicy
	logger     *slog.Logger

	defaultRedirect string
	allowedPrefixes []string
}

// NewOrchestrator creates the callback orchestrator.
func NewOrchestrator(
	states store.StateStore,
	cache store.ProfileCache,
	identities store.IdentityRepository,
	users store.UserRepository,
	sync *SyncPolicy,
	defaultRedirect string,
	allowedPrefixes []string,
	logger *slog.Logger,
) *Orchestrator {
	if defaultRedirect == "" {
		defaultRedirect = "/"
	}
	return &Orchestrator{
		states:          states,
		cache:           cache,
		identities:      identities,
		users:           users,
		sync:            sync,
		logger:          logger,
		defaultRedirect: defaultRedirect,
		allowedPrefixes: allowedPrefixes,
	}
}

// StartAuthorize issues a one-time state token and returns the provider's
// authorize URL to redirect the user to. linkingUserID is set only when an
// authenticated user initiates an explicit link.
func (o *Orchestrator) StartAuthorize(ctx context.Context, p provider.Provider, redirectTo, linkingUserID string) (string, error) {
	token, err := o.states.Issue(ctx, o.sanitizeRedirect(redirectTo), linkingUserID)
	if err != nil {
		return "", fmt.Errorf("issuing state: %w", err)
	}
	return p.AuthURL(token), nil
}

// HandleCallback processes the provider's redirect back. It verifies the
// state, exchanges the code, fetches the profile, and decides the outcome.
// Up to the pause-to-render points nothing durable is written.
func (o *Orchestrator) HandleCallback(ctx context.Context, p provider.Provider, sess SessionManager, code, state string) Outcome {
	data, err := o.states.Verify(ctx, state)
	if err != nil {
		return failed(ErrStateInvalid)
	}

	tok, err := p.ExchangeCode(ctx, code)
	if err != nil {
		// No writes performed; the state expires on its own.
		return failed(err)
	}

	profile, err := p.FetchProfile(ctx, tok)
	if err != nil {
		return failed(err)
	}

	uid := profile.UID
	existingUser, err := o.identities.FindByExternalUID(ctx, uid)
	if err != nil && !errors.Is(err, store.ErrBindingNotFound) {
		return failed(fmt.Errorf("looking up binding: %w", err))
	}

	// Explicit link flow: the state was issued by an authenticated user.
	if data.LinkingUserID != "" {
		switch {
		case existingUser != "" && existingUser != data.LinkingUserID:
			o.invalidateState(ctx, state)
			return failed(store.ErrUIDConflict)
		case existingUser == data.LinkingUserID:
			// Already linked; complete login with no new writes.
			return o.completeLogin(ctx, sess, existingUser, profile, data, state)
		default:
			if err := o.cache.Put(ctx, state, &store.CacheEntry{Profile: *profile, State: *data}); err != nil {
				return failed(fmt.Errorf("caching profile: %w", err))
			}
			return needsLinkConfirmation(profile, state)
		}
	}

	// Ordinary login/registration.
	if existingUser != "" {
		return o.completeLogin(ctx, sess, existingUser, profile, data, state)
	}

	if err := o.cache.Put(ctx, state, &store.CacheEntry{Profile: *profile, State: *data}); err != nil {
		return failed(fmt.Errorf("caching profile: %w", err))
	}
	return needsRegistration(profile, state)
}

// SubmitRegistration finalizes the registration flow after the user
// completed the form. The CSRF nonce has already been validated by the
// handler; a nonce failure never reaches this method and mutates nothing.
func (o *Orchestrator) SubmitRegistration(ctx context.Context, sess SessionManager, state, claimedUID, username, email string) Outcome {
	entry, err := o.cache.Take(ctx, state)
	if err != nil {
		return failed(store.ErrCacheExpired)
	}

	// A client must not be able to submit an arbitrary UID while reusing
	// someone else's cached display/email data.
	if claimedUID != entry.Profile.UID {
		o.invalidate(ctx, state)
		return failed(ErrUIDTampered)
	}

	username = strings.TrimSpace(username)
	email = strings.TrimSpace(email)
	if username == "" || !validEmail(email) {
		// Recoverable: leave the cache intact so the user can correct the
		// form without a new provider round trip.
		return failed(ErrValidation)
	}

	uid := entry.Profile.UID

	// Re-check: the binding may have been created since the callback.
	if _, err := o.identities.FindByExternalUID(ctx, uid); err == nil {
		o.invalidate(ctx, state)
		return failed(store.ErrUIDConflict)
	} else if !errors.Is(err, store.ErrBindingNotFound) {
		return failed(fmt.Errorf("looking up binding: %w", err))
	}

	// Auto-link: an existing unbound account with the same email adopts the
	// identity instead of a second account being created.
	if existing, err := o.users.FindByEmail(ctx, email); err == nil {
		if _, err := o.identities.FindByLocalUser(ctx, existing.ID); err == nil {
			o.invalidate(ctx, state)
			return failed(ErrEmailAlreadyLinked)
		} else if !errors.Is(err, store.ErrBindingNotFound) {
			return failed(fmt.Errorf("looking up binding: %w", err))
		}

		if out, ok := o.createBinding(ctx, state, existing.ID, uid); !ok {
			return out
		}
		return o.finishSubmit(ctx, sess, existing.ID, entry, state, TriggerLink)
	} else if !errors.Is(err, store.ErrUserNotFound) {
		return failed(fmt.Errorf("looking up user by email: %w", err))
	}

	// Brand-new local account.
	name, err := o.dedupeUsername(ctx, username)
	if err != nil {
		o.logger.Error("account creation failed", "uid", uid, "username", username, "error", err)
		return failed(ErrAccountCreation)
	}

	u, err := store.NewProvisionedUser(name, email)
	if err != nil {
		return failed(ErrAccountCreation)
	}
	u.DisplayName = entry.Profile.DisplayName
	u.AvatarURL = entry.Profile.AvatarURL

	if err := o.users.Create(ctx, u); err != nil {
		o.logger.Error("account creation failed", "uid", uid, "username", name, "error", err)
		return failed(ErrAccountCreation)
	}

	if err := o.identities.Create(ctx, u.ID, uid); err != nil {
		// The account exists but the binding does not: an inconsistent
		// state that must never pass silently.
		o.logger.Error("binding creation failed after account creation",
			"uid", uid,
			"user_id", u.ID,
			"error", err,
		)
		o.invalidate(ctx, state)
		if errors.Is(err, store.ErrUIDConflict) || errors.Is(err, store.ErrUserAlreadyLinked) {
			return failed(err)
		}
		return failed(ErrBindingCreation)
	}

	return o.finishSubmit(ctx, sess, u.ID, entry, state, TriggerRegister)
}

// SubmitLink finalizes the explicit link flow after the user confirmed.
// currentUserID is the authenticated session's user, supplied by the
// handler; the nonce has already been validated there.
func (o *Orchestrator) SubmitLink(ctx context.Context, sess SessionManager, state, claimedUID, currentUserID string) Outcome {
	entry, err := o.cache.Take(ctx, state)
	if err != nil {
		return failed(store.ErrCacheExpired)
	}

	if claimedUID != entry.Profile.UID {
		o.invalidate(ctx, state)
		return failed(ErrUIDTampered)
	}

	// A state token issued for user A must not be redeemable while logged
	// in as user B.
	if entry.State.LinkingUserID != currentUserID {
		o.invalidate(ctx, state)
		return failed(ErrUserMismatch)
	}

	uid := entry.Profile.UID

	if _, err := o.identities.FindByExternalUID(ctx, uid); err == nil {
		o.invalidate(ctx, state)
		return failed(store.ErrUIDConflict)
	} else if !errors.Is(err, store.ErrBindingNotFound) {
		return failed(fmt.Errorf("looking up binding: %w", err))
	}

	if _, err := o.identities.FindByLocalUser(ctx, currentUserID); err == nil {
		o.invalidate(ctx, state)
		return failed(store.ErrUserAlreadyLinked)
	} else if !errors.Is(err, store.ErrBindingNotFound) {
		return failed(fmt.Errorf("looking up binding: %w", err))
	}

	if out, ok := o.createBinding(ctx, state, currentUserID, uid); !ok {
		return out
	}

	return o.finishSubmit(ctx, sess, currentUserID, entry, state, TriggerLink)
}

// Unbind removes the user's external identity binding.
func (o *Orchestrator) Unbind(ctx context.Context, userID string) error {
	return o.identities.Delete(ctx, userID)
}

// completeLogin establishes the session for an already-bound user and
// consumes the state token, exactly once.
func (o *Orchestrator) completeLogin(ctx context.Context, sess SessionManager, userID string, profile *provider.Profile, data *store.StateData, state string) Outcome {
	if err := sess.Establish(ctx, userID); err != nil {
		return failed(fmt.Errorf("establishing session: %w", err))
	}

	if _, err := o.sync.Sync(ctx, userID, profile, TriggerLogin); err != nil {
		// Sync is best-effort on login; the session is already valid.
		o.logger.Warn("profile sync failed", "user_id", userID, "error", err)
	}

	redirect := data.RedirectURL
	if redirect == "" {
		redirect = o.defaultRedirect
	}

	if err := o.states.Consume(ctx, state); err != nil {
		o.logger.Warn("state consume failed", "error", err)
	}

	return loggedIn(userID, redirect)
}

// finishSubmit commits the tail of a successful registration or link:
// delete the cache entry, establish the session, sync the profile, consume
// the state, redirect.
func (o *Orchestrator) finishSubmit(ctx context.Context, sess SessionManager, userID string, entry *store.CacheEntry, state string, trigger SyncTrigger) Outcome {
	if err := o.cache.Delete(ctx, state); err != nil {
		o.logger.Warn("cache delete failed", "error", err)
	}

	if err := sess.Establish(ctx, userID); err != nil {
		return failed(fmt.Errorf("establishing session: %w", err))
	}

	if _, err := o.sync.Sync(ctx, userID, &entry.Profile, trigger); err != nil {
		o.logger.Warn("profile sync failed", "user_id", userID, "error", err)
	}

	if err := o.states.Consume(ctx, state); err != nil {
		o.logger.Warn("state consume failed", "error", err)
	}

	redirect := entry.State.RedirectURL
	if redirect == "" {
		redirect = o.defaultRedirect
	}
	return loggedIn(userID, redirect)
}

// createBinding creates the binding and maps storage conflicts onto the
// flow taxonomy. ok is false when the returned Outcome is terminal.
func (o *Orchestrator) createBinding(ctx context.Context, state, userID, uid string) (Outcome, bool) {
	err := o.identities.Create(ctx, userID, uid)
	if err == nil {
		return Outcome{}, true
	}

	o.invalidate(ctx, state)
	if errors.Is(err, store.ErrUIDConflict) || errors.Is(err, store.ErrUserAlreadyLinked) {
		return failed(err), false
	}
	o.logger.Error("binding creation failed", "uid", uid, "user_id", userID, "error", err)
	return failed(ErrBindingCreation), false
}

// invalidate drops both the cache entry and the state token after a fatal
// failure so the attempt cannot be retried.
func (o *Orchestrator) invalidate(ctx context.Context, state string) {
	if err := o.cache.Delete(ctx, state); err != nil {
		o.logger.Warn("cache delete failed", "error", err)
	}
	o.invalidateState(ctx, state)
}

func (o *Orchestrator) invalidateState(ctx context.Context, state string) {
	if err := o.states.Consume(ctx, state); err != nil && !errors.Is(err, store.ErrStateNotFound) {
		o.logger.Warn("state consume failed", "error", err)
	}
}

// sanitizeRedirect keeps post-login redirects on-site: relative paths are
// always allowed, absolute URLs only when they match a configured prefix.
func (o *Orchestrator) sanitizeRedirect(redirectTo string) string {
	if redirectTo == "" {
		return o.defaultRedirect
	}
	if strings.HasPrefix(redirectTo, "/") && !strings.HasPrefix(redirectTo, "//") {
		return redirectTo
	}
	for _, prefix := range o.allowedPrefixes {
		if strings.HasPrefix(redirectTo, prefix) {
			return redirectTo
		}
	}
	return o.defaultRedirect
}

// dedupeUsername appends a numeric suffix until the username is free.
func (o *Orchestrator) dedupeUsername(ctx context.Context, base string) (string, error) {
	name := base
	for i := 2; ; i++ {
		taken, err := o.users.UsernameExists(ctx, name)
		if err != nil {
			return "", fmt.Errorf("checking username: %w", err)
		}
		if !taken {
			return name, nil
		}
		if i > usernameSuffixLimit {
			return "", fmt.Errorf("no free username for %q", base)
		}
		name = base + strconv.Itoa(i)
	}
}

// validEmail reports whether addr parses as a bare RFC 5322 address.
func validEmail(addr string) bool {
	if addr == "" {
		return false
	}
	parsed, err := mail.ParseAddress(addr)
	return err == nil && parsed.Address == addr
}
