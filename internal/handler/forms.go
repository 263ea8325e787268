package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/authbridge/authbridge/internal/middleware"
	"github.com/authbridge/authbridge/internal/store"
)

// Form field names, matching the original registration/link screens.
const (
	fieldState    = "state"
	fieldUID      = "line_uid"
	fieldUsername = "user_login"
	fieldEmail    = "user_email"
	fieldNonce    = "nonce"
)

// SubmitRegistration handles POST /auth/{provider}/register.
func (h *Handlers) SubmitRegistration(w http.ResponseWriter, r *http.Request) {
	p, ok := h.resolveProvider(w, r)
	if !ok {
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Malformed form body.")
		return
	}

	sess := middleware.NewRequestSession(w, r)

	// A bad nonce is a possible forgery. Fail before touching the cache so
	// an attacker learns nothing and the real user can still retry.
	if !sess.VerifyNonce(r.PostFormValue(fieldNonce)) {
		writeError(w, http.StatusForbidden, "invalid_nonce", "The form session is invalid. Please start over.")
		return
	}

	outcome := h.orchestrator.SubmitRegistration(
		r.Context(),
		sess,
		strings.TrimSpace(r.PostFormValue(fieldState)),
		strings.TrimSpace(r.PostFormValue(fieldUID)),
		r.PostFormValue(fieldUsername),
		r.PostFormValue(fieldEmail),
	)
	h.dispatch(w, r, p, outcome)
}

// SubmitLink handles POST /auth/{provider}/link.
func (h *Handlers) SubmitLink(w http.ResponseWriter, r *http.Request) {
	p, ok := h.resolveProvider(w, r)
	if !ok {
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Malformed form body.")
		return
	}

	sess := middleware.NewRequestSession(w, r)

	if !sess.VerifyNonce(r.PostFormValue(fieldNonce)) {
		writeError(w, http.StatusForbidden, "invalid_nonce", "The form session is invalid. Please start over.")
		return
	}

	currentUserID, ok := sess.CurrentUserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "login_required", "Sign in before confirming the link.")
		return
	}

	outcome := h.orchestrator.SubmitLink(
		r.Context(),
		sess,
		strings.TrimSpace(r.PostFormValue(fieldState)),
		strings.TrimSpace(r.PostFormValue(fieldUID)),
		currentUserID,
	)
	h.dispatch(w, r, p, outcome)
}

// Unbind handles DELETE /auth/binding for the authenticated user.
func (h *Handlers) Unbind(w http.ResponseWriter, r *http.Request) {
	sess := middleware.NewRequestSession(w, r)
	userID, ok := sess.CurrentUserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "login_required", "Sign in first.")
		return
	}

	if err := h.orchestrator.Unbind(r.Context(), userID); err != nil {
		if errors.Is(err, store.ErrBindingNotFound) {
			writeError(w, http.StatusNotFound, "not_linked", "No linked identity to remove.")
			return
		}
		h.logger.Error("unbind failed", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "server_error", "Could not remove the link.")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Providers handles GET /auth/providers.
func (h *Handlers) Providers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{
		"providers": h.providerRegistry.List(),
	})
}
