package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/authbridge/authbridge/internal/middleware"
	"github.com/authbridge/authbridge/internal/provider"
	"github.com/authbridge/authbridge/internal/service"
)

// formPayload is the pause-to-render response for the registration and
// link-confirmation screens. The caller renders a form from it and posts it
// back with the nonce.
type formPayload struct {
	Action  string            `json:"action"` // "register" or "confirm_link"
	Profile *provider.Profile `json:"profile"`
	State   string            `json:"state"`
	Nonce   string            `json:"nonce"`
}

// AuthorizeStart handles GET /auth/{provider}.
// It issues a state token and redirects to the provider's authorize URL.
func (h *Handlers) AuthorizeStart(w http.ResponseWriter, r *http.Request) {
	h.startAuthorize(w, r, "")
}

// LinkStart handles GET /auth/{provider}/link.
// An authenticated user initiates binding the external identity to their
// existing account; the issued state carries their user id.
func (h *Handlers) LinkStart(w http.ResponseWriter, r *http.Request) {
	sess := middleware.NewRequestSession(w, r)
	userID, ok := sess.CurrentUserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "login_required", "Sign in before linking an identity.")
		return
	}
	h.startAuthorize(w, r, userID)
}

func (h *Handlers) startAuthorize(w http.ResponseWriter, r *http.Request, linkingUserID string) {
	p, ok := h.resolveProvider(w, r)
	if !ok {
		return
	}

	redirectTo := strings.TrimSpace(r.URL.Query().Get("redirect_to"))

	authURL, err := h.orchestrator.StartAuthorize(r.Context(), p, redirectTo, linkingUserID)
	if err != nil {
		h.logger.Error("authorize start failed", "provider", p.Name(), "error", err)
		writeError(w, http.StatusInternalServerError, "server_error", "Could not start the login flow.")
		return
	}

	http.Redirect(w, r, authURL, http.StatusFound)
}

// Callback handles GET /auth/{provider}/callback.
func (h *Handlers) Callback(w http.ResponseWriter, r *http.Request) {
	p, ok := h.resolveProvider(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()

	// Check for an error relayed by the provider first.
	if errParam := strings.TrimSpace(q.Get("error")); errParam != "" {
		h.logger.Warn("provider returned error",
			"provider", p.Name(),
			"error", errParam,
			"description", q.Get("error_description"),
		)
		writeError(w, http.StatusBadRequest, "provider_error", "The identity provider rejected the login.")
		return
	}

	code := strings.TrimSpace(q.Get("code"))
	state := strings.TrimSpace(q.Get("state"))
	if code == "" || state == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "code and state are required.")
		return
	}

	sess := middleware.NewRequestSession(w, r)
	outcome := h.orchestrator.HandleCallback(r.Context(), p, sess, code, state)
	h.dispatch(w, r, p, outcome)
}

// dispatch acts on the orchestrator's typed outcome.
func (h *Handlers) dispatch(w http.ResponseWriter, r *http.Request, p provider.Provider, outcome service.Outcome) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")

	switch outcome.Kind {
	case service.OutcomeLoggedIn:
		h.logger.Debug("login completed", "provider", p.Name(), "user_id", outcome.UserID)
		http.Redirect(w, r, outcome.RedirectURL, http.StatusFound)

	case service.OutcomeNeedsRegistration:
		h.renderForm(w, r, "register", outcome)

	case service.OutcomeNeedsLinkConfirmation:
		h.renderForm(w, r, "confirm_link", outcome)

	case service.OutcomeError:
		h.logger.Warn("flow failed", "provider", p.Name(), "error", outcome.Err)
		if errors.Is(outcome.Err, service.ErrValidation) {
			// Recoverable: the cached profile survives, so hand the form a
			// fresh nonce for the corrected re-submission.
			sess := middleware.NewRequestSession(w, r)
			if nonce, err := sess.IssueNonce(); err == nil {
				writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
					"error":             "validation_error",
					"error_description": "Please provide a username and a valid email address.",
					"nonce":             nonce,
				})
				return
			}
		}
		writeFlowError(w, outcome.Err)

	default:
		writeError(w, http.StatusInternalServerError, "server_error", "An unexpected error occurred.")
	}
}

// renderForm returns the pause-to-render payload with a fresh CSRF nonce.
func (h *Handlers) renderForm(w http.ResponseWriter, r *http.Request, action string, outcome service.Outcome) {
	sess := middleware.NewRequestSession(w, r)
	nonce, err := sess.IssueNonce()
	if err != nil {
		h.logger.Error("nonce issue failed", "error", err)
		writeError(w, http.StatusInternalServerError, "server_error", "An unexpected error occurred.")
		return
	}

	writeJSON(w, http.StatusOK, formPayload{
		Action:  action,
		Profile: outcome.Profile,
		State:   outcome.State,
		Nonce:   nonce,
	})
}

// resolveProvider resolves the {provider} path parameter against the
// registry, writing the error response itself on failure.
func (h *Handlers) resolveProvider(w http.ResponseWriter, r *http.Request) (provider.Provider, bool) {
	name := chi.URLParam(r, "provider")
	if name == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "Provider not specified.")
		return nil, false
	}

	p := h.providerRegistry.Get(name)
	if p == nil {
		writeError(w, http.StatusNotFound, "unknown_provider", "This login provider is not enabled.")
		return nil, false
	}
	return p, true
}
