package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/authbridge/authbridge/internal/provider"
	"github.com/authbridge/authbridge/internal/service"
	"github.com/authbridge/authbridge/internal/store"
)

// errorResponse is the JSON body for every failed request. Messages are
// deliberately generic: no tokens, no internal identifiers.
type errorResponse struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, errorResponse{Error: code, Description: description})
}

// writeFlowError maps a flow error onto an HTTP status and a distinct,
// non-leaking message.
func writeFlowError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrStateInvalid):
		writeError(w, http.StatusBadRequest, "state_invalid",
			"Invalid or expired login attempt. Please start over.")
	case errors.Is(err, provider.ErrTokenExchange):
		writeError(w, http.StatusBadGateway, "token_exchange_failed",
			"Failed to exchange the authorization code. Please try again.")
	case errors.Is(err, provider.ErrProfileFetch):
		writeError(w, http.StatusBadGateway, "profile_fetch_failed",
			"Failed to fetch your profile from the provider. Please try again.")
	case errors.Is(err, store.ErrUIDConflict):
		writeError(w, http.StatusConflict, "uid_conflict",
			"This identity is already linked to another account.")
	case errors.Is(err, store.ErrUserAlreadyLinked):
		writeError(w, http.StatusConflict, "user_already_linked",
			"Your account is already linked to another identity.")
	case errors.Is(err, service.ErrEmailAlreadyLinked):
		writeError(w, http.StatusConflict, "email_account_already_linked",
			"An account with this email is already linked to a different identity.")
	case errors.Is(err, service.ErrUserMismatch):
		writeError(w, http.StatusForbidden, "user_mismatch",
			"This link attempt belongs to a different signed-in user.")
	case errors.Is(err, service.ErrUIDTampered):
		writeError(w, http.StatusForbidden, "uid_tampered",
			"The submitted identity did not match this login attempt.")
	case errors.Is(err, service.ErrValidation):
		writeError(w, http.StatusUnprocessableEntity, "validation_error",
			"Please provide a username and a valid email address.")
	case errors.Is(err, store.ErrCacheExpired):
		writeError(w, http.StatusGone, "cache_expired",
			"This login attempt has expired. Please start over.")
	case errors.Is(err, service.ErrAccountCreation):
		writeError(w, http.StatusServiceUnavailable, "account_creation_failed",
			"We could not create your account. Please try again later.")
	case errors.Is(err, service.ErrBindingCreation):
		writeError(w, http.StatusServiceUnavailable, "binding_creation_failed",
			"We could not complete the link. Please contact support.")
	default:
		writeError(w, http.StatusInternalServerError, "server_error",
			"An unexpected error occurred. Please try again.")
	}
}
