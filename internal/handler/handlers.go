// Package handler exposes the identity bridge over HTTP. The handlers parse
// and authenticate requests, dispatch on the orchestrator's typed outcome,
// and render JSON; all flow decisions live in the service layer.
package handler

import (
	"log/slog"

	"github.com/authbridge/authbridge/internal/config"
	"github.com/authbridge/authbridge/internal/provider"
	"github.com/authbridge/authbridge/internal/service"
)

// Handlers holds all HTTP handlers and their dependencies.
type Handlers struct {
	cfg              *config.Config
	orchestrator     *service.Orchestrator
	providerRegistry *provider.Registry
	logger           *slog.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(
	cfg *config.Config,
	orchestrator *service.Orchestrator,
	providerRegistry *provider.Registry,
	logger *slog.Logger,
) *Handlers {
	return &Handlers{
		cfg:              cfg,
		orchestrator:     orchestrator,
		providerRegistry: providerRegistry,
		logger:           logger,
	}
}

// ProviderRegistry returns the provider registry for route setup.
func (h *Handlers) ProviderRegistry() *provider.Registry {
	return h.providerRegistry
}
