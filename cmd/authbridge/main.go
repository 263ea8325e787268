package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/authbridge/authbridge/internal/config"
	"github.com/authbridge/authbridge/internal/handler"
	appMiddleware "github.com/authbridge/authbridge/internal/middleware"
	"github.com/authbridge/authbridge/internal/provider"
	"github.com/authbridge/authbridge/internal/service"
	"github.com/authbridge/authbridge/internal/store"
)

func main() {
	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("application error", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	cfg.LogConfig(logger)

	// Initialize provider registry and register configured providers
	providerRegistry := provider.NewRegistry()

	providerRegistry.RegisterFactory("line", provider.LineProviderFactory)
	providerRegistry.RegisterFactory("github", provider.GitHubProviderFactory)
	providerRegistry.RegisterFactory("google", provider.GoogleProviderFactory)

	for _, provCfg := range cfg.Providers {
		err := providerRegistry.CreateFromConfig(provider.Config{
			Name:         provCfg.Name,
			Type:         provCfg.Type,
			ClientID:     provCfg.ClientID,
			ClientSecret: provCfg.ClientSecret,
			CallbackURL:  provCfg.CallbackURL,
			AuthURL:      provCfg.AuthURL,
			TokenURL:     provCfg.TokenURL,
			UserURL:      provCfg.UserURL,
			JWKSURL:      provCfg.JWKSURL,
			Scopes:       provCfg.Scopes,
		})
		if err != nil {
			return fmt.Errorf("creating provider %s: %w", provCfg.Name, err)
		}
		logger.Info("registered OAuth provider", "name", provCfg.Name, "type", provCfg.Type)
	}

	if len(providerRegistry.List()) == 0 {
		logger.Warn("no OAuth providers configured")
	}

	// Shared Redis client for the redis-backed stores
	var redisClient interface{ Close() error }
	var stateStore store.StateStore
	var profileCache store.ProfileCache

	if cfg.RedisEnabled && (cfg.StateRedisStoreEnabled || cfg.ProfileRedisStoreEnabled) {
		client, err := store.NewRedisClient(&store.RedisConfig{
			Host:  cfg.RedisHost,
			Port:  cfg.RedisPort,
			Proto: cfg.RedisProto,
			Pass:  cfg.RedisPass,
			DB:    cfg.RedisDB,
		})
		if err != nil {
			return fmt.Errorf("creating Redis client: %w", err)
		}
		redisClient = client
		defer redisClient.Close()

		if cfg.StateRedisStoreEnabled {
			logger.Info("using Redis state store")
			stateStore = store.NewRedisStateStore(client, cfg.StateRedisStorePrefix)
		}
		if cfg.ProfileRedisStoreEnabled {
			logger.Info("using Redis profile cache")
			profileCache = store.NewRedisProfileCache(client, cfg.ProfileRedisStorePrefix)
		}
	}

	if stateStore == nil {
		logger.Info("using in-memory state store")
		memStates := store.NewMemoryStateStore()
		defer memStates.Close()
		stateStore = memStates
	}
	if profileCache == nil {
		logger.Info("using in-memory profile cache")
		profileCache = store.NewMemoryProfileCache()
	}

	// Repositories: Postgres when a DSN is configured, in-memory otherwise
	var identities store.IdentityRepository
	var users store.UserRepository

	if cfg.PostgresDSN != "" {
		pool, err := pgxpool.New(context.Background(), cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("creating Postgres pool: %w", err)
		}
		defer pool.Close()

		logger.Info("using Postgres repositories")
		identities = store.NewPGIdentityRepository(pool)
		users = store.NewPGUserRepository(pool)
	} else {
		logger.Info("using in-memory repositories")
		identities = store.NewMemoryIdentityRepository()
		users = store.NewMemoryUserRepository()
	}

	// Initialize services
	syncPolicy := service.NewSyncPolicy(users, cfg, nil, logger)
	orchestrator := service.NewOrchestrator(
		stateStore, profileCache, identities, users, syncPolicy,
		cfg.DefaultRedirectURL, cfg.AllowedRedirectPrefixes, logger,
	)

	// Initialize handlers
	handlers := handler.NewHandlers(cfg, orchestrator, providerRegistry, logger)

	// Rate limiter for the form submit endpoints
	formRateLimiter := appMiddleware.FormSubmitRateLimiter()
	defer formRateLimiter.Stop()

	// Setup router
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(appMiddleware.Logger(logger))
	r.Use(middleware.Recoverer)

	// Session middleware
	sessionStore, err := appMiddleware.NewSessionStore(cfg)
	if err != nil {
		return fmt.Errorf("creating session store: %w", err)
	}
	r.Use(appMiddleware.Session(sessionStore))

	// Routes
	r.Get("/auth/providers", handlers.Providers)
	r.Get("/auth/{provider}", handlers.AuthorizeStart)
	r.Get("/auth/{provider}/link", handlers.LinkStart)
	r.Get("/auth/{provider}/callback", handlers.Callback)
	r.With(appMiddleware.RateLimit(formRateLimiter)).Post("/auth/{provider}/register", handlers.SubmitRegistration)
	r.With(appMiddleware.RateLimit(formRateLimiter)).Post("/auth/{provider}/link", handlers.SubmitLink)
	r.Delete("/auth/binding", handlers.Unbind)

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// Create server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	done := make(chan struct{})
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		logger.Info("shutting down server...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("server shutdown error", "error", err)
		}

		close(done)
	}()

	logger.Info("starting server", "port", cfg.Port)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	<-done
	logger.Info("server stopped")

	return nil
}
