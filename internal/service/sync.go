package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/authbridge/authbridge/internal/config"
	"github.com/authbridge/authbridge/internal/provider"
	"github.com/authbridge/authbridge/internal/store"
)

// SyncTrigger identifies which flow caused a profile sync.
type SyncTrigger int

const (
	// TriggerLogin is a returning user completing login.
	TriggerLogin SyncTrigger = iota
	// TriggerLink is an explicit link or an email auto-link.
	TriggerLink
	// TriggerRegister is a freshly provisioned account; this is effectively
	// the first write, so the strategy choice matters less.
	TriggerRegister
)

// String returns the trigger name for logging.
func (t SyncTrigger) String() string {
	switch t {
	case TriggerLogin:
		return "login"
	case TriggerLink:
		return "link"
	case TriggerRegister:
		return "register"
	default:
		return "unknown"
	}
}

// FieldDiff is one divergence between the provider profile and the local
// account, recorded by the manual strategy.
type FieldDiff struct {
	Field    string
	Local    string
	Provider string
}

// DiffRecorder receives the diffs the manual strategy refuses to apply.
type DiffRecorder interface {
	RecordDiff(ctx context.Context, userID string, diffs []FieldDiff)
}

// SlogDiffRecorder logs diffs for later human review.
type SlogDiffRecorder struct {
	Logger *slog.Logger
}

// RecordDiff logs each unapplied field divergence.
func (r *SlogDiffRecorder) RecordDiff(ctx context.Context, userID string, diffs []FieldDiff) {
	for _, d := range diffs {
		r.Logger.Info("profile sync diff recorded",
			"user_id", userID,
			"field", d.Field,
			"local", d.Local,
			"provider", d.Provider,
		)
	}
}

// SyncPolicy merges external profile fields into the local account per the
// configured conflict strategy.
type SyncPolicy struct {
	users       store.UserRepository
	strategy    config.ConflictStrategy
	syncOnLogin bool
	recorder    DiffRecorder
	logger      *slog.Logger
}

// NewSyncPolicy creates a sync policy.
func NewSyncPolicy(users store.UserRepository, cfg *config.Config, recorder DiffRecorder, logger *slog.Logger) *SyncPolicy {
	if recorder == nil {
		recorder = &SlogDiffRecorder{Logger: logger}
	}
	return &SyncPolicy{
		users:       users,
		strategy:    cfg.ConflictStrategy,
		syncOnLogin: cfg.SyncOnLogin,
		recorder:    recorder,
		logger:      logger,
	}
}

// Sync applies the external profile to the local account and returns the
// names of the fields it changed. Login-triggered syncs are skipped entirely
// when sync_on_login is off.
func (p *SyncPolicy) Sync(ctx context.Context, userID string, profile *provider.Profile, trigger SyncTrigger) ([]string, error) {
	if trigger == TriggerLogin && !p.syncOnLogin {
		return nil, nil
	}

	u, err := p.users.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("loading user for sync: %w", err)
	}

	fields := []struct {
		name     string
		local    *string
		external string
	}{
		{"display_name", &u.DisplayName, profile.DisplayName},
		{"email", &u.Email, profile.Email},
		{"avatar_url", &u.AvatarURL, profile.AvatarURL},
	}

	var applied []string
	var diffs []FieldDiff

	for _, f := range fields {
		if f.external == "" || *f.local == f.external {
			continue
		}
		switch p.strategy {
		case config.ConflictProviderPriority:
			*f.local = f.external
			applied = append(applied, f.name)
		case config.ConflictLocalPriority:
			if *f.local == "" {
				*f.local = f.external
				applied = append(applied, f.name)
			}
		case config.ConflictManual:
			diffs = append(diffs, FieldDiff{Field: f.name, Local: *f.local, Provider: f.external})
		}
	}

	if len(diffs) > 0 {
		p.recorder.RecordDiff(ctx, userID, diffs)
	}

	if len(applied) == 0 {
		return nil, nil
	}

	if err := p.users.SaveProfile(ctx, u); err != nil {
		return nil, fmt.Errorf("saving synced profile: %w", err)
	}

	p.logger.Debug("profile synced",
		"user_id", userID,
		"trigger", trigger.String(),
		"fields", applied,
	)
	return applied, nil
}
