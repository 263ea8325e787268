package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGIdentityRepository is a Postgres-backed implementation of
// IdentityRepository. The identity_binding table carries UNIQUE constraints
// on both external_uid and user_id, so Create is a single conditional insert
// and the bijective invariant holds under concurrent requests.
type PGIdentityRepository struct {
	pool *pgxpool.Pool
}

// NewPGIdentityRepository creates a Postgres-backed identity repository.
func NewPGIdentityRepository(pool *pgxpool.Pool) *PGIdentityRepository {
	return &PGIdentityRepository{pool: pool}
}

// FindByExternalUID returns the local user id bound to the external uid.
func (r *PGIdentityRepository) FindByExternalUID(ctx context.Context, uid string) (string, error) {
	var userID string
	err := r.pool.QueryRow(ctx,
		`SELECT user_id FROM identity_binding WHERE external_uid = $1`,
		uid,
	).Scan(&userID)
	if err == pgx.ErrNoRows {
		return "", ErrBindingNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying binding by uid: %w", err)
	}
	return userID, nil
}

// FindByLocalUser returns the external uid bound to the local user.
func (r *PGIdentityRepository) FindByLocalUser(ctx context.Context, userID string) (string, error) {
	var uid string
	err := r.pool.QueryRow(ctx,
		`SELECT external_uid FROM identity_binding WHERE user_id = $1`,
		userID,
	).Scan(&uid)
	if err == pgx.ErrNoRows {
		return "", ErrBindingNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying binding by user: %w", err)
	}
	return uid, nil
}

// Create binds uid to userID with one conditional insert. When the unique
// constraints swallow the row, the losing side is classified by re-reading
// which column conflicted.
func (r *PGIdentityRepository) Create(ctx context.Context, userID, uid string) error {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO identity_binding (id, user_id, external_uid, linked_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT DO NOTHING`,
		uuid.NewString(), userID, uid,
	)
	if err != nil {
		return fmt.Errorf("inserting binding: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// Insert lost to an existing row. Decide which invariant tripped.
	var n int
	if err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM identity_binding WHERE external_uid = $1`, uid,
	).Scan(&n); err != nil {
		return fmt.Errorf("classifying binding conflict: %w", err)
	}
	if n > 0 {
		return ErrUIDConflict
	}
	return ErrUserAlreadyLinked
}

// Delete unbinds the user's external identity.
func (r *PGIdentityRepository) Delete(ctx context.Context, userID string) error {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM identity_binding WHERE user_id = $1`, userID,
	)
	if err != nil {
		return fmt.Errorf("deleting binding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBindingNotFound
	}
	return nil
}
