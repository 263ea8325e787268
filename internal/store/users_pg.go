package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGUserRepository is a Postgres-backed implementation of UserRepository.
type PGUserRepository struct {
	pool *pgxpool.Pool
}

// NewPGUserRepository creates a Postgres-backed user repository.
func NewPGUserRepository(pool *pgxpool.Pool) *PGUserRepository {
	return &PGUserRepository{pool: pool}
}

const userColumns = `id, username, email, display_name, avatar_url, role, password_hash, created_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(
		&u.ID, &u.Username, &u.Email, &u.DisplayName,
		&u.AvatarURL, &u.Role, &u.PasswordHash, &u.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning user: %w", err)
	}
	return &u, nil
}

// Create inserts the user, rejecting username and email collisions.
func (r *PGUserRepository) Create(ctx context.Context, u *User) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO app_user (id, username, email, display_name, avatar_url, role, password_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		u.ID, u.Username, strings.ToLower(u.Email), u.DisplayName,
		u.AvatarURL, u.Role, u.PasswordHash, u.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if isUniqueViolation(err, &pgErr) {
			switch pgErr.ConstraintName {
			case "app_user_username_key":
				return ErrUsernameTaken
			case "app_user_email_key":
				return ErrEmailTaken
			}
		}
		return fmt.Errorf("inserting user: %w", err)
	}
	return nil
}

// FindByID returns the user with the given id.
func (r *PGUserRepository) FindByID(ctx context.Context, id string) (*User, error) {
	return scanUser(r.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM app_user WHERE id = $1`, id,
	))
}

// FindByEmail returns the user with the given email, case-insensitively.
func (r *PGUserRepository) FindByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(r.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM app_user WHERE email = $1`, strings.ToLower(email),
	))
}

// UsernameExists reports whether the username is taken.
func (r *PGUserRepository) UsernameExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM app_user WHERE username = $1)`, name,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking username: %w", err)
	}
	return exists, nil
}

// SaveProfile persists synced profile fields (display name, email, avatar).
func (r *PGUserRepository) SaveProfile(ctx context.Context, u *User) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE app_user SET display_name = $2, email = $3, avatar_url = $4
		WHERE id = $1`,
		u.ID, u.DisplayName, strings.ToLower(u.Email), u.AvatarURL,
	)
	if err != nil {
		return fmt.Errorf("updating user profile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// isUniqueViolation reports whether err is a Postgres unique_violation and,
// if so, fills pgErr.
func isUniqueViolation(err error, pgErr **pgconn.PgError) bool {
	var pe *pgconn.PgError
	if errors.As(err, &pe) && pe.Code == "23505" {
		*pgErr = pe
		return true
	}
	return false
}
