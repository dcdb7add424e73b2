package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/xtrntr/tradepro/internal/models"
	"github.com/xtrntr/tradepro/internal/xerrors"
)

// CreateUser inserts the user with its role, profile and wallet in one transaction.
func (db *DB) CreateUser(ctx context.Context, u *models.User, p *models.Profile, currency string) (*models.User, error) {
	user := &models.User{}
	err := db.WithTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			"INSERT INTO users (id, email, password_hash, created_at) VALUES ($1, $2, $3, $4) RETURNING id, email, password_hash, created_at",
			u.ID, u.Email, u.PasswordHash, u.CreatedAt).Scan(&user.ID, &user.Email, &user.PasswordHash, &user.CreatedAt)
		if err != nil {
			if pgCode(err) == "23505" {
				return xerrors.Wrap(xerrors.ErrConflict, "email already registered")
			}
			return fmt.Errorf("failed to create user: %w", err)
		}

		if _, err := tx.Exec(ctx,
			"INSERT INTO user_roles (user_id, role) VALUES ($1, $2)", u.ID, models.RoleUser); err != nil {
			return fmt.Errorf("failed to assign role: %w", err)
		}
		if _, err := tx.Exec(ctx,
			"INSERT INTO profiles (user_id, full_name, created_at, updated_at) VALUES ($1, $2, $3, $3)",
			u.ID, p.FullName, u.CreatedAt); err != nil {
			return fmt.Errorf("failed to create profile: %w", err)
		}
		if _, err := tx.Exec(ctx,
			"INSERT INTO wallets (id, user_id, balance, currency, created_at, updated_at) VALUES ($1, $2, 0, $3, $4, $4)",
			uuid.New(), u.ID, currency, u.CreatedAt); err != nil {
			return fmt.Errorf("failed to create wallet: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (db *DB) getUser(ctx context.Context, where string, arg any) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"SELECT id, email, password_hash, created_at FROM users WHERE "+where+" = $1",
		arg).Scan(&user.ID, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return nil, mapErr(err, "user")
	}
	return user, nil
}

// GetUserByEmail retrieves a user by email
func (db *DB) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return db.getUser(ctx, "email", email)
}

func (db *DB) GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	return db.getUser(ctx, "id", id)
}

// HasRole checks the role table. It is the only source of authorization.
func (db *DB) HasRole(ctx context.Context, userID uuid.UUID, role string) (bool, error) {
	var ok bool
	err := db.Pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM user_roles WHERE user_id = $1 AND role = $2)",
		userID, role).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("failed to check role: %w", err)
	}
	return ok, nil
}

func (db *DB) GrantRole(ctx context.Context, userID uuid.UUID, role string) error {
	_, err := db.Pool.Exec(ctx,
		"INSERT INTO user_roles (user_id, role) VALUES ($1, $2) ON CONFLICT DO NOTHING",
		userID, role)
	if pgCode(err) == "23503" {
		return xerrors.Wrap(xerrors.ErrNotFound, "user not found")
	}
	return mapErr(err, "role")
}

func (db *DB) RevokeRole(ctx context.Context, userID uuid.UUID, role string) error {
	tag, err := db.Pool.Exec(ctx,
		"DELETE FROM user_roles WHERE user_id = $1 AND role = $2", userID, role)
	if err != nil {
		return fmt.Errorf("failed to revoke role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return xerrors.Wrap(xerrors.ErrNotFound, "role not found")
	}
	return nil
}
