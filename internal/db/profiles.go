package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/xtrntr/tradepro/internal/models"
	"github.com/xtrntr/tradepro/internal/xerrors"
)

const profileCols = `user_id, full_name, COALESCE(username, ''), COALESCE(phone, ''), COALESCE(country, ''),
	two_factor_enabled, COALESCE(two_factor_secret, ''), created_at, updated_at`

func scanProfile(row pgx.Row) (*models.Profile, error) {
	p := &models.Profile{}
	err := row.Scan(&p.UserID, &p.FullName, &p.Username, &p.Phone, &p.Country,
		&p.TwoFactorEnabled, &p.TwoFactorSecret, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, mapErr(err, "profile")
	}
	return p, nil
}

func (db *DB) GetProfile(ctx context.Context, userID uuid.UUID) (*models.Profile, error) {
	return scanProfile(db.Pool.QueryRow(ctx, "SELECT "+profileCols+" FROM profiles WHERE user_id = $1", userID))
}

// UpdateProfile stores empty optional fields as NULL so the username
// uniqueness constraint only applies to usernames that are set.
func (db *DB) UpdateProfile(ctx context.Context, p *models.Profile) (*models.Profile, error) {
	out, err := scanProfile(db.Pool.QueryRow(ctx,
		`UPDATE profiles
		    SET full_name = $2, username = NULLIF($3, ''), phone = NULLIF($4, ''), country = NULLIF($5, ''), updated_at = $6
		  WHERE user_id = $1
		  RETURNING `+profileCols,
		p.UserID, p.FullName, p.Username, p.Phone, p.Country, p.UpdatedAt))
	if errors.Is(err, xerrors.ErrConflict) {
		return nil, xerrors.Wrap(xerrors.ErrConflict, "username already taken")
	}
	return out, err
}

func (db *DB) SetTwoFactor(ctx context.Context, userID uuid.UUID, secret string, enabled bool, at time.Time) error {
	tag, err := db.Pool.Exec(ctx,
		"UPDATE profiles SET two_factor_secret = NULLIF($2, ''), two_factor_enabled = $3, updated_at = $4 WHERE user_id = $1",
		userID, secret, enabled, at)
	if err != nil {
		return fmt.Errorf("failed to update two factor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return xerrors.Wrap(xerrors.ErrNotFound, "profile not found")
	}
	return nil
}
