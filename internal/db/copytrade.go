package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/xtrntr/tradepro/internal/models"
	"github.com/xtrntr/tradepro/internal/xerrors"
)

// Follower counts are always derived from active relationships.
const masterSelect = `SELECT m.id, m.account_id, m.user_id, COALESCE(p.full_name, ''),
	       m.win_rate, m.total_profit, m.total_trades,
	       (SELECT COUNT(*) FROM copy_relationships c WHERE c.master_account_id = m.account_id AND c.is_active),
	       m.is_accepting_followers, m.updated_at
	  FROM master_trader_stats m
	  LEFT JOIN profiles p ON p.user_id = m.user_id`

const relCols = "id, follower_user_id, follower_account_id, master_account_id, risk_percentage, is_active, created_at, updated_at"

func scanMaster(row pgx.Row) (*models.MasterTraderStats, error) {
	m := &models.MasterTraderStats{}
	err := row.Scan(&m.ID, &m.AccountID, &m.UserID, &m.FullName, &m.WinRate, &m.TotalProfit, &m.TotalTrades,
		&m.FollowersCount, &m.IsAcceptingFollowers, &m.UpdatedAt)
	if err != nil {
		return nil, mapErr(err, "master trader")
	}
	return m, nil
}

func (db *DB) listMasters(ctx context.Context, query string) ([]models.MasterTraderStats, error) {
	rows, err := db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query master traders: %w", err)
	}
	defer rows.Close()

	masters := []models.MasterTraderStats{}
	for rows.Next() {
		m, err := scanMaster(rows)
		if err != nil {
			return nil, err
		}
		masters = append(masters, *m)
	}
	return masters, rows.Err()
}

func (db *DB) GetMasterStats(ctx context.Context, accountID uuid.UUID) (*models.MasterTraderStats, error) {
	return scanMaster(db.Pool.QueryRow(ctx, masterSelect+" WHERE m.account_id = $1", accountID))
}

// ListMasters returns masters accepting followers, best win rate first.
func (db *DB) ListMasters(ctx context.Context) ([]models.MasterTraderStats, error) {
	return db.listMasters(ctx, masterSelect+" WHERE m.is_accepting_followers ORDER BY m.win_rate DESC, m.total_profit DESC")
}

func (db *DB) ListMasterStats(ctx context.Context) ([]models.MasterTraderStats, error) {
	return db.listMasters(ctx, masterSelect+" ORDER BY m.updated_at DESC")
}

func (db *DB) UpsertMasterStats(ctx context.Context, m *models.MasterTraderStats) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO master_trader_stats (id, account_id, user_id, win_rate, total_profit, total_trades,
		                                  is_accepting_followers, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		 ON CONFLICT (account_id) DO UPDATE
		    SET win_rate = EXCLUDED.win_rate,
		        total_profit = EXCLUDED.total_profit,
		        total_trades = EXCLUDED.total_trades,
		        is_accepting_followers = EXCLUDED.is_accepting_followers,
		        updated_at = EXCLUDED.updated_at`,
		m.ID, m.AccountID, m.UserID, m.WinRate, m.TotalProfit, m.TotalTrades, m.IsAcceptingFollowers, m.UpdatedAt)
	if pgCode(err) == "23503" {
		return xerrors.Wrap(xerrors.ErrNotFound, "trading account not found")
	}
	return mapErr(err, "master trader stats")
}

func scanRel(row pgx.Row, r *models.CopyRelationship, extra ...any) error {
	dest := []any{&r.ID, &r.FollowerUserID, &r.FollowerAccountID, &r.MasterAccountID, &r.RiskPercentage,
		&r.IsActive, &r.CreatedAt, &r.UpdatedAt}
	return row.Scan(append(dest, extra...)...)
}

// CreateRelationship relies on the partial unique index over active
// (follower_account_id, master_account_id) pairs to reject duplicates.
func (db *DB) CreateRelationship(ctx context.Context, r *models.CopyRelationship) (*models.CopyRelationship, error) {
	out := &models.CopyRelationship{}
	err := scanRel(db.Pool.QueryRow(ctx,
		`INSERT INTO copy_relationships (id, follower_user_id, follower_account_id, master_account_id,
		                                 risk_percentage, is_active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING `+relCols,
		r.ID, r.FollowerUserID, r.FollowerAccountID, r.MasterAccountID, r.RiskPercentage, r.IsActive, r.CreatedAt, r.UpdatedAt), out)
	switch pgCode(err) {
	case "":
	case "23505":
		return nil, xerrors.Wrap(xerrors.ErrConflict, "already following this master")
	case "23503":
		return nil, xerrors.Wrap(xerrors.ErrNotFound, "trading account not found")
	}
	if err != nil {
		return nil, mapErr(err, "copy relationship")
	}
	return out, nil
}

func (db *DB) DeleteRelationship(ctx context.Context, id, followerUserID uuid.UUID) error {
	tag, err := db.Pool.Exec(ctx,
		"DELETE FROM copy_relationships WHERE id = $1 AND follower_user_id = $2", id, followerUserID)
	if err != nil {
		return fmt.Errorf("failed to delete copy relationship: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return xerrors.Wrap(xerrors.ErrNotFound, "copy relationship not found")
	}
	return nil
}

// ListFollowing returns the caller's relationships with the master's stats
// when the master still has a stats row.
func (db *DB) ListFollowing(ctx context.Context, userID uuid.UUID) ([]models.Following, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT r.id, r.follower_user_id, r.follower_account_id, r.master_account_id, r.risk_percentage,
		        r.is_active, r.created_at, r.updated_at,
		        m.id, m.user_id, COALESCE(p.full_name, ''), m.win_rate, m.total_profit, m.total_trades,
		        (SELECT COUNT(*) FROM copy_relationships c WHERE c.master_account_id = r.master_account_id AND c.is_active),
		        m.is_accepting_followers, m.updated_at
		   FROM copy_relationships r
		   LEFT JOIN master_trader_stats m ON m.account_id = r.master_account_id
		   LEFT JOIN profiles p ON p.user_id = m.user_id
		  WHERE r.follower_user_id = $1
		  ORDER BY r.created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query following: %w", err)
	}
	defer rows.Close()

	following := []models.Following{}
	for rows.Next() {
		var (
			f         models.Following
			masterID  *uuid.UUID
			masterUID *uuid.UUID
			fullName  string
			winRate   decimal.NullDecimal
			profit    decimal.NullDecimal
			trades    *int
			followers int
			accepting *bool
			updatedAt *time.Time
		)
		if err := scanRel(rows, &f.CopyRelationship,
			&masterID, &masterUID, &fullName, &winRate, &profit, &trades, &followers, &accepting, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan copy relationship: %w", err)
		}
		if masterID != nil {
			f.Master = &models.MasterTraderStats{
				ID:                   *masterID,
				AccountID:            f.MasterAccountID,
				UserID:               *masterUID,
				FullName:             fullName,
				WinRate:              winRate.Decimal,
				TotalProfit:          profit.Decimal,
				TotalTrades:          *trades,
				FollowersCount:       followers,
				IsAcceptingFollowers: *accepting,
				UpdatedAt:            *updatedAt,
			}
		}
		following = append(following, f)
	}
	return following, rows.Err()
}

func (db *DB) ListRelationships(ctx context.Context) ([]models.CopyRelationship, error) {
	rows, err := db.Pool.Query(ctx, "SELECT "+relCols+" FROM copy_relationships ORDER BY created_at DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to query copy relationships: %w", err)
	}
	defer rows.Close()

	rels := []models.CopyRelationship{}
	for rows.Next() {
		var r models.CopyRelationship
		if err := scanRel(rows, &r); err != nil {
			return nil, fmt.Errorf("failed to scan copy relationship: %w", err)
		}
		rels = append(rels, r)
	}
	return rels, rows.Err()
}
