package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/xtrntr/tradepro/internal/broker"
	"github.com/xtrntr/tradepro/internal/models"
	"github.com/xtrntr/tradepro/internal/xerrors"
)

const accountCols = `id, user_id, account_number, account_name, server, account_type, password_encrypted,
	balance, equity, balance_simulated, is_active, created_at, updated_at`

func scanAccount(row pgx.Row) (*models.TradingAccount, error) {
	a := &models.TradingAccount{}
	err := row.Scan(&a.ID, &a.UserID, &a.AccountNumber, &a.AccountName, &a.Server, &a.AccountType, &a.PasswordEncrypted,
		&a.Balance, &a.Equity, &a.BalanceSimulated, &a.IsActive, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, mapErr(err, "trading account")
	}
	return a, nil
}

func (db *DB) CreateTradingAccount(ctx context.Context, a *models.TradingAccount) (*models.TradingAccount, error) {
	return scanAccount(db.Pool.QueryRow(ctx,
		`INSERT INTO trading_accounts (id, user_id, account_number, account_name, server, account_type,
		                               password_encrypted, is_active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING `+accountCols,
		a.ID, a.UserID, a.AccountNumber, a.AccountName, a.Server, a.AccountType,
		a.PasswordEncrypted, a.IsActive, a.CreatedAt, a.UpdatedAt))
}

func (db *DB) GetTradingAccount(ctx context.Context, id uuid.UUID) (*models.TradingAccount, error) {
	return scanAccount(db.Pool.QueryRow(ctx, "SELECT "+accountCols+" FROM trading_accounts WHERE id = $1", id))
}

func (db *DB) ListTradingAccounts(ctx context.Context, userID uuid.UUID) ([]models.TradingAccount, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+accountCols+" FROM trading_accounts WHERE user_id = $1 ORDER BY created_at DESC", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query trading accounts: %w", err)
	}
	defer rows.Close()

	accts := []models.TradingAccount{}
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accts = append(accts, *a)
	}
	return accts, rows.Err()
}

// DeleteTradingAccount removes an account owned by userID unless an active
// copy relationship still uses it.
func (db *DB) DeleteTradingAccount(ctx context.Context, id, userID uuid.UUID) error {
	return db.WithTx(ctx, func(tx pgx.Tx) error {
		var owner uuid.UUID
		err := tx.QueryRow(ctx, "SELECT user_id FROM trading_accounts WHERE id = $1 FOR UPDATE", id).Scan(&owner)
		if err != nil {
			return mapErr(err, "trading account")
		}
		if owner != userID {
			return xerrors.Wrap(xerrors.ErrNotFound, "trading account not found")
		}

		var inUse bool
		err = tx.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM copy_relationships
			                WHERE is_active AND (follower_account_id = $1 OR master_account_id = $1))`,
			id).Scan(&inUse)
		if err != nil {
			return fmt.Errorf("failed to check copy relationships: %w", err)
		}
		if inUse {
			return xerrors.Wrap(xerrors.ErrConflict, "trading account is part of an active copy relationship")
		}

		if _, err := tx.Exec(ctx, "DELETE FROM trading_accounts WHERE id = $1", id); err != nil {
			return mapErr(err, "trading account")
		}
		return nil
	})
}

func (db *DB) UpdateTradingAccountBalance(ctx context.Context, id uuid.UUID, snap broker.Snapshot, at time.Time) error {
	tag, err := db.Pool.Exec(ctx,
		"UPDATE trading_accounts SET balance = $2, equity = $3, balance_simulated = $4, updated_at = $5 WHERE id = $1",
		id, snap.Balance, snap.Equity, snap.Simulated, at)
	if err != nil {
		return fmt.Errorf("failed to update trading account balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return xerrors.Wrap(xerrors.ErrNotFound, "trading account not found")
	}
	return nil
}

func (db *DB) CreateTrade(ctx context.Context, t *models.Trade) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO trades (id, user_id, account_id, symbol, type, volume, open_price, close_price, profit, status, opened_at, closed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		t.ID, t.UserID, t.AccountID, t.Symbol, t.Type, t.Volume, t.OpenPrice, t.ClosePrice, t.Profit, t.Status, t.OpenedAt, t.ClosedAt)
	return mapErr(err, "trade")
}

func (db *DB) ListAllTrades(ctx context.Context) ([]models.Trade, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT id, user_id, account_id, symbol, type, volume, open_price, close_price, profit, status, opened_at, closed_at
		   FROM trades ORDER BY opened_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	trades := []models.Trade{}
	for rows.Next() {
		var t models.Trade
		if err := rows.Scan(&t.ID, &t.UserID, &t.AccountID, &t.Symbol, &t.Type, &t.Volume, &t.OpenPrice,
			&t.ClosePrice, &t.Profit, &t.Status, &t.OpenedAt, &t.ClosedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}
