package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/xtrntr/tradepro/internal/ledger"
	"github.com/xtrntr/tradepro/internal/models"
	"github.com/xtrntr/tradepro/internal/xerrors"
)

const walletCols = "id, user_id, balance, currency, created_at, updated_at"

const txnCols = `id, wallet_id, user_id, type, amount, status, payment_method, notes,
	transaction_hash, processed_by, processed_at, rejection_reason, created_at, updated_at`

func scanWallet(row pgx.Row) (*models.Wallet, error) {
	w := &models.Wallet{}
	err := row.Scan(&w.ID, &w.UserID, &w.Balance, &w.Currency, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, mapErr(err, "wallet")
	}
	return w, nil
}

func scanTxn(row pgx.Row, t *models.Transaction, extra ...any) error {
	dest := []any{&t.ID, &t.WalletID, &t.UserID, &t.Type, &t.Amount, &t.Status, &t.PaymentMethod, &t.Notes,
		&t.TransactionHash, &t.ProcessedBy, &t.ProcessedAt, &t.RejectionReason, &t.CreatedAt, &t.UpdatedAt}
	return row.Scan(append(dest, extra...)...)
}

func collectTxns(rows pgx.Rows) ([]models.Transaction, error) {
	defer rows.Close()
	txns := []models.Transaction{}
	for rows.Next() {
		var t models.Transaction
		if err := scanTxn(rows, &t); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txns = append(txns, t)
	}
	return txns, rows.Err()
}

func (db *DB) GetWallet(ctx context.Context, id uuid.UUID) (*models.Wallet, error) {
	return scanWallet(db.Pool.QueryRow(ctx, "SELECT "+walletCols+" FROM wallets WHERE id = $1", id))
}

func (db *DB) GetWalletByUser(ctx context.Context, userID uuid.UUID) (*models.Wallet, error) {
	return scanWallet(db.Pool.QueryRow(ctx, "SELECT "+walletCols+" FROM wallets WHERE user_id = $1", userID))
}

func (db *DB) ListWallets(ctx context.Context) ([]models.Wallet, error) {
	rows, err := db.Pool.Query(ctx, "SELECT "+walletCols+" FROM wallets")
	if err != nil {
		return nil, fmt.Errorf("failed to list wallets: %w", err)
	}
	defer rows.Close()

	wallets := []models.Wallet{}
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		wallets = append(wallets, *w)
	}
	return wallets, rows.Err()
}

// CreateTransaction inserts a transaction request. Settlement fields are
// written only by the settlement unit.
func (db *DB) CreateTransaction(ctx context.Context, t *models.Transaction) (*models.Transaction, error) {
	out := &models.Transaction{}
	err := scanTxn(db.Pool.QueryRow(ctx,
		`INSERT INTO transactions (id, wallet_id, user_id, type, amount, status, payment_method, notes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING `+txnCols,
		t.ID, t.WalletID, t.UserID, t.Type, t.Amount, t.Status, t.PaymentMethod, t.Notes, t.CreatedAt, t.UpdatedAt), out)
	if err != nil {
		return nil, mapErr(err, "transaction")
	}
	return out, nil
}

func (db *DB) GetTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	t := &models.Transaction{}
	if err := scanTxn(db.Pool.QueryRow(ctx, "SELECT "+txnCols+" FROM transactions WHERE id = $1", id), t); err != nil {
		return nil, mapErr(err, "transaction")
	}
	return t, nil
}

func (db *DB) ListUserTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]models.Transaction, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+txnCols+" FROM transactions WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2",
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	return collectTxns(rows)
}

func (db *DB) ListAllTransactions(ctx context.Context) ([]models.Transaction, error) {
	rows, err := db.Pool.Query(ctx, "SELECT "+txnCols+" FROM transactions ORDER BY created_at DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	return collectTxns(rows)
}

// ListPendingTransactions returns the approval queue, newest first.
func (db *DB) ListPendingTransactions(ctx context.Context) ([]models.PendingTransaction, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT t.id, t.wallet_id, t.user_id, t.type, t.amount, t.status, t.payment_method, t.notes,
		        t.transaction_hash, t.processed_by, t.processed_at, t.rejection_reason, t.created_at, t.updated_at,
		        u.email, COALESCE(p.full_name, '')
		   FROM transactions t
		   JOIN users u ON u.id = t.user_id
		   LEFT JOIN profiles p ON p.user_id = t.user_id
		  WHERE t.status = 'pending'
		  ORDER BY t.created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending transactions: %w", err)
	}
	defer rows.Close()

	pending := []models.PendingTransaction{}
	for rows.Next() {
		var p models.PendingTransaction
		if err := scanTxn(rows, &p.Transaction, &p.Email, &p.FullName); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		pending = append(pending, p)
	}
	return pending, rows.Err()
}

// InTx runs a settlement unit in one database transaction. Row locks taken
// through the ledger.Tx are held until commit or rollback.
func (db *DB) InTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	return db.WithTx(ctx, func(tx pgx.Tx) error {
		return fn(&settlementTx{tx: tx})
	})
}

type settlementTx struct {
	tx pgx.Tx
}

func (s *settlementTx) TransactionForUpdate(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	t := &models.Transaction{}
	err := scanTxn(s.tx.QueryRow(ctx, "SELECT "+txnCols+" FROM transactions WHERE id = $1 FOR UPDATE", id), t)
	if err != nil {
		return nil, mapErr(err, "transaction")
	}
	return t, nil
}

func (s *settlementTx) WalletForUpdate(ctx context.Context, id uuid.UUID) (*models.Wallet, error) {
	return scanWallet(s.tx.QueryRow(ctx, "SELECT "+walletCols+" FROM wallets WHERE id = $1 FOR UPDATE", id))
}

func (s *settlementTx) SetWalletBalance(ctx context.Context, walletID uuid.UUID, balance decimal.Decimal, at time.Time) error {
	tag, err := s.tx.Exec(ctx,
		"UPDATE wallets SET balance = $2, updated_at = $3 WHERE id = $1", walletID, balance, at)
	if err != nil {
		if pgCode(err) == "23514" {
			return xerrors.Wrap(xerrors.ErrInsufficientBalance, "balance cannot be negative")
		}
		return fmt.Errorf("failed to update wallet: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return xerrors.Wrap(xerrors.ErrNotFound, "wallet not found")
	}
	return nil
}

func (s *settlementTx) FinalizeTransaction(ctx context.Context, id uuid.UUID, status string, by uuid.UUID, reason *string, at time.Time) error {
	tag, err := s.tx.Exec(ctx,
		`UPDATE transactions
		    SET status = $2, processed_by = $3, processed_at = $4, rejection_reason = $5, updated_at = $4
		  WHERE id = $1 AND status = 'pending'`,
		id, status, by, at, reason)
	if err != nil {
		return fmt.Errorf("failed to finalize transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return xerrors.Wrap(xerrors.ErrAlreadyProcessed, "transaction already processed")
	}
	return nil
}
