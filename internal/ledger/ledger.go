// Package ledger records deposit and withdrawal requests and settles them.
//
// A request only inserts a pending transaction. Balance changes happen in
// exactly one place, Approve, inside a single store transaction that locks
// the transaction and wallet rows.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xtrntr/tradepro/internal/metrics"
	"github.com/xtrntr/tradepro/internal/models"
	"github.com/xtrntr/tradepro/internal/xerrors"
)

// Tx is the set of row-level operations available inside a settlement unit.
// Implementations must hold row locks (or an equivalent exclusive section)
// from the first ForUpdate read until commit.
type Tx interface {
	TransactionForUpdate(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	WalletForUpdate(ctx context.Context, id uuid.UUID) (*models.Wallet, error)
	SetWalletBalance(ctx context.Context, walletID uuid.UUID, balance decimal.Decimal, at time.Time) error
	// FinalizeTransaction moves a pending transaction to status. It returns
	// ErrAlreadyProcessed when the row is no longer pending.
	FinalizeTransaction(ctx context.Context, id uuid.UUID, status string, by uuid.UUID, reason *string, at time.Time) error
}

// Store is the ledger's view of persistence.
type Store interface {
	GetWallet(ctx context.Context, id uuid.UUID) (*models.Wallet, error)
	GetWalletByUser(ctx context.Context, userID uuid.UUID) (*models.Wallet, error)
	CreateTransaction(ctx context.Context, t *models.Transaction) (*models.Transaction, error)
	GetTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	ListUserTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]models.Transaction, error)
	ListPendingTransactions(ctx context.Context) ([]models.PendingTransaction, error)
	HasRole(ctx context.Context, userID uuid.UUID, role string) (bool, error)
	// InTx runs fn atomically. A non-nil error from fn rolls everything back.
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Notifier receives settlement outcomes. Failures never affect settlement.
type Notifier interface {
	Notify(ctx context.Context, userID uuid.UUID, title, message, kind string) error
}

// Request is a user initiated deposit or withdrawal.
type Request struct {
	UserID        uuid.UUID
	WalletID      uuid.UUID // zero means the caller's wallet
	Type          string
	Amount        decimal.Decimal
	PaymentMethod string
	Notes         string
}

// CryptoAddressRequest asks for a deposit address.
type CryptoAddressRequest struct {
	UserID   uuid.UUID
	Amount   decimal.Decimal
	Currency string
	Network  string
}

// Service implements the request, approval and rejection handlers.
type Service struct {
	store     Store
	notifier  Notifier
	logger    *zap.Logger
	maxAmount decimal.Decimal
	now       func() time.Time
}

// NewService creates a ledger service. maxAmount caps a single request.
func NewService(store Store, notifier Notifier, logger *zap.Logger, maxAmount decimal.Decimal) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:     store,
		notifier:  notifier,
		logger:    logger,
		maxAmount: maxAmount,
		now:       time.Now,
	}
}

// Comparing or rounding a decimal rescales it to the other operand's
// exponent, so the exponent and digit count are bounded first.
const (
	minAmountExponent = -18
	maxAmountExponent = 9
	maxAmountDigits   = 32
)

func (s *Service) validateAmount(amount decimal.Decimal) error {
	if e := amount.Exponent(); e < minAmountExponent || e > maxAmountExponent || amount.NumDigits() > maxAmountDigits {
		return xerrors.Invalid("amount", "is out of range")
	}
	if !amount.IsPositive() {
		return xerrors.Invalid("amount", "must be positive")
	}
	if amount.GreaterThan(s.maxAmount) {
		return xerrors.Invalid("amount", "must not exceed "+s.maxAmount.StringFixed(2))
	}
	if amount.Exponent() < -2 && !amount.Equal(amount.Round(2)) {
		return xerrors.Invalid("amount", "must have at most 2 decimal places")
	}
	return nil
}

func validateRequest(req *Request) error {
	if req.Type != models.TypeDeposit && req.Type != models.TypeWithdrawal {
		return xerrors.Invalid("type", "must be 'deposit' or 'withdrawal'")
	}
	req.PaymentMethod = strings.TrimSpace(req.PaymentMethod)
	if req.PaymentMethod == "" {
		return xerrors.Invalid("payment_method", "is required")
	}
	if utf8.RuneCountInString(req.PaymentMethod) > 100 {
		return xerrors.Invalid("payment_method", "must be at most 100 characters")
	}
	req.Notes = strings.TrimSpace(req.Notes)
	if utf8.RuneCountInString(req.Notes) > 500 {
		return xerrors.Invalid("notes", "must be at most 500 characters")
	}
	return nil
}

// RequestTransaction validates req and records it as pending. It never
// touches the wallet balance. For withdrawals the balance check here is
// advisory; Approve re-checks it authoritatively.
func (s *Service) RequestTransaction(ctx context.Context, req Request) (*models.Transaction, error) {
	if err := validateRequest(&req); err != nil {
		return nil, err
	}
	if err := s.validateAmount(req.Amount); err != nil {
		return nil, err
	}

	var (
		wallet *models.Wallet
		err    error
	)
	if req.WalletID == uuid.Nil {
		wallet, err = s.store.GetWalletByUser(ctx, req.UserID)
	} else {
		wallet, err = s.store.GetWallet(ctx, req.WalletID)
	}
	if err != nil {
		return nil, err
	}
	if wallet.UserID != req.UserID {
		return nil, xerrors.Wrap(xerrors.ErrNotFound, "wallet not found")
	}

	if req.Type == models.TypeWithdrawal && wallet.Balance.LessThan(req.Amount) {
		return nil, xerrors.Wrap(xerrors.ErrInsufficientBalance,
			"withdrawal of %s exceeds balance of %s", req.Amount.StringFixed(2), wallet.Balance.StringFixed(2))
	}

	now := s.now().UTC()
	t, err := s.store.CreateTransaction(ctx, &models.Transaction{
		ID:            uuid.New(),
		WalletID:      wallet.ID,
		UserID:        req.UserID,
		Type:          req.Type,
		Amount:        req.Amount.Round(2),
		Status:        models.StatusPending,
		PaymentMethod: req.PaymentMethod,
		Notes:         req.Notes,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record transaction: %w", err)
	}

	metrics.TransactionRequests.WithLabelValues(t.Type).Inc()
	s.logger.Info("transaction requested",
		zap.String("transaction_id", t.ID.String()),
		zap.String("user_id", t.UserID.String()),
		zap.String("type", t.Type),
		zap.String("amount", t.Amount.StringFixed(2)))
	return t, nil
}

// Wallet returns the caller's wallet.
func (s *Service) Wallet(ctx context.Context, userID uuid.UUID) (*models.Wallet, error) {
	return s.store.GetWalletByUser(ctx, userID)
}

// History returns the caller's most recent transactions, newest first.
func (s *Service) History(ctx context.Context, userID uuid.UUID, limit int) ([]models.Transaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	return s.store.ListUserTransactions(ctx, userID, limit)
}

func (s *Service) requireAdmin(ctx context.Context, userID uuid.UUID) error {
	ok, err := s.store.HasRole(ctx, userID, models.RoleAdmin)
	if err != nil {
		return fmt.Errorf("failed to check role: %w", err)
	}
	if !ok {
		return xerrors.Wrap(xerrors.ErrForbidden, "admin role required")
	}
	return nil
}

// Pending lists the approval queue. Admin only.
func (s *Service) Pending(ctx context.Context, adminID uuid.UUID) ([]models.PendingTransaction, error) {
	if err := s.requireAdmin(ctx, adminID); err != nil {
		return nil, err
	}
	return s.store.ListPendingTransactions(ctx)
}

// Approve settles a pending transaction. The caller's admin role is checked
// against the store, never taken from the request. Re-approving a settled
// transaction fails with ErrAlreadyProcessed and changes nothing. A
// withdrawal that exceeds the balance at approval time fails with
// ErrInsufficientBalance and stays pending.
func (s *Service) Approve(ctx context.Context, adminID, transactionID uuid.UUID) (*models.Transaction, error) {
	if err := s.requireAdmin(ctx, adminID); err != nil {
		return nil, err
	}

	var settled models.Transaction
	now := s.now().UTC()
	err := s.store.InTx(ctx, func(tx Tx) error {
		t, err := tx.TransactionForUpdate(ctx, transactionID)
		if err != nil {
			return err
		}
		if t.Status != models.StatusPending {
			return xerrors.Wrap(xerrors.ErrAlreadyProcessed, "transaction is %s", t.Status)
		}

		w, err := tx.WalletForUpdate(ctx, t.WalletID)
		if err != nil {
			return err
		}

		var balance decimal.Decimal
		switch t.Type {
		case models.TypeDeposit:
			balance = w.Balance.Add(t.Amount)
		case models.TypeWithdrawal:
			if w.Balance.LessThan(t.Amount) {
				return xerrors.Wrap(xerrors.ErrInsufficientBalance,
					"withdrawal of %s exceeds balance of %s", t.Amount.StringFixed(2), w.Balance.StringFixed(2))
			}
			balance = w.Balance.Sub(t.Amount)
		default:
			return fmt.Errorf("unknown transaction type %q", t.Type)
		}

		if err := tx.SetWalletBalance(ctx, w.ID, balance, now); err != nil {
			return err
		}
		if err := tx.FinalizeTransaction(ctx, t.ID, models.StatusCompleted, adminID, nil, now); err != nil {
			return err
		}

		settled = *t
		settled.Status = models.StatusCompleted
		settled.ProcessedBy = &adminID
		settled.ProcessedAt = &now
		settled.UpdatedAt = now
		return nil
	})
	if err != nil {
		metrics.Settlements.WithLabelValues("approve", xerrors.Code(err)).Inc()
		s.logger.Warn("approval failed",
			zap.String("transaction_id", transactionID.String()),
			zap.String("admin_id", adminID.String()),
			zap.Error(err))
		return nil, err
	}

	metrics.Settlements.WithLabelValues("approve", "ok").Inc()
	s.logger.Info("transaction approved",
		zap.String("transaction_id", settled.ID.String()),
		zap.String("admin_id", adminID.String()),
		zap.String("type", settled.Type),
		zap.String("amount", settled.Amount.StringFixed(2)))

	s.notify(ctx, settled.UserID, titleFor(settled.Type, true),
		fmt.Sprintf("Your %s of %s has been approved.", settled.Type, settled.Amount.StringFixed(2)), "success")
	return &settled, nil
}

// Reject moves a pending transaction to rejected. It never changes a balance.
func (s *Service) Reject(ctx context.Context, adminID, transactionID uuid.UUID, reason string) (*models.Transaction, error) {
	if err := s.requireAdmin(ctx, adminID); err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if utf8.RuneCountInString(reason) > 500 {
		return nil, xerrors.Invalid("reason", "must be at most 500 characters")
	}
	var reasonPtr *string
	if reason != "" {
		reasonPtr = &reason
	}

	var rejected models.Transaction
	now := s.now().UTC()
	err := s.store.InTx(ctx, func(tx Tx) error {
		t, err := tx.TransactionForUpdate(ctx, transactionID)
		if err != nil {
			return err
		}
		if t.Status != models.StatusPending {
			return xerrors.Wrap(xerrors.ErrAlreadyProcessed, "transaction is %s", t.Status)
		}
		if err := tx.FinalizeTransaction(ctx, t.ID, models.StatusRejected, adminID, reasonPtr, now); err != nil {
			return err
		}

		rejected = *t
		rejected.Status = models.StatusRejected
		rejected.ProcessedBy = &adminID
		rejected.ProcessedAt = &now
		rejected.RejectionReason = reasonPtr
		rejected.UpdatedAt = now
		return nil
	})
	if err != nil {
		metrics.Settlements.WithLabelValues("reject", xerrors.Code(err)).Inc()
		return nil, err
	}

	metrics.Settlements.WithLabelValues("reject", "ok").Inc()
	s.logger.Info("transaction rejected",
		zap.String("transaction_id", rejected.ID.String()),
		zap.String("admin_id", adminID.String()))

	msg := fmt.Sprintf("Your %s of %s was rejected.", rejected.Type, rejected.Amount.StringFixed(2))
	if reasonPtr != nil {
		msg += " Reason: " + reason
	}
	s.notify(ctx, rejected.UserID, titleFor(rejected.Type, false), msg, "error")
	return &rejected, nil
}

// RequestCryptoAddress validates the request and always fails: no custody
// integration exists, and an address must never be fabricated.
func (s *Service) RequestCryptoAddress(ctx context.Context, req CryptoAddressRequest) error {
	if err := s.validateAmount(req.Amount); err != nil {
		return err
	}
	if req.Currency == "" {
		req.Currency = "USDT"
	}
	if req.Network == "" {
		req.Network = "TRC20"
	}
	s.logger.Warn("crypto deposit address requested but no custody integration is configured",
		zap.String("user_id", req.UserID.String()),
		zap.String("currency", req.Currency),
		zap.String("network", req.Network))
	return xerrors.Wrap(xerrors.ErrUpstreamUnavailable, "crypto deposits are not available")
}

func (s *Service) notify(ctx context.Context, userID uuid.UUID, title, message, kind string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(context.WithoutCancel(ctx), userID, title, message, kind); err != nil {
		s.logger.Warn("failed to notify user", zap.String("user_id", userID.String()), zap.Error(err))
	}
}

func titleFor(txType string, approved bool) string {
	kind := "Deposit"
	if txType == models.TypeWithdrawal {
		kind = "Withdrawal"
	}
	if approved {
		return kind + " approved"
	}
	return kind + " rejected"
}

// IsSettlementError reports whether err was raised by the settlement rules
// rather than by infrastructure.
func IsSettlementError(err error) bool {
	return errors.Is(err, xerrors.ErrAlreadyProcessed) || errors.Is(err, xerrors.ErrInsufficientBalance)
}
