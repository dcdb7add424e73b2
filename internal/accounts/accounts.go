// Package accounts connects broker trading accounts and refreshes their
// balances through a broker.Syncer.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xtrntr/tradepro/internal/broker"
	"github.com/xtrntr/tradepro/internal/models"
	"github.com/xtrntr/tradepro/internal/xerrors"
)

// Cipher protects credentials at rest. security.Encryption implements it.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

type Store interface {
	CreateTradingAccount(ctx context.Context, a *models.TradingAccount) (*models.TradingAccount, error)
	GetTradingAccount(ctx context.Context, id uuid.UUID) (*models.TradingAccount, error)
	ListTradingAccounts(ctx context.Context, userID uuid.UUID) ([]models.TradingAccount, error)
	// DeleteTradingAccount returns ErrNotFound unless userID owns id and
	// ErrConflict while an active copy relationship references it.
	DeleteTradingAccount(ctx context.Context, id, userID uuid.UUID) error
	UpdateTradingAccountBalance(ctx context.Context, id uuid.UUID, snap broker.Snapshot, at time.Time) error
}

// ConnectRequest carries the fields needed to link an account.
type ConnectRequest struct {
	AccountNumber string `json:"account_number"`
	AccountName   string `json:"account_name"`
	Server        string `json:"server"`
	AccountType   string `json:"account_type"`
	Password      string `json:"password"`
}

// SyncResult is returned by SyncBalance.
type SyncResult struct {
	AccountID uuid.UUID `json:"account_id"`
	broker.Snapshot
	SyncedAt time.Time `json:"synced_at"`
}

type Service struct {
	store  Store
	cipher Cipher
	syncer broker.Syncer
	logger *zap.Logger
	now    func() time.Time
}

func NewService(store Store, cipher Cipher, syncer broker.Syncer, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, cipher: cipher, syncer: syncer, logger: logger, now: time.Now}
}

func validateConnect(req *ConnectRequest) error {
	req.AccountNumber = strings.TrimSpace(req.AccountNumber)
	req.Server = strings.TrimSpace(req.Server)
	req.AccountName = strings.TrimSpace(req.AccountName)

	if n := utf8.RuneCountInString(req.AccountNumber); n == 0 || n > 50 {
		return xerrors.Invalid("account_number", "must be 1 to 50 characters")
	}
	if n := utf8.RuneCountInString(req.Server); n == 0 || n > 100 {
		return xerrors.Invalid("server", "must be 1 to 100 characters")
	}
	if utf8.RuneCountInString(req.AccountName) > 100 {
		return xerrors.Invalid("account_name", "must be at most 100 characters")
	}
	if req.AccountType == "" {
		req.AccountType = models.AccountLive
	}
	if req.AccountType != models.AccountLive && req.AccountType != models.AccountDemo {
		return xerrors.Invalid("account_type", "must be 'live' or 'demo'")
	}
	if req.Password == "" {
		return xerrors.Invalid("password", "is required")
	}
	if len(req.Password) > 128 {
		return xerrors.Invalid("password", "must be at most 128 characters")
	}
	return nil
}

// Connect stores a new trading account for userID. Only the encrypted
// password reaches the store.
func (s *Service) Connect(ctx context.Context, userID uuid.UUID, req ConnectRequest) (*models.TradingAccount, error) {
	if err := validateConnect(&req); err != nil {
		return nil, err
	}

	enc, err := s.cipher.Encrypt(req.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt credential: %w", err)
	}

	now := s.now().UTC()
	acct, err := s.store.CreateTradingAccount(ctx, &models.TradingAccount{
		ID:                uuid.New(),
		UserID:            userID,
		AccountNumber:     req.AccountNumber,
		AccountName:       req.AccountName,
		Server:            req.Server,
		AccountType:       req.AccountType,
		PasswordEncrypted: enc,
		IsActive:          true,
		CreatedAt:         now,
		UpdatedAt:         now,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("trading account connected",
		zap.String("account_id", acct.ID.String()),
		zap.String("user_id", userID.String()),
		zap.String("server", acct.Server))
	return acct, nil
}

func (s *Service) List(ctx context.Context, userID uuid.UUID) ([]models.TradingAccount, error) {
	return s.store.ListTradingAccounts(ctx, userID)
}

func (s *Service) Delete(ctx context.Context, userID, accountID uuid.UUID) error {
	return s.store.DeleteTradingAccount(ctx, accountID, userID)
}

func (s *Service) owned(ctx context.Context, userID, accountID uuid.UUID) (*models.TradingAccount, error) {
	acct, err := s.store.GetTradingAccount(ctx, accountID)
	if err != nil && !errors.Is(err, xerrors.ErrNotFound) {
		return nil, err
	}
	if err != nil || acct.UserID != userID {
		return nil, xerrors.Wrap(xerrors.ErrNotFound, "trading account not found")
	}
	return acct, nil
}

// SyncBalance refreshes the account's balance from the broker. With the
// disabled syncer this fails with ErrUpstreamUnavailable and nothing changes.
func (s *Service) SyncBalance(ctx context.Context, userID, accountID uuid.UUID) (*SyncResult, error) {
	acct, err := s.owned(ctx, userID, accountID)
	if err != nil {
		return nil, err
	}

	password, err := s.cipher.Decrypt(acct.PasswordEncrypted)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt credential: %w", err)
	}

	snap, err := s.syncer.Sync(ctx, broker.Account{
		Number:   acct.AccountNumber,
		Server:   acct.Server,
		Password: password,
	})
	if err != nil {
		s.logger.Warn("balance sync failed", zap.String("account_id", acct.ID.String()), zap.Error(err))
		return nil, err
	}

	now := s.now().UTC()
	if err := s.store.UpdateTradingAccountBalance(ctx, acct.ID, snap, now); err != nil {
		return nil, err
	}

	s.logger.Info("balance synced",
		zap.String("account_id", acct.ID.String()),
		zap.Bool("simulated", snap.Simulated))
	return &SyncResult{AccountID: acct.ID, Snapshot: snap, SyncedAt: now}, nil
}
