// Package admin serves the back-office views. Every method re-checks that
// the caller holds the admin role.
package admin

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xtrntr/tradepro/internal/models"
	"github.com/xtrntr/tradepro/internal/stats"
	"github.com/xtrntr/tradepro/internal/xerrors"
)

type Store interface {
	HasRole(ctx context.Context, userID uuid.UUID, role string) (bool, error)
	ListUserSummaries(ctx context.Context) ([]models.UserSummary, error)
	ListRelationships(ctx context.Context) ([]models.CopyRelationship, error)
	ListAllTransactions(ctx context.Context) ([]models.Transaction, error)
	ListWallets(ctx context.Context) ([]models.Wallet, error)
	ListAllTrades(ctx context.Context) ([]models.Trade, error)
	ListMasterStats(ctx context.Context) ([]models.MasterTraderStats, error)
	UpsertMasterStats(ctx context.Context, s *models.MasterTraderStats) error
}

// Dashboard bundles the statistics panels.
type Dashboard struct {
	Users       stats.UserStats      `json:"users"`
	Financial   stats.FinancialStats `json:"financial"`
	Trading     stats.TradingStats   `json:"trading"`
	GeneratedAt time.Time            `json:"generated_at"`
}

// Audit lists wallets whose balance disagrees with their settled history.
type Audit struct {
	Wallets int                        `json:"wallets"`
	Drift   map[string]decimal.Decimal `json:"drift"`
}

type Service struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

func NewService(store Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, logger: logger, now: time.Now}
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

func (s *Service) Users(ctx context.Context, adminID uuid.UUID) ([]models.UserSummary, error) {
	if err := s.requireAdmin(ctx, adminID); err != nil {
		return nil, err
	}
	return s.store.ListUserSummaries(ctx)
}

func (s *Service) Relationships(ctx context.Context, adminID uuid.UUID) ([]models.CopyRelationship, error) {
	if err := s.requireAdmin(ctx, adminID); err != nil {
		return nil, err
	}
	return s.store.ListRelationships(ctx)
}

func (s *Service) Stats(ctx context.Context, adminID uuid.UUID) (*Dashboard, error) {
	if err := s.requireAdmin(ctx, adminID); err != nil {
		return nil, err
	}

	users, err := s.store.ListUserSummaries(ctx)
	if err != nil {
		return nil, err
	}
	txns, err := s.store.ListAllTransactions(ctx)
	if err != nil {
		return nil, err
	}
	wallets, err := s.store.ListWallets(ctx)
	if err != nil {
		return nil, err
	}
	trades, err := s.store.ListAllTrades(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	return &Dashboard{
		Users:       stats.Users(users, now),
		Financial:   stats.Financial(txns, wallets),
		Trading:     stats.Trading(trades),
		GeneratedAt: now,
	}, nil
}

// RefreshMasterStats recomputes every master's figures from recorded trades
// and returns how many rows were written.
func (s *Service) RefreshMasterStats(ctx context.Context, adminID uuid.UUID) (int, error) {
	if err := s.requireAdmin(ctx, adminID); err != nil {
		return 0, err
	}

	masters, err := s.store.ListMasterStats(ctx)
	if err != nil {
		return 0, err
	}
	trades, err := s.store.ListAllTrades(ctx)
	if err != nil {
		return 0, err
	}

	now := s.now().UTC()
	for _, m := range masters {
		updated := stats.Master(m, trades, now)
		if err := s.store.UpsertMasterStats(ctx, &updated); err != nil {
			return 0, fmt.Errorf("failed to update master %s: %w", m.AccountID, err)
		}
	}
	s.logger.Info("master stats refreshed", zap.Int("masters", len(masters)))
	return len(masters), nil
}

// Audit checks ledger conservation for every wallet.
func (s *Service) Audit(ctx context.Context, adminID uuid.UUID) (*Audit, error) {
	if err := s.requireAdmin(ctx, adminID); err != nil {
		return nil, err
	}
	txns, err := s.store.ListAllTransactions(ctx)
	if err != nil {
		return nil, err
	}
	wallets, err := s.store.ListWallets(ctx)
	if err != nil {
		return nil, err
	}

	drift := stats.Conservation(txns, wallets)
	if len(drift) > 0 {
		s.logger.Error("ledger drift detected", zap.Int("wallets", len(drift)))
	}
	return &Audit{Wallets: len(wallets), Drift: drift}, nil
}
