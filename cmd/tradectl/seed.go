package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xtrntr/tradepro/internal/accounts"
	"github.com/xtrntr/tradepro/internal/admin"
	"github.com/xtrntr/tradepro/internal/auth"
	"github.com/xtrntr/tradepro/internal/broker"
	"github.com/xtrntr/tradepro/internal/cache"
	"github.com/xtrntr/tradepro/internal/copytrade"
	"github.com/xtrntr/tradepro/internal/db"
	"github.com/xtrntr/tradepro/internal/ledger"
	"github.com/xtrntr/tradepro/internal/models"
	"github.com/xtrntr/tradepro/internal/security"
	"github.com/xtrntr/tradepro/internal/xerrors"
)

const seedPassword = "Passw0rd1"

func newSeedCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Populate the database with demo users, accounts and trades",
		Long: `Seed creates an admin, a master trader with closed trades and a follower
with a pending deposit. All users share the password ` + seedPassword + `.
It does nothing when trades already exist. CREDENTIAL_KEY must be set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := opts.logger()
			defer logger.Sync()

			enc, err := security.NewEncryption(os.Getenv("CREDENTIAL_KEY"))
			if err != nil {
				return err
			}
			database, err := opts.open(ctx)
			if err != nil {
				return err
			}
			defer database.Close()

			return seed(ctx, database, enc, logger)
		},
	}
}

type seeder struct {
	db       *db.DB
	auth     *auth.AuthService
	accounts *accounts.Service
	copy     *copytrade.Manager
	ledger   *ledger.Service
	admin    *admin.Service
	logger   *zap.Logger
}

func seed(ctx context.Context, database *db.DB, enc *security.Encryption, logger *zap.Logger) error {
	// First check if we already have trades
	trades, err := database.ListAllTrades(ctx)
	if err != nil {
		return err
	}
	if len(trades) > 0 {
		logger.Info("database already has trades, nothing to seed", zap.Int("trades", len(trades)))
		return nil
	}

	s := &seeder{
		db:       database,
		auth:     auth.NewAuthService(database, cache.NewMemory(), auth.Options{Secret: "seed-only-secret"}, logger),
		accounts: accounts.NewService(database, enc, broker.Disabled{}, logger),
		copy:     copytrade.NewManager(database, logger),
		ledger:   ledger.NewService(database, nil, logger, decimal.NewFromInt(1_000_000)),
		admin:    admin.NewService(database, logger),
		logger:   logger,
	}

	adminID, err := s.user(ctx, "admin@tradepro.test")
	if err != nil {
		return err
	}
	if err := database.GrantRole(ctx, adminID, models.RoleAdmin); err != nil {
		return err
	}
	masterID, err := s.user(ctx, "trader2@tradepro.test")
	if err != nil {
		return err
	}
	followerID, err := s.user(ctx, "trader1@tradepro.test")
	if err != nil {
		return err
	}

	masterAcct, err := s.accounts.Connect(ctx, masterID, accounts.ConnectRequest{
		AccountNumber: "50012001", AccountName: "Master", Server: "Demo-Live", Password: "master-Passw0rd",
	})
	if err != nil {
		return fmt.Errorf("failed to connect master account: %w", err)
	}
	followerAcct, err := s.accounts.Connect(ctx, followerID, accounts.ConnectRequest{
		AccountNumber: "50011001", AccountName: "Follower", Server: "Demo-Live", Password: "follower-Passw0rd",
	})
	if err != nil {
		return fmt.Errorf("failed to connect follower account: %w", err)
	}

	if err := s.trades(ctx, masterID, masterAcct.ID); err != nil {
		return err
	}
	if _, err := s.copy.SetAccepting(ctx, masterID, masterAcct.ID, true); err != nil {
		return err
	}
	if _, err := s.admin.RefreshMasterStats(ctx, adminID); err != nil {
		return err
	}
	if _, err := s.copy.Follow(ctx, followerID, copytrade.FollowRequest{
		FollowerAccountID: followerAcct.ID,
		MasterAccountID:   masterAcct.ID,
		RiskPercentage:    50,
	}); err != nil {
		return err
	}

	if err := s.fund(ctx, adminID, followerID); err != nil {
		return err
	}

	logger.Info("seed complete",
		zap.String("admin_id", adminID.String()),
		zap.String("master_account_id", masterAcct.ID.String()),
		zap.String("follower_account_id", followerAcct.ID.String()))
	return nil
}

// user registers email, or returns the existing user's id.
func (s *seeder) user(ctx context.Context, email string) (uuid.UUID, error) {
	u, err := s.auth.Register(ctx, email, seedPassword)
	if err == nil {
		s.logger.Info("created user", zap.String("email", email))
		return u.ID, nil
	}
	if !errors.Is(err, xerrors.ErrConflict) {
		return uuid.Nil, fmt.Errorf("failed to create %s: %w", email, err)
	}
	existing, err := s.db.GetUserByEmail(ctx, email)
	if err != nil {
		return uuid.Nil, err
	}
	return existing.ID, nil
}

// trades records a few days of closed positions and one open position.
func (s *seeder) trades(ctx context.Context, userID, accountID uuid.UUID) error {
	baseTime := time.Now().UTC().Add(-3 * 24 * time.Hour)
	closed := []struct {
		symbol, typ       string
		volume, open, cls string
		profit            string
	}{
		{"EURUSD", "buy", "1.0", "1.08210", "1.08640", "430.00"},
		{"GBPUSD", "sell", "0.5", "1.27150", "1.27420", "-135.00"},
		{"XAUUSD", "buy", "0.2", "2315.40", "2331.90", "330.00"},
	}

	for i, c := range closed {
		openedAt := baseTime.Add(time.Duration(i) * 24 * time.Hour)
		closedAt := openedAt.Add(6 * time.Hour)
		closePrice := decimal.RequireFromString(c.cls)
		profit := decimal.RequireFromString(c.profit)
		err := s.db.CreateTrade(ctx, &models.Trade{
			ID:         uuid.New(),
			UserID:     userID,
			AccountID:  accountID,
			Symbol:     c.symbol,
			Type:       c.typ,
			Volume:     decimal.RequireFromString(c.volume),
			OpenPrice:  decimal.RequireFromString(c.open),
			ClosePrice: &closePrice,
			Profit:     &profit,
			Status:     "closed",
			OpenedAt:   openedAt,
			ClosedAt:   &closedAt,
		})
		if err != nil {
			return fmt.Errorf("failed to create trade %d: %w", i+1, err)
		}
	}

	return s.db.CreateTrade(ctx, &models.Trade{
		ID:        uuid.New(),
		UserID:    userID,
		AccountID: accountID,
		Symbol:    "USDJPY",
		Type:      "buy",
		Volume:    decimal.RequireFromString("0.3"),
		OpenPrice: decimal.RequireFromString("151.220"),
		Status:    "open",
		OpenedAt:  time.Now().UTC().Add(-2 * time.Hour),
	})
}

// fund approves one deposit for the follower and leaves a second pending
// for the admin queue.
func (s *seeder) fund(ctx context.Context, adminID, userID uuid.UUID) error {
	approved, err := s.ledger.RequestTransaction(ctx, ledger.Request{
		UserID: userID, Type: models.TypeDeposit, Amount: decimal.NewFromInt(1000), PaymentMethod: "bank_transfer",
	})
	if err != nil {
		return err
	}
	if _, err := s.ledger.Approve(ctx, adminID, approved.ID); err != nil {
		return err
	}
	_, err = s.ledger.RequestTransaction(ctx, ledger.Request{
		UserID: userID, Type: models.TypeDeposit, Amount: decimal.NewFromInt(500), PaymentMethod: "card",
		Notes: "awaiting review",
	})
	return err
}
