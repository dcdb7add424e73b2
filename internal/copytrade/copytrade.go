// Package copytrade manages follow relationships between trading accounts.
// It only records who follows whom; trade replication is not performed.
package copytrade

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xtrntr/tradepro/internal/models"
	"github.com/xtrntr/tradepro/internal/xerrors"
)

// Risk percentage bounds, inclusive.
const (
	MinRisk = 10
	MaxRisk = 200
)

// Store is the persistence needed by the manager.
type Store interface {
	GetTradingAccount(ctx context.Context, id uuid.UUID) (*models.TradingAccount, error)
	GetMasterStats(ctx context.Context, accountID uuid.UUID) (*models.MasterTraderStats, error)
	UpsertMasterStats(ctx context.Context, s *models.MasterTraderStats) error
	// CreateRelationship returns ErrConflict if an active relationship for the
	// same follower and master accounts already exists.
	CreateRelationship(ctx context.Context, r *models.CopyRelationship) (*models.CopyRelationship, error)
	// DeleteRelationship removes id only if it belongs to followerUserID,
	// otherwise ErrNotFound.
	DeleteRelationship(ctx context.Context, id, followerUserID uuid.UUID) error
	ListFollowing(ctx context.Context, userID uuid.UUID) ([]models.Following, error)
	ListMasters(ctx context.Context) ([]models.MasterTraderStats, error)
}

// FollowRequest starts copying masterAccountID into followerAccountID.
type FollowRequest struct {
	FollowerAccountID uuid.UUID `json:"follower_account_id"`
	MasterAccountID   uuid.UUID `json:"master_account_id"`
	RiskPercentage    int       `json:"risk_percentage"`
}

type Manager struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

func NewManager(store Store, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: store, logger: logger, now: time.Now}
}

// ValidateRisk rejects risk percentages outside [MinRisk, MaxRisk].
func ValidateRisk(risk int) error {
	if risk < MinRisk || risk > MaxRisk {
		return xerrors.Invalid("risk_percentage", "must be between 10 and 200")
	}
	return nil
}

// ownedAccount returns the account if it exists and belongs to userID.
func (m *Manager) ownedAccount(ctx context.Context, userID, accountID uuid.UUID, what string) (*models.TradingAccount, error) {
	acct, err := m.store.GetTradingAccount(ctx, accountID)
	if err != nil && !errors.Is(err, xerrors.ErrNotFound) {
		return nil, err
	}
	if err != nil || acct.UserID != userID {
		return nil, xerrors.Wrap(xerrors.ErrNotFound, "%s not found", what)
	}
	return acct, nil
}

// Follow creates an active relationship owned by userID.
func (m *Manager) Follow(ctx context.Context, userID uuid.UUID, req FollowRequest) (*models.CopyRelationship, error) {
	if err := ValidateRisk(req.RiskPercentage); err != nil {
		return nil, err
	}
	if req.FollowerAccountID == uuid.Nil {
		return nil, xerrors.Invalid("follower_account_id", "is required")
	}
	if req.MasterAccountID == uuid.Nil {
		return nil, xerrors.Invalid("master_account_id", "is required")
	}
	if req.FollowerAccountID == req.MasterAccountID {
		return nil, xerrors.Invalid("master_account_id", "cannot follow the same account")
	}

	if _, err := m.ownedAccount(ctx, userID, req.FollowerAccountID, "follower account"); err != nil {
		return nil, err
	}

	master, err := m.store.GetMasterStats(ctx, req.MasterAccountID)
	if errors.Is(err, xerrors.ErrNotFound) {
		return nil, xerrors.Wrap(xerrors.ErrNotFound, "master trader not found")
	}
	if err != nil {
		return nil, err
	}
	if !master.IsAcceptingFollowers {
		return nil, xerrors.Wrap(xerrors.ErrConflict, "master trader is not accepting followers")
	}
	if master.UserID == userID {
		return nil, xerrors.Invalid("master_account_id", "cannot follow your own account")
	}

	now := m.now().UTC()
	rel, err := m.store.CreateRelationship(ctx, &models.CopyRelationship{
		ID:                uuid.New(),
		FollowerUserID:    userID,
		FollowerAccountID: req.FollowerAccountID,
		MasterAccountID:   req.MasterAccountID,
		RiskPercentage:    req.RiskPercentage,
		IsActive:          true,
		CreatedAt:         now,
		UpdatedAt:         now,
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("copy relationship created",
		zap.String("relationship_id", rel.ID.String()),
		zap.String("follower_account_id", rel.FollowerAccountID.String()),
		zap.String("master_account_id", rel.MasterAccountID.String()),
		zap.Int("risk_percentage", rel.RiskPercentage))
	return rel, nil
}

// Unfollow deletes a relationship owned by userID.
func (m *Manager) Unfollow(ctx context.Context, userID, relationshipID uuid.UUID) error {
	if err := m.store.DeleteRelationship(ctx, relationshipID, userID); err != nil {
		return err
	}
	m.logger.Info("copy relationship removed", zap.String("relationship_id", relationshipID.String()))
	return nil
}

func (m *Manager) Following(ctx context.Context, userID uuid.UUID) ([]models.Following, error) {
	return m.store.ListFollowing(ctx, userID)
}

// Masters lists accounts accepting followers, best win rate first.
func (m *Manager) Masters(ctx context.Context) ([]models.MasterTraderStats, error) {
	return m.store.ListMasters(ctx)
}

// SetAccepting opens or closes one of the caller's accounts to followers.
// The stats row is created on first use; existing relationships are kept.
func (m *Manager) SetAccepting(ctx context.Context, userID, accountID uuid.UUID, accepting bool) (*models.MasterTraderStats, error) {
	acct, err := m.ownedAccount(ctx, userID, accountID, "trading account")
	if err != nil {
		return nil, err
	}

	stats, err := m.store.GetMasterStats(ctx, acct.ID)
	if err != nil && !errors.Is(err, xerrors.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		stats = &models.MasterTraderStats{
			ID:        uuid.New(),
			AccountID: acct.ID,
			UserID:    acct.UserID,
		}
	}
	stats.IsAcceptingFollowers = accepting
	stats.UpdatedAt = m.now().UTC()

	if err := m.store.UpsertMasterStats(ctx, stats); err != nil {
		return nil, err
	}
	return stats, nil
}
