package memstore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/tradepro/internal/accounts"
	"github.com/xtrntr/tradepro/internal/admin"
	"github.com/xtrntr/tradepro/internal/auth"
	"github.com/xtrntr/tradepro/internal/copytrade"
	"github.com/xtrntr/tradepro/internal/ledger"
	"github.com/xtrntr/tradepro/internal/memstore"
	"github.com/xtrntr/tradepro/internal/models"
	"github.com/xtrntr/tradepro/internal/notify"
	"github.com/xtrntr/tradepro/internal/profile"
	"github.com/xtrntr/tradepro/internal/xerrors"
)

var (
	_ ledger.Store    = (*memstore.Store)(nil)
	_ copytrade.Store = (*memstore.Store)(nil)
	_ accounts.Store  = (*memstore.Store)(nil)
	_ auth.Store      = (*memstore.Store)(nil)
	_ profile.Store   = (*memstore.Store)(nil)
	_ notify.Store    = (*memstore.Store)(nil)
	_ admin.Store     = (*memstore.Store)(nil)
)

func seedUser(t *testing.T, s *memstore.Store) (uuid.UUID, *models.Wallet) {
	t.Helper()
	u := &models.User{ID: uuid.New(), Email: "tx@tradepro.test", CreatedAt: time.Now()}
	_, err := s.CreateUser(context.Background(), u, &models.Profile{UserID: u.ID}, "EUR")
	require.NoError(t, err)
	w, err := s.GetWalletByUser(context.Background(), u.ID)
	require.NoError(t, err)
	return u.ID, w
}

func TestInTx_RollbackOnError(t *testing.T) {
	s := memstore.New()
	_, w := seedUser(t, s)
	assert.Equal(t, "EUR", w.Currency)

	boom := errors.New("boom")
	err := s.InTx(context.Background(), func(tx ledger.Tx) error {
		if err := tx.SetWalletBalance(context.Background(), w.ID, decimal.NewFromInt(99), time.Now()); err != nil {
			return err
		}
		got, err := tx.WalletForUpdate(context.Background(), w.ID)
		require.NoError(t, err)
		assert.True(t, got.Balance.Equal(decimal.NewFromInt(99)), "writes are visible inside the unit")
		return boom
	})
	assert.ErrorIs(t, err, boom)

	after, err := s.GetWallet(context.Background(), w.ID)
	require.NoError(t, err)
	assert.True(t, after.Balance.IsZero())
}

func TestInTx_FinalizeGuard(t *testing.T) {
	s := memstore.New()
	user, w := seedUser(t, s)
	now := time.Now()
	tx, err := s.CreateTransaction(context.Background(), &models.Transaction{
		ID: uuid.New(), WalletID: w.ID, UserID: user, Type: models.TypeDeposit,
		Amount: decimal.NewFromInt(5), Status: models.StatusPending, PaymentMethod: "card",
		CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)

	finalize := func() error {
		return s.InTx(context.Background(), func(utx ledger.Tx) error {
			return utx.FinalizeTransaction(context.Background(), tx.ID, models.StatusRejected, user, nil, now)
		})
	}
	require.NoError(t, finalize())
	assert.ErrorIs(t, finalize(), xerrors.ErrAlreadyProcessed)

	err = s.InTx(context.Background(), func(utx ledger.Tx) error {
		return utx.SetWalletBalance(context.Background(), w.ID, decimal.NewFromInt(-1), now)
	})
	assert.ErrorIs(t, err, xerrors.ErrInsufficientBalance)
}

func TestDuplicateEmail(t *testing.T) {
	s := memstore.New()
	seedUser(t, s)
	u := &models.User{ID: uuid.New(), Email: "tx@tradepro.test"}
	_, err := s.CreateUser(context.Background(), u, &models.Profile{UserID: u.ID}, "USD")
	assert.ErrorIs(t, err, xerrors.ErrConflict)
}
