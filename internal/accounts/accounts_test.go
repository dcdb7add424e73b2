package accounts_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/tradepro/internal/accounts"
	"github.com/xtrntr/tradepro/internal/broker"
	"github.com/xtrntr/tradepro/internal/copytrade"
	"github.com/xtrntr/tradepro/internal/memstore"
	"github.com/xtrntr/tradepro/internal/models"
	"github.com/xtrntr/tradepro/internal/security"
	"github.com/xtrntr/tradepro/internal/xerrors"
)

const testKey = "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY="

func newService(t *testing.T, syncer broker.Syncer) (*accounts.Service, *memstore.Store, *security.Encryption) {
	t.Helper()
	enc, err := security.NewEncryption(testKey)
	require.NoError(t, err)
	store := memstore.New()
	return accounts.NewService(store, enc, syncer, nil), store, enc
}

func addUser(t *testing.T, s *memstore.Store) uuid.UUID {
	t.Helper()
	u := &models.User{ID: uuid.New(), Email: uuid.NewString() + "@tradepro.test", CreatedAt: time.Now()}
	_, err := s.CreateUser(context.Background(), u, &models.Profile{UserID: u.ID}, "USD")
	require.NoError(t, err)
	return u.ID
}

func connectReq() accounts.ConnectRequest {
	return accounts.ConnectRequest{
		AccountNumber: "5012345",
		AccountName:   "Main",
		Server:        "MetaQuotes-Demo",
		AccountType:   models.AccountDemo,
		Password:      "s3cret-Pass",
	}
}

func TestConnect_EncryptsCredential(t *testing.T) {
	svc, store, enc := newService(t, broker.Disabled{})
	user := addUser(t, store)

	acct, err := svc.Connect(context.Background(), user, connectReq())
	require.NoError(t, err)

	stored, err := store.GetTradingAccount(context.Background(), acct.ID)
	require.NoError(t, err)
	assert.NotEqual(t, "s3cret-Pass", stored.PasswordEncrypted)
	plain, err := enc.Decrypt(stored.PasswordEncrypted)
	require.NoError(t, err)
	assert.Equal(t, "s3cret-Pass", plain)

	body, err := json.Marshal(stored)
	require.NoError(t, err)
	assert.NotContains(t, string(body), "s3cret-Pass")
	assert.NotContains(t, string(body), stored.PasswordEncrypted)

	_, err = svc.Connect(context.Background(), user, connectReq())
	assert.ErrorIs(t, err, xerrors.ErrConflict)
}

func TestConnect_Validation(t *testing.T) {
	svc, store, _ := newService(t, broker.Disabled{})
	user := addUser(t, store)

	tests := []struct {
		name   string
		mutate func(r *accounts.ConnectRequest)
	}{
		{"EmptyNumber", func(r *accounts.ConnectRequest) { r.AccountNumber = " " }},
		{"LongNumber", func(r *accounts.ConnectRequest) { r.AccountNumber = strings.Repeat("1", 51) }},
		{"EmptyServer", func(r *accounts.ConnectRequest) { r.Server = "" }},
		{"LongServer", func(r *accounts.ConnectRequest) { r.Server = strings.Repeat("s", 101) }},
		{"BadType", func(r *accounts.ConnectRequest) { r.AccountType = "paper" }},
		{"NoPassword", func(r *accounts.ConnectRequest) { r.Password = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := connectReq()
			tt.mutate(&req)
			_, err := svc.Connect(context.Background(), user, req)
			assert.ErrorIs(t, err, xerrors.ErrValidation)
		})
	}
}

func TestSyncBalance_Disabled(t *testing.T) {
	svc, store, _ := newService(t, broker.Disabled{})
	user := addUser(t, store)
	acct, err := svc.Connect(context.Background(), user, connectReq())
	require.NoError(t, err)

	_, err = svc.SyncBalance(context.Background(), user, acct.ID)
	assert.ErrorIs(t, err, xerrors.ErrUpstreamUnavailable)

	stored, err := store.GetTradingAccount(context.Background(), acct.ID)
	require.NoError(t, err)
	assert.True(t, stored.Balance.IsZero())
	assert.False(t, stored.BalanceSimulated)
}

func TestSyncBalance_Simulated(t *testing.T) {
	svc, store, _ := newService(t, broker.Simulated{})
	user := addUser(t, store)
	acct, err := svc.Connect(context.Background(), user, connectReq())
	require.NoError(t, err)

	res, err := svc.SyncBalance(context.Background(), user, acct.ID)
	require.NoError(t, err)
	assert.True(t, res.Simulated)
	assert.True(t, res.Balance.IsPositive())

	stored, err := store.GetTradingAccount(context.Background(), acct.ID)
	require.NoError(t, err)
	assert.True(t, stored.BalanceSimulated)
	assert.True(t, stored.Balance.Equal(res.Balance))
	assert.True(t, stored.Equity.Equal(res.Equity))
}

func TestSyncBalance_OtherUsersAccount(t *testing.T) {
	svc, store, _ := newService(t, broker.Simulated{})
	owner := addUser(t, store)
	intruder := addUser(t, store)
	acct, err := svc.Connect(context.Background(), owner, connectReq())
	require.NoError(t, err)

	_, err = svc.SyncBalance(context.Background(), intruder, acct.ID)
	assert.ErrorIs(t, err, xerrors.ErrNotFound)

	err = svc.Delete(context.Background(), intruder, acct.ID)
	assert.ErrorIs(t, err, xerrors.ErrNotFound)
}

func TestDelete(t *testing.T) {
	svc, store, _ := newService(t, broker.Disabled{})
	ctx := context.Background()
	follower := addUser(t, store)
	master := addUser(t, store)

	followerAcct, err := svc.Connect(ctx, follower, connectReq())
	require.NoError(t, err)
	masterReq := connectReq()
	masterReq.AccountNumber = "7000"
	masterAcct, err := svc.Connect(ctx, master, masterReq)
	require.NoError(t, err)

	mgr := copytrade.NewManager(store, nil)
	_, err = mgr.SetAccepting(ctx, master, masterAcct.ID, true)
	require.NoError(t, err)
	rel, err := mgr.Follow(ctx, follower, copytrade.FollowRequest{
		FollowerAccountID: followerAcct.ID,
		MasterAccountID:   masterAcct.ID,
		RiskPercentage:    100,
	})
	require.NoError(t, err)

	err = svc.Delete(ctx, follower, followerAcct.ID)
	assert.ErrorIs(t, err, xerrors.ErrConflict)

	require.NoError(t, mgr.Unfollow(ctx, follower, rel.ID))
	require.NoError(t, svc.Delete(ctx, follower, followerAcct.ID))

	list, err := svc.List(ctx, follower)
	require.NoError(t, err)
	assert.Empty(t, list)
}
