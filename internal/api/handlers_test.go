package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/tradepro/internal/accounts"
	"github.com/xtrntr/tradepro/internal/admin"
	"github.com/xtrntr/tradepro/internal/auth"
	"github.com/xtrntr/tradepro/internal/broker"
	"github.com/xtrntr/tradepro/internal/cache"
	"github.com/xtrntr/tradepro/internal/copytrade"
	"github.com/xtrntr/tradepro/internal/ledger"
	"github.com/xtrntr/tradepro/internal/memstore"
	"github.com/xtrntr/tradepro/internal/models"
	"github.com/xtrntr/tradepro/internal/notify"
	"github.com/xtrntr/tradepro/internal/profile"
	"github.com/xtrntr/tradepro/internal/security"
)

const testKey = "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY="

type testServer struct {
	store  *memstore.Store
	router http.Handler
}

func newTestServer(t *testing.T, opts RouterOptions) *testServer {
	t.Helper()
	store := memstore.New()
	c := cache.NewMemory()
	enc, err := security.NewEncryption(testKey)
	require.NoError(t, err)

	hub := notify.NewHub(nil)
	notifier := notify.NewService(store, hub, nil)
	h := NewHandler(Services{
		Auth:     auth.NewAuthService(store, c, auth.Options{Secret: "test-secret-0123456789"}, nil),
		Ledger:   ledger.NewService(store, notifier, nil, decimal.NewFromInt(1_000_000)),
		Copy:     copytrade.NewManager(store, nil),
		Accounts: accounts.NewService(store, enc, broker.Simulated{}, nil),
		Profiles: profile.NewService(store, enc, nil),
		Notify:   notifier,
		Hub:      hub,
		Admin:    admin.NewService(store, nil),
		Roles:    store,
	}, nil)
	return &testServer{store: store, router: NewRouter(h, c, opts)}
}

type response struct {
	Status  string          `json:"status"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) (int, response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)

	var resp response
	if rr.Body.Len() > 0 && rr.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	}
	return rr.Code, resp
}

// signup registers and logs in a user, returning its id and token.
func (s *testServer) signup(t *testing.T, email string) (uuid.UUID, string) {
	t.Helper()
	creds := map[string]string{"email": email, "password": "Passw0rdX"}

	code, resp := s.do(t, http.MethodPost, "/auth/register", "", creds)
	require.Equal(t, http.StatusCreated, code, resp.Message)
	var user models.User
	require.NoError(t, json.Unmarshal(resp.Data, &user))

	code, resp = s.do(t, http.MethodPost, "/auth/login", "", creds)
	require.Equal(t, http.StatusOK, code, resp.Message)
	var login struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &login))
	return user.ID, login.Token
}

func decodeData[T any](t *testing.T, resp response) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(resp.Data, &v))
	return v
}

func TestAuth_Flow(t *testing.T) {
	s := newTestServer(t, RouterOptions{})
	_, token := s.signup(t, "alice@tradepro.test")

	code, resp := s.do(t, http.MethodPost, "/auth/register", "", map[string]string{"email": "alice@tradepro.test", "password": "Passw0rdX"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "conflict", resp.Code)

	code, resp = s.do(t, http.MethodPost, "/auth/login", "", map[string]string{"email": "alice@tradepro.test", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "error", resp.Status)

	code, _ = s.do(t, http.MethodGet, "/wallet", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, resp = s.do(t, http.MethodGet, "/wallet", token, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "success", resp.Status)
	wallet := decodeData[models.Wallet](t, resp)
	assert.True(t, wallet.Balance.IsZero())

	code, _ = s.do(t, http.MethodPost, "/auth/logout", token, nil)
	require.Equal(t, http.StatusOK, code)
	code, resp = s.do(t, http.MethodGet, "/wallet", token, nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "unauthorized", resp.Code)
}

func TestLedger_DepositApproval(t *testing.T) {
	s := newTestServer(t, RouterOptions{})
	userID, userToken := s.signup(t, "alice@tradepro.test")
	adminID, adminToken := s.signup(t, "admin@tradepro.test")
	require.NoError(t, s.store.GrantRole(context.Background(), adminID, models.RoleAdmin))

	code, resp := s.do(t, http.MethodPost, "/wallet/transactions", userToken, map[string]any{
		"type": "deposit", "amount": "500.00", "payment_method": "bank_transfer",
	})
	require.Equal(t, http.StatusCreated, code, resp.Message)
	txn := decodeData[models.Transaction](t, resp)
	assert.Equal(t, models.StatusPending, txn.Status)
	assert.Equal(t, userID, txn.UserID)

	code, resp = s.do(t, http.MethodPost, "/admin/transactions/"+txn.ID.String()+"/approve", userToken, nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "forbidden", resp.Code)

	code, resp = s.do(t, http.MethodGet, "/admin/transactions/pending", adminToken, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decodeData[[]models.PendingTransaction](t, resp), 1)

	code, resp = s.do(t, http.MethodPost, "/admin/transactions/"+txn.ID.String()+"/approve", adminToken, nil)
	require.Equal(t, http.StatusOK, code, resp.Message)
	assert.Equal(t, models.StatusCompleted, decodeData[models.Transaction](t, resp).Status)

	code, resp = s.do(t, http.MethodPost, "/admin/transactions/"+txn.ID.String()+"/approve", adminToken, nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "already_processed", resp.Code)

	_, resp = s.do(t, http.MethodGet, "/wallet", userToken, nil)
	assert.Equal(t, "500", decodeData[models.Wallet](t, resp).Balance.String())

	code, resp = s.do(t, http.MethodGet, "/notifications", userToken, nil)
	require.Equal(t, http.StatusOK, code)
	notes := decodeData[[]models.Notification](t, resp)
	require.Len(t, notes, 1)
	assert.Equal(t, "Deposit approved", notes[0].Title)

	code, resp = s.do(t, http.MethodGet, "/admin/ledger/audit", adminToken, nil)
	require.Equal(t, http.StatusOK, code)
	audit := decodeData[admin.Audit](t, resp)
	assert.Empty(t, audit.Drift)
}

func TestLedger_WithdrawalAndReject(t *testing.T) {
	s := newTestServer(t, RouterOptions{})
	_, userToken := s.signup(t, "alice@tradepro.test")
	adminID, adminToken := s.signup(t, "admin@tradepro.test")
	require.NoError(t, s.store.GrantRole(context.Background(), adminID, models.RoleAdmin))

	code, resp := s.do(t, http.MethodPost, "/wallet/transactions", userToken, map[string]any{
		"type": "withdrawal", "amount": 150, "payment_method": "bank_transfer",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "insufficient_balance", resp.Code)

	code, resp = s.do(t, http.MethodPost, "/wallet/transactions", userToken, map[string]any{
		"type": "transfer", "amount": 10, "payment_method": "bank_transfer",
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "validation_error", resp.Code)

	_, resp = s.do(t, http.MethodPost, "/wallet/transactions", userToken, map[string]any{
		"type": "deposit", "amount": 20, "payment_method": "card",
	})
	txn := decodeData[models.Transaction](t, resp)

	code, resp = s.do(t, http.MethodPost, "/admin/transactions/"+txn.ID.String()+"/reject", adminToken,
		map[string]string{"reason": "  unverified source  "})
	require.Equal(t, http.StatusOK, code, resp.Message)
	rejected := decodeData[models.Transaction](t, resp)
	assert.Equal(t, models.StatusRejected, rejected.Status)
	require.NotNil(t, rejected.RejectionReason)
	assert.Equal(t, "unverified source", *rejected.RejectionReason)

	_, resp = s.do(t, http.MethodGet, "/wallet", userToken, nil)
	assert.True(t, decodeData[models.Wallet](t, resp).Balance.IsZero())

	code, resp = s.do(t, http.MethodPost, "/admin/transactions/not-a-uuid/approve", adminToken, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "validation_error", resp.Code)
}

func TestWallet_RejectsMalformedInput(t *testing.T) {
	s := newTestServer(t, RouterOptions{})
	_, token := s.signup(t, "alice@tradepro.test")

	for _, path := range []string{"/wallet/transactions?limit=abc", "/wallet/transactions?limit=-1", "/notifications?limit=1.5"} {
		code, resp := s.do(t, http.MethodGet, path, token, nil)
		assert.Equal(t, http.StatusBadRequest, code, path)
		assert.Equal(t, "validation_error", resp.Code, path)
	}
	code, _ := s.do(t, http.MethodGet, "/wallet/transactions?limit=5", token, nil)
	assert.Equal(t, http.StatusOK, code)

	for _, amount := range []string{"1e-20000000", "1e900000000"} {
		start := time.Now()
		code, resp := s.do(t, http.MethodPost, "/wallet/transactions", token, map[string]any{
			"type": "deposit", "amount": amount, "payment_method": "card",
		})
		assert.Equal(t, http.StatusBadRequest, code, amount)
		assert.Equal(t, "validation_error", resp.Code, amount)
		assert.Less(t, time.Since(start), time.Second, amount)
	}
}

func TestCryptoAddress_Unavailable(t *testing.T) {
	s := newTestServer(t, RouterOptions{})
	_, token := s.signup(t, "alice@tradepro.test")

	code, resp := s.do(t, http.MethodPost, "/wallet/crypto-address", token, map[string]any{
		"amount": 100, "currency": "USDT", "network": "TRC20",
	})
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "upstream_unavailable", resp.Code)
}

func TestCopyTrading_Flow(t *testing.T) {
	s := newTestServer(t, RouterOptions{})
	_, followerToken := s.signup(t, "follower@tradepro.test")
	_, masterToken := s.signup(t, "master@tradepro.test")

	connect := func(token, number string) models.TradingAccount {
		code, resp := s.do(t, http.MethodPost, "/accounts", token, map[string]string{
			"account_number": number, "server": "Broker-Live", "password": "mt5-Passw0rd",
		})
		require.Equal(t, http.StatusCreated, code, resp.Message)
		assert.NotContains(t, string(resp.Data), "mt5-Passw0rd")
		return decodeData[models.TradingAccount](t, resp)
	}
	fAcct := connect(followerToken, "1001")
	mAcct := connect(masterToken, "2001")

	code, _ := s.do(t, http.MethodPut, "/copy/masters/"+mAcct.ID.String(), followerToken, map[string]bool{"is_accepting_followers": true})
	assert.Equal(t, http.StatusNotFound, code)
	code, resp := s.do(t, http.MethodPut, "/copy/masters/"+mAcct.ID.String(), masterToken, map[string]bool{"is_accepting_followers": true})
	require.Equal(t, http.StatusOK, code, resp.Message)

	follow := func(risk int) (int, response) {
		return s.do(t, http.MethodPost, "/copy/follow", followerToken, map[string]any{
			"follower_account_id": fAcct.ID, "master_account_id": mAcct.ID, "risk_percentage": risk,
		})
	}
	code, resp = follow(201)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "validation_error", resp.Code)

	code, resp = follow(200)
	require.Equal(t, http.StatusCreated, code, resp.Message)
	rel := decodeData[models.CopyRelationship](t, resp)

	code, resp = follow(50)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "conflict", resp.Code)

	_, resp = s.do(t, http.MethodGet, "/copy/masters", followerToken, nil)
	masters := decodeData[[]models.MasterTraderStats](t, resp)
	require.Len(t, masters, 1)
	assert.Equal(t, 1, masters[0].FollowersCount)

	code, _ = s.do(t, http.MethodDelete, "/accounts/"+mAcct.ID.String(), masterToken, nil)
	assert.Equal(t, http.StatusConflict, code)

	code, _ = s.do(t, http.MethodDelete, "/copy/follow/"+rel.ID.String(), masterToken, nil)
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = s.do(t, http.MethodDelete, "/copy/follow/"+rel.ID.String(), followerToken, nil)
	assert.Equal(t, http.StatusOK, code)

	code, resp = s.do(t, http.MethodPost, "/accounts/"+fAcct.ID.String()+"/sync", followerToken, nil)
	require.Equal(t, http.StatusOK, code, resp.Message)
	synced := decodeData[accounts.SyncResult](t, resp)
	assert.True(t, synced.Simulated)
}

func TestProfile_Role(t *testing.T) {
	s := newTestServer(t, RouterOptions{})
	_, token := s.signup(t, "alice@tradepro.test")

	code, resp := s.do(t, http.MethodGet, "/profile/role", token, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, map[string]string{"role": "user"}, decodeData[map[string]string](t, resp))

	code, resp = s.do(t, http.MethodPut, "/profile", token, map[string]string{"full_name": "Alice", "username": "alice"})
	require.Equal(t, http.StatusOK, code, resp.Message)
	assert.Equal(t, "alice", decodeData[models.Profile](t, resp).Username)

	code, _ = s.do(t, http.MethodGet, "/admin/stats", token, nil)
	assert.Equal(t, http.StatusForbidden, code)
}

func TestRateLimiter_Blocks(t *testing.T) {
	s := newTestServer(t, RouterOptions{RateLimit: 2, RateWindow: time.Minute, RateBlock: time.Minute})
	body := map[string]string{"email": "nobody@tradepro.test", "password": "Passw0rdX"}

	for i := 0; i < 2; i++ {
		code, _ := s.do(t, http.MethodPost, "/auth/login", "", body)
		assert.Equal(t, http.StatusUnauthorized, code)
	}
	code, resp := s.do(t, http.MethodPost, "/auth/login", "", body)
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, "too_many_requests", resp.Code)
}

func TestRateLimiter_IgnoresForwardedForByDefault(t *testing.T) {
	tests := []struct {
		name        string
		trustProxy  bool
		wantBlocked int
	}{
		{name: "DirectClient", trustProxy: false, wantBlocked: 15},
		{name: "TrustedProxy", trustProxy: true, wantBlocked: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, RouterOptions{RateLimit: 5, RateWindow: time.Minute, RateBlock: time.Minute, TrustProxy: tt.trustProxy})

			blocked := 0
			for i := 0; i < 20; i++ {
				req := httptest.NewRequest(http.MethodPost, "/auth/register", strings.NewReader(`{"email":"not-an-email","password":"x"}`))
				req.Header.Set("Content-Type", "application/json")
				req.Header.Set("X-Forwarded-For", fmt.Sprintf("10.0.0.%d", i+1))
				req.RemoteAddr = "203.0.113.7:40000"
				rr := httptest.NewRecorder()
				s.router.ServeHTTP(rr, req)
				if rr.Code == http.StatusTooManyRequests {
					blocked++
				}
			}
			assert.Equal(t, tt.wantBlocked, blocked)
		})
	}
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t, RouterOptions{})

	code, resp := s.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "success", resp.Status)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "tradepro_http_requests_total")
}
