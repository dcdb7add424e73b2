package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xtrntr/tradepro/internal/accounts"
	"github.com/xtrntr/tradepro/internal/admin"
	"github.com/xtrntr/tradepro/internal/auth"
	"github.com/xtrntr/tradepro/internal/copytrade"
	"github.com/xtrntr/tradepro/internal/ledger"
	"github.com/xtrntr/tradepro/internal/notify"
	"github.com/xtrntr/tradepro/internal/profile"
	"github.com/xtrntr/tradepro/internal/xerrors"
)

// Services are the dependencies of the HTTP handlers.
type Services struct {
	Auth     *auth.AuthService
	Ledger   *ledger.Service
	Copy     *copytrade.Manager
	Accounts *accounts.Service
	Profiles *profile.Service
	Notify   *notify.Service
	Hub      *notify.Hub
	Admin    *admin.Service
	Roles    RoleChecker
	// Health reports whether the backing store is reachable.
	Health func(ctx context.Context) error
}

// Handler contains dependencies for HTTP handlers
type Handler struct {
	Services
	logger *zap.Logger
}

// NewHandler creates a new handler
func NewHandler(s Services, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{Services: s, logger: logger}
}

// session is only called behind JWTAuthMiddleware.
func session(r *http.Request) *auth.Session {
	sess, _ := SessionFrom(r.Context())
	return sess
}

// queryLimit reads ?limit=. Absent means 0, which the services treat as
// their default page size.
func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, xerrors.Invalid("limit", "must be a positive integer")
	}
	return n, nil
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		if err := h.Health(r.Context()); err != nil {
			h.logger.Warn("health check failed", zap.Error(err))
			writeErrorBody(w, http.StatusServiceUnavailable, "upstream_unavailable", "store unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": "ok"})
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Register handles user registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	user, err := h.Auth.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

// Login handles user login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	token, sess, err := h.Auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"user_id":    sess.UserID,
		"expires_at": sess.ExpiresAt,
	})
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.Auth.Logout(r.Context(), session(r)); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

// Wallet

func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := h.Ledger.Wallet(r.Context(), session(r).UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	txns, err := h.Ledger.History(r.Context(), session(r).UserID, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txns)
}

// RequestTransaction records a pending deposit or withdrawal.
func (h *Handler) RequestTransaction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WalletID      uuid.UUID       `json:"wallet_id"`
		Type          string          `json:"type"`
		Amount        decimal.Decimal `json:"amount"`
		PaymentMethod string          `json:"payment_method"`
		Notes         string          `json:"notes"`
	}
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	txn, err := h.Ledger.RequestTransaction(r.Context(), ledger.Request{
		UserID:        session(r).UserID,
		WalletID:      req.WalletID,
		Type:          req.Type,
		Amount:        req.Amount,
		PaymentMethod: req.PaymentMethod,
		Notes:         req.Notes,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, txn)
}

func (h *Handler) RequestCryptoAddress(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount   decimal.Decimal `json:"amount"`
		Currency string          `json:"currency"`
		Network  string          `json:"network"`
	}
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	err := h.Ledger.RequestCryptoAddress(r.Context(), ledger.CryptoAddressRequest{
		UserID:   session(r).UserID,
		Amount:   req.Amount,
		Currency: req.Currency,
		Network:  req.Network,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, nil)
}

// Trading accounts

func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accts, err := h.Accounts.List(r.Context(), session(r).UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, accts)
}

func (h *Handler) ConnectAccount(w http.ResponseWriter, r *http.Request) {
	var req accounts.ConnectRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	acct, err := h.Accounts.Connect(r.Context(), session(r).UserID, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

func (h *Handler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	accountID, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.Accounts.Delete(r.Context(), session(r).UserID, accountID); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "account deleted"})
}

func (h *Handler) SyncAccount(w http.ResponseWriter, r *http.Request) {
	accountID, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.Accounts.SyncBalance(r.Context(), session(r).UserID, accountID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Copy trading

func (h *Handler) ListMasters(w http.ResponseWriter, r *http.Request) {
	masters, err := h.Copy.Masters(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, masters)
}

// SetAccepting lets an account owner open or close the account to followers.
func (h *Handler) SetAccepting(w http.ResponseWriter, r *http.Request) {
	accountID, err := pathID(r, "account_id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req struct {
		IsAcceptingFollowers *bool `json:"is_accepting_followers"`
	}
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.IsAcceptingFollowers == nil {
		h.writeError(w, r, xerrors.Invalid("is_accepting_followers", "is required"))
		return
	}

	stats, err := h.Copy.SetAccepting(r.Context(), session(r).UserID, accountID, *req.IsAcceptingFollowers)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) ListFollowing(w http.ResponseWriter, r *http.Request) {
	following, err := h.Copy.Following(r.Context(), session(r).UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, following)
}

func (h *Handler) Follow(w http.ResponseWriter, r *http.Request) {
	var req copytrade.FollowRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	rel, err := h.Copy.Follow(r.Context(), session(r).UserID, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rel)
}

func (h *Handler) Unfollow(w http.ResponseWriter, r *http.Request) {
	relID, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.Copy.Unfollow(r.Context(), session(r).UserID, relID); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "unfollowed"})
}

// Profile

func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	p, err := h.Profiles.Get(r.Context(), session(r).UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req profile.UpdateRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	p, err := h.Profiles.Update(r.Context(), session(r).UserID, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) GetRole(w http.ResponseWriter, r *http.Request) {
	role, err := h.Profiles.Role(r.Context(), session(r).UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"role": role})
}

func (h *Handler) SetupTwoFactor(w http.ResponseWriter, r *http.Request) {
	setup, err := h.Profiles.SetupTwoFactor(r.Context(), session(r).UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, setup)
}

func (h *Handler) EnableTwoFactor(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.Profiles.EnableTwoFactor(r.Context(), session(r).UserID, req.Code); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"two_factor_enabled": true})
}

func (h *Handler) DisableTwoFactor(w http.ResponseWriter, r *http.Request) {
	if err := h.Profiles.DisableTwoFactor(r.Context(), session(r).UserID); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"two_factor_enabled": false})
}

// Notifications

func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	notes, err := h.Notify.List(r.Context(), session(r).UserID, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, notes)
}

func (h *Handler) MarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	noteID, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.Notify.MarkRead(r.Context(), session(r).UserID, noteID); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"is_read": true})
}

// Stream upgrades to a websocket that receives the caller's notifications
// until either side closes it.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	h.Hub.Serve(w, r, session(r).UserID)
}

// Admin

func (h *Handler) PendingTransactions(w http.ResponseWriter, r *http.Request) {
	pending, err := h.Ledger.Pending(r.Context(), session(r).UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pending)
}

func (h *Handler) ApproveTransaction(w http.ResponseWriter, r *http.Request) {
	txID, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	txn, err := h.Ledger.Approve(r.Context(), session(r).UserID, txID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

func (h *Handler) RejectTransaction(w http.ResponseWriter, r *http.Request) {
	txID, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	txn, err := h.Ledger.Reject(r.Context(), session(r).UserID, txID, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

func (h *Handler) AdminUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.Admin.Users(r.Context(), session(r).UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (h *Handler) AdminRelationships(w http.ResponseWriter, r *http.Request) {
	rels, err := h.Admin.Relationships(r.Context(), session(r).UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rels)
}

func (h *Handler) AdminStats(w http.ResponseWriter, r *http.Request) {
	dash, err := h.Admin.Stats(r.Context(), session(r).UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dash)
}

func (h *Handler) RefreshMasterStats(w http.ResponseWriter, r *http.Request) {
	n, err := h.Admin.RefreshMasterStats(r.Context(), session(r).UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"updated": n, "refreshed_at": time.Now().UTC()})
}

func (h *Handler) LedgerAudit(w http.ResponseWriter, r *http.Request) {
	audit, err := h.Admin.Audit(r.Context(), session(r).UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, audit)
}
