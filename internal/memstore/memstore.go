// Package memstore is an in-process implementation of every service store.
// It backs tests and STORE_DRIVER=memory runs. Settlement units run under an
// exclusive lock and stage their writes until commit.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xtrntr/tradepro/internal/broker"
	"github.com/xtrntr/tradepro/internal/ledger"
	"github.com/xtrntr/tradepro/internal/models"
	"github.com/xtrntr/tradepro/internal/xerrors"
)

type Store struct {
	mu sync.RWMutex

	users         map[uuid.UUID]models.User
	emails        map[string]uuid.UUID
	roles         map[uuid.UUID]map[string]bool
	profiles      map[uuid.UUID]models.Profile
	wallets       map[uuid.UUID]models.Wallet
	walletByUser  map[uuid.UUID]uuid.UUID
	txns          map[uuid.UUID]models.Transaction
	accounts      map[uuid.UUID]models.TradingAccount
	masters       map[uuid.UUID]models.MasterTraderStats // by account id
	relationships map[uuid.UUID]models.CopyRelationship
	trades        []models.Trade
	notifications map[uuid.UUID]models.Notification
}

func New() *Store {
	return &Store{
		users:         make(map[uuid.UUID]models.User),
		emails:        make(map[string]uuid.UUID),
		roles:         make(map[uuid.UUID]map[string]bool),
		profiles:      make(map[uuid.UUID]models.Profile),
		wallets:       make(map[uuid.UUID]models.Wallet),
		walletByUser:  make(map[uuid.UUID]uuid.UUID),
		txns:          make(map[uuid.UUID]models.Transaction),
		accounts:      make(map[uuid.UUID]models.TradingAccount),
		masters:       make(map[uuid.UUID]models.MasterTraderStats),
		relationships: make(map[uuid.UUID]models.CopyRelationship),
		notifications: make(map[uuid.UUID]models.Notification),
	}
}

func notFound(what string) error {
	return xerrors.Wrap(xerrors.ErrNotFound, "%s not found", what)
}

// Users and roles

func (s *Store) CreateUser(ctx context.Context, u *models.User, p *models.Profile, currency string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.emails[u.Email]; ok {
		return nil, xerrors.Wrap(xerrors.ErrConflict, "email already registered")
	}
	s.users[u.ID] = *u
	s.emails[u.Email] = u.ID
	s.roles[u.ID] = map[string]bool{models.RoleUser: true}
	s.profiles[u.ID] = *p

	w := models.Wallet{
		ID:        uuid.New(),
		UserID:    u.ID,
		Balance:   decimal.Zero,
		Currency:  currency,
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.CreatedAt,
	}
	s.wallets[w.ID] = w
	s.walletByUser[u.ID] = w.ID

	out := *u
	return &out, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.emails[email]
	if !ok {
		return nil, notFound("user")
	}
	u := s.users[id]
	return &u, nil
}

func (s *Store) GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, notFound("user")
	}
	return &u, nil
}

func (s *Store) HasRole(ctx context.Context, userID uuid.UUID, role string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.roles[userID][role], nil
}

func (s *Store) GrantRole(ctx context.Context, userID uuid.UUID, role string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return notFound("user")
	}
	if s.roles[userID] == nil {
		s.roles[userID] = make(map[string]bool)
	}
	s.roles[userID][role] = true
	return nil
}

func (s *Store) RevokeRole(ctx context.Context, userID uuid.UUID, role string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.roles[userID][role] {
		return notFound("role")
	}
	delete(s.roles[userID], role)
	return nil
}

// Wallets and transactions

func (s *Store) GetWallet(ctx context.Context, id uuid.UUID) (*models.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wallets[id]
	if !ok {
		return nil, notFound("wallet")
	}
	return &w, nil
}

func (s *Store) GetWalletByUser(ctx context.Context, userID uuid.UUID) (*models.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.walletByUser[userID]
	if !ok {
		return nil, notFound("wallet")
	}
	w := s.wallets[id]
	return &w, nil
}

func (s *Store) ListWallets(ctx context.Context) ([]models.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Wallet, 0, len(s.wallets))
	for _, w := range s.wallets {
		out = append(out, w)
	}
	return out, nil
}

func (s *Store) CreateTransaction(ctx context.Context, t *models.Transaction) (*models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.wallets[t.WalletID]; !ok {
		return nil, notFound("wallet")
	}
	s.txns[t.ID] = *t
	out := *t
	return &out, nil
}

func (s *Store) GetTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.txns[id]
	if !ok {
		return nil, notFound("transaction")
	}
	return &t, nil
}

func newestFirst(txns []models.Transaction) {
	sort.SliceStable(txns, func(i, j int) bool {
		return txns[i].CreatedAt.After(txns[j].CreatedAt)
	})
}

func (s *Store) ListUserTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []models.Transaction{}
	for _, t := range s.txns {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	newestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListPendingTransactions(ctx context.Context) ([]models.PendingTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pending := []models.Transaction{}
	for _, t := range s.txns {
		if t.Status == models.StatusPending {
			pending = append(pending, t)
		}
	}
	newestFirst(pending)
	out := make([]models.PendingTransaction, 0, len(pending))
	for _, t := range pending {
		out = append(out, models.PendingTransaction{
			Transaction: t,
			Email:       s.users[t.UserID].Email,
			FullName:    s.profiles[t.UserID].FullName,
		})
	}
	return out, nil
}

func (s *Store) ListAllTransactions(ctx context.Context) ([]models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Transaction, 0, len(s.txns))
	for _, t := range s.txns {
		out = append(out, t)
	}
	newestFirst(out)
	return out, nil
}

// InTx runs fn with the store locked. Writes made through the Tx become
// visible only if fn returns nil and ctx is still live.
func (s *Store) InTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{
		s:       s,
		wallets: make(map[uuid.UUID]models.Wallet),
		txns:    make(map[uuid.UUID]models.Transaction),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for id, w := range tx.wallets {
		s.wallets[id] = w
	}
	for id, t := range tx.txns {
		s.txns[id] = t
	}
	return nil
}

type memTx struct {
	s       *Store
	wallets map[uuid.UUID]models.Wallet
	txns    map[uuid.UUID]models.Transaction
}

func (tx *memTx) TransactionForUpdate(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	if t, ok := tx.txns[id]; ok {
		return &t, nil
	}
	t, ok := tx.s.txns[id]
	if !ok {
		return nil, notFound("transaction")
	}
	return &t, nil
}

func (tx *memTx) WalletForUpdate(ctx context.Context, id uuid.UUID) (*models.Wallet, error) {
	if w, ok := tx.wallets[id]; ok {
		return &w, nil
	}
	w, ok := tx.s.wallets[id]
	if !ok {
		return nil, notFound("wallet")
	}
	return &w, nil
}

func (tx *memTx) SetWalletBalance(ctx context.Context, walletID uuid.UUID, balance decimal.Decimal, at time.Time) error {
	w, err := tx.WalletForUpdate(ctx, walletID)
	if err != nil {
		return err
	}
	if balance.IsNegative() {
		return xerrors.Wrap(xerrors.ErrInsufficientBalance, "balance cannot be negative")
	}
	w.Balance = balance
	w.UpdatedAt = at
	tx.wallets[walletID] = *w
	return nil
}

func (tx *memTx) FinalizeTransaction(ctx context.Context, id uuid.UUID, status string, by uuid.UUID, reason *string, at time.Time) error {
	t, err := tx.TransactionForUpdate(ctx, id)
	if err != nil {
		return err
	}
	if t.Status != models.StatusPending {
		return xerrors.Wrap(xerrors.ErrAlreadyProcessed, "transaction is %s", t.Status)
	}
	t.Status = status
	t.ProcessedBy = &by
	t.ProcessedAt = &at
	t.RejectionReason = reason
	t.UpdatedAt = at
	tx.txns[id] = *t
	return nil
}

// Trading accounts

func (s *Store) CreateTradingAccount(ctx context.Context, a *models.TradingAccount) (*models.TradingAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.accounts {
		if existing.UserID == a.UserID && existing.AccountNumber == a.AccountNumber && existing.Server == a.Server {
			return nil, xerrors.Wrap(xerrors.ErrConflict, "trading account already connected")
		}
	}
	s.accounts[a.ID] = *a
	out := *a
	return &out, nil
}

func (s *Store) GetTradingAccount(ctx context.Context, id uuid.UUID) (*models.TradingAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, notFound("trading account")
	}
	return &a, nil
}

func (s *Store) ListTradingAccounts(ctx context.Context, userID uuid.UUID) ([]models.TradingAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []models.TradingAccount{}
	for _, a := range s.accounts {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) DeleteTradingAccount(ctx context.Context, id, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok || a.UserID != userID {
		return notFound("trading account")
	}
	for _, r := range s.relationships {
		if r.IsActive && (r.FollowerAccountID == id || r.MasterAccountID == id) {
			return xerrors.Wrap(xerrors.ErrConflict, "trading account is part of an active copy relationship")
		}
	}
	delete(s.accounts, id)
	delete(s.masters, id)
	return nil
}

func (s *Store) UpdateTradingAccountBalance(ctx context.Context, id uuid.UUID, snap broker.Snapshot, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return notFound("trading account")
	}
	a.Balance = snap.Balance
	a.Equity = snap.Equity
	a.BalanceSimulated = snap.Simulated
	a.UpdatedAt = at
	s.accounts[id] = a
	return nil
}

// Copy trading

func (s *Store) followers(accountID uuid.UUID) int {
	n := 0
	for _, r := range s.relationships {
		if r.IsActive && r.MasterAccountID == accountID {
			n++
		}
	}
	return n
}

func (s *Store) decorate(m models.MasterTraderStats) models.MasterTraderStats {
	m.FollowersCount = s.followers(m.AccountID)
	m.FullName = s.profiles[m.UserID].FullName
	return m
}

func (s *Store) GetMasterStats(ctx context.Context, accountID uuid.UUID) (*models.MasterTraderStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.masters[accountID]
	if !ok {
		return nil, notFound("master trader")
	}
	m = s.decorate(m)
	return &m, nil
}

func (s *Store) UpsertMasterStats(ctx context.Context, m *models.MasterTraderStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[m.AccountID]; !ok {
		return notFound("trading account")
	}
	if existing, ok := s.masters[m.AccountID]; ok {
		m.ID = existing.ID
	}
	s.masters[m.AccountID] = *m
	return nil
}

func (s *Store) ListMasterStats(ctx context.Context) ([]models.MasterTraderStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.MasterTraderStats, 0, len(s.masters))
	for _, m := range s.masters {
		out = append(out, s.decorate(m))
	}
	return out, nil
}

func (s *Store) ListMasters(ctx context.Context) ([]models.MasterTraderStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []models.MasterTraderStats{}
	for _, m := range s.masters {
		if m.IsAcceptingFollowers {
			out = append(out, s.decorate(m))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].WinRate.GreaterThan(out[j].WinRate) })
	return out, nil
}

func (s *Store) CreateRelationship(ctx context.Context, r *models.CopyRelationship) (*models.CopyRelationship, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[r.FollowerAccountID]; !ok {
		return nil, notFound("follower account")
	}
	if _, ok := s.accounts[r.MasterAccountID]; !ok {
		return nil, notFound("master account")
	}
	for _, existing := range s.relationships {
		if existing.IsActive && existing.FollowerAccountID == r.FollowerAccountID && existing.MasterAccountID == r.MasterAccountID {
			return nil, xerrors.Wrap(xerrors.ErrConflict, "already following this master")
		}
	}
	s.relationships[r.ID] = *r
	out := *r
	return &out, nil
}

func (s *Store) DeleteRelationship(ctx context.Context, id, followerUserID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.relationships[id]
	if !ok || r.FollowerUserID != followerUserID {
		return notFound("copy relationship")
	}
	delete(s.relationships, id)
	return nil
}

func (s *Store) ListFollowing(ctx context.Context, userID uuid.UUID) ([]models.Following, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []models.Following{}
	for _, r := range s.relationships {
		if r.FollowerUserID != userID {
			continue
		}
		f := models.Following{CopyRelationship: r}
		if m, ok := s.masters[r.MasterAccountID]; ok {
			m = s.decorate(m)
			f.Master = &m
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListRelationships(ctx context.Context) ([]models.CopyRelationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.CopyRelationship, 0, len(s.relationships))
	for _, r := range s.relationships {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Trades

func (s *Store) CreateTrade(ctx context.Context, t *models.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[t.AccountID]; !ok {
		return notFound("trading account")
	}
	s.trades = append(s.trades, *t)
	return nil
}

func (s *Store) ListAllTrades(ctx context.Context) ([]models.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Trade, len(s.trades))
	copy(out, s.trades)
	return out, nil
}

// Profiles

func (s *Store) GetProfile(ctx context.Context, userID uuid.UUID) (*models.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[userID]
	if !ok {
		return nil, notFound("profile")
	}
	return &p, nil
}

func (s *Store) UpdateProfile(ctx context.Context, p *models.Profile) (*models.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.profiles[p.UserID]
	if !ok {
		return nil, notFound("profile")
	}
	if p.Username != "" {
		for id, other := range s.profiles {
			if id != p.UserID && other.Username == p.Username {
				return nil, xerrors.Wrap(xerrors.ErrConflict, "username already taken")
			}
		}
	}
	current.FullName = p.FullName
	current.Username = p.Username
	current.Phone = p.Phone
	current.Country = p.Country
	current.UpdatedAt = p.UpdatedAt
	s.profiles[p.UserID] = current
	return &current, nil
}

func (s *Store) SetTwoFactor(ctx context.Context, userID uuid.UUID, secret string, enabled bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		return notFound("profile")
	}
	p.TwoFactorSecret = secret
	p.TwoFactorEnabled = enabled
	p.UpdatedAt = at
	s.profiles[userID] = p
	return nil
}

// Notifications

func (s *Store) CreateNotification(ctx context.Context, n *models.Notification) (*models.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications[n.ID] = *n
	out := *n
	return &out, nil
}

func (s *Store) ListNotifications(ctx context.Context, userID uuid.UUID, limit int) ([]models.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []models.Notification{}
	for _, n := range s.notifications {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) MarkNotificationRead(ctx context.Context, id, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok || n.UserID != userID {
		return notFound("notification")
	}
	n.IsRead = true
	s.notifications[id] = n
	return nil
}

// Admin

func (s *Store) ListUserSummaries(ctx context.Context) ([]models.UserSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.UserSummary, 0, len(s.users))
	for id, u := range s.users {
		sum := models.UserSummary{
			UserID:    id,
			Email:     u.Email,
			FullName:  s.profiles[id].FullName,
			CreatedAt: u.CreatedAt,
		}
		if wid, ok := s.walletByUser[id]; ok {
			sum.Balance = s.wallets[wid].Balance
		}
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
