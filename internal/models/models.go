package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Transaction types
const (
	TypeDeposit    = "deposit"
	TypeWithdrawal = "withdrawal"
)

// Transaction statuses. Completed and rejected are terminal.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusRejected  = "rejected"
)

// Roles
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// Trading account types
const (
	AccountLive = "live"
	AccountDemo = "demo"
)

// User represents a registered user
type User struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Wallet holds a user's funds. Only settlement writes Balance.
type Wallet struct {
	ID        uuid.UUID       `json:"id"`
	UserID    uuid.UUID       `json:"user_id"`
	Balance   decimal.Decimal `json:"balance"`
	Currency  string          `json:"currency"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Transaction is a deposit or withdrawal request and its settlement outcome.
type Transaction struct {
	ID              uuid.UUID       `json:"id"`
	WalletID        uuid.UUID       `json:"wallet_id"`
	UserID          uuid.UUID       `json:"user_id"`
	Type            string          `json:"type"`
	Amount          decimal.Decimal `json:"amount"`
	Status          string          `json:"status"`
	PaymentMethod   string          `json:"payment_method"`
	Notes           string          `json:"notes,omitempty"`
	TransactionHash *string         `json:"transaction_hash,omitempty"`
	ProcessedBy     *uuid.UUID      `json:"processed_by,omitempty"`
	ProcessedAt     *time.Time      `json:"processed_at,omitempty"`
	RejectionReason *string         `json:"rejection_reason,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// IsTerminal reports whether the transaction can no longer change.
func (t *Transaction) IsTerminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusRejected
}

// PendingTransaction is a pending transaction joined with its owner for the admin queue.
type PendingTransaction struct {
	Transaction
	Email    string `json:"email"`
	FullName string `json:"full_name,omitempty"`
}

// TradingAccount is a connected broker account. The credential is only ever
// held in encrypted form and never serialized.
type TradingAccount struct {
	ID                uuid.UUID       `json:"id"`
	UserID            uuid.UUID       `json:"user_id"`
	AccountNumber     string          `json:"account_number"`
	AccountName       string          `json:"account_name,omitempty"`
	Server            string          `json:"server"`
	AccountType       string          `json:"account_type"`
	PasswordEncrypted string          `json:"-"`
	Balance           decimal.Decimal `json:"balance"`
	Equity            decimal.Decimal `json:"equity"`
	BalanceSimulated  bool            `json:"balance_simulated"`
	IsActive          bool            `json:"is_active"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// CopyRelationship declares that a follower account mirrors a master account.
type CopyRelationship struct {
	ID                uuid.UUID `json:"id"`
	FollowerUserID    uuid.UUID `json:"follower_user_id"`
	FollowerAccountID uuid.UUID `json:"follower_account_id"`
	MasterAccountID   uuid.UUID `json:"master_account_id"`
	RiskPercentage    int       `json:"risk_percentage"`
	IsActive          bool      `json:"is_active"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Following is a relationship joined with the master's stats for display.
type Following struct {
	CopyRelationship
	Master *MasterTraderStats `json:"master,omitempty"`
}

// MasterTraderStats is derived performance data for an account accepting followers.
type MasterTraderStats struct {
	ID                   uuid.UUID       `json:"id"`
	AccountID            uuid.UUID       `json:"account_id"`
	UserID               uuid.UUID       `json:"user_id"`
	FullName             string          `json:"full_name,omitempty"`
	WinRate              decimal.Decimal `json:"win_rate"`
	TotalProfit          decimal.Decimal `json:"total_profit"`
	TotalTrades          int             `json:"total_trades"`
	FollowersCount       int             `json:"followers_count"`
	IsAcceptingFollowers bool            `json:"is_accepting_followers"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// Trade is a position recorded against a trading account.
type Trade struct {
	ID         uuid.UUID        `json:"id"`
	UserID     uuid.UUID        `json:"user_id"`
	AccountID  uuid.UUID        `json:"account_id"`
	Symbol     string           `json:"symbol"`
	Type       string           `json:"type"` // "buy" or "sell"
	Volume     decimal.Decimal  `json:"volume"`
	OpenPrice  decimal.Decimal  `json:"open_price"`
	ClosePrice *decimal.Decimal `json:"close_price,omitempty"`
	Profit     *decimal.Decimal `json:"profit,omitempty"`
	Status     string           `json:"status"` // "open" or "closed"
	OpenedAt   time.Time        `json:"opened_at"`
	ClosedAt   *time.Time       `json:"closed_at,omitempty"`
}

// Profile holds user details and 2FA enrolment state.
type Profile struct {
	UserID           uuid.UUID `json:"user_id"`
	FullName         string    `json:"full_name"`
	Username         string    `json:"username"`
	Phone            string    `json:"phone,omitempty"`
	Country          string    `json:"country,omitempty"`
	TwoFactorEnabled bool      `json:"two_factor_enabled"`
	TwoFactorSecret  string    `json:"-"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// UserSummary is a profile joined with its wallet balance for the admin users list.
type UserSummary struct {
	UserID    uuid.UUID       `json:"user_id"`
	Email     string          `json:"email"`
	FullName  string          `json:"full_name"`
	Balance   decimal.Decimal `json:"balance"`
	CreatedAt time.Time       `json:"created_at"`
}

// Notification is a message shown to a single user.
type Notification struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Type      string    `json:"type"`
	IsRead    bool      `json:"is_read"`
	CreatedAt time.Time `json:"created_at"`
}
