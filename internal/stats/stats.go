// Package stats computes dashboard figures from plain rows.
package stats

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/xtrntr/tradepro/internal/models"
)

type UserStats struct {
	TotalUsers        int `json:"total_users"`
	NewUsersToday     int `json:"new_users_today"`
	NewUsersThisWeek  int `json:"new_users_this_week"`
	NewUsersThisMonth int `json:"new_users_this_month"`
}

type FinancialStats struct {
	TotalDeposits       decimal.Decimal `json:"total_deposits"`
	TotalWithdrawals    decimal.Decimal `json:"total_withdrawals"`
	PendingTransactions int             `json:"pending_transactions"`
	TotalBalance        decimal.Decimal `json:"total_balance"`
}

type TradingStats struct {
	TotalTrades  int             `json:"total_trades"`
	ActiveTrades int             `json:"active_trades"`
	TotalProfit  decimal.Decimal `json:"total_profit"`
	WinRate      decimal.Decimal `json:"win_rate"`
}

// Users counts sign-ups relative to the start of now's day, in now's location.
// "This week" and "this month" reach back 7 days and one calendar month from
// that midnight.
func Users(users []models.UserSummary, now time.Time) UserStats {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	weekAgo := today.AddDate(0, 0, -7)
	monthAgo := today.AddDate(0, -1, 0)

	s := UserStats{TotalUsers: len(users)}
	for _, u := range users {
		if !u.CreatedAt.Before(today) {
			s.NewUsersToday++
		}
		if !u.CreatedAt.Before(weekAgo) {
			s.NewUsersThisWeek++
		}
		if !u.CreatedAt.Before(monthAgo) {
			s.NewUsersThisMonth++
		}
	}
	return s
}

// Financial sums settled flows and wallet balances.
func Financial(txns []models.Transaction, wallets []models.Wallet) FinancialStats {
	s := FinancialStats{}
	for _, t := range txns {
		switch t.Status {
		case models.StatusCompleted:
			if t.Type == models.TypeDeposit {
				s.TotalDeposits = s.TotalDeposits.Add(t.Amount)
			} else {
				s.TotalWithdrawals = s.TotalWithdrawals.Add(t.Amount)
			}
		case models.StatusPending:
			s.PendingTransactions++
		}
	}
	for _, w := range wallets {
		s.TotalBalance = s.TotalBalance.Add(w.Balance)
	}
	return s
}

// Trading summarizes trades. WinRate is the percentage of closed trades with
// positive profit, rounded to 2 places, and zero without closed trades.
func Trading(trades []models.Trade) TradingStats {
	s := TradingStats{TotalTrades: len(trades)}
	closed, wins := 0, 0
	for _, t := range trades {
		switch t.Status {
		case "open":
			s.ActiveTrades++
		case "closed":
			closed++
			if t.Profit != nil {
				s.TotalProfit = s.TotalProfit.Add(*t.Profit)
				if t.Profit.IsPositive() {
					wins++
				}
			}
		}
	}
	s.WinRate = winRate(wins, closed)
	return s
}

func winRate(wins, closed int) decimal.Decimal {
	if closed == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(wins)).Mul(decimal.NewFromInt(100)).Div(decimal.NewFromInt(int64(closed))).Round(2)
}

// Master recomputes a master's figures from its account's trades. Only
// closed trades count toward TotalTrades, TotalProfit and WinRate.
// FollowersCount and acceptance are left as they are.
func Master(current models.MasterTraderStats, trades []models.Trade, now time.Time) models.MasterTraderStats {
	closed, wins := 0, 0
	profit := decimal.Zero
	for _, t := range trades {
		if t.AccountID != current.AccountID || t.Status != "closed" {
			continue
		}
		closed++
		if t.Profit != nil {
			profit = profit.Add(*t.Profit)
			if t.Profit.IsPositive() {
				wins++
			}
		}
	}
	current.TotalTrades = closed
	current.TotalProfit = profit
	current.WinRate = winRate(wins, closed)
	current.UpdatedAt = now
	return current
}

// Conservation reports, per wallet, the difference between the stored
// balance and completed deposits minus completed withdrawals. An empty map
// means every wallet balances.
func Conservation(txns []models.Transaction, wallets []models.Wallet) map[string]decimal.Decimal {
	expected := make(map[string]decimal.Decimal, len(wallets))
	for _, t := range txns {
		if t.Status != models.StatusCompleted {
			continue
		}
		k := t.WalletID.String()
		if t.Type == models.TypeDeposit {
			expected[k] = expected[k].Add(t.Amount)
		} else {
			expected[k] = expected[k].Sub(t.Amount)
		}
	}
	drift := make(map[string]decimal.Decimal)
	for _, w := range wallets {
		k := w.ID.String()
		if d := w.Balance.Sub(expected[k]); !d.IsZero() {
			drift[k] = d
		}
	}
	return drift
}
