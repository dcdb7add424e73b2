package db

import (
	"context"
	"fmt"

	"github.com/xtrntr/tradepro/internal/models"
)

// ListUserSummaries joins every user with their profile name and wallet balance.
func (db *DB) ListUserSummaries(ctx context.Context) ([]models.UserSummary, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT u.id, u.email, COALESCE(p.full_name, ''), COALESCE(w.balance, 0), u.created_at
		   FROM users u
		   LEFT JOIN profiles p ON p.user_id = u.id
		   LEFT JOIN wallets w ON w.user_id = u.id
		  ORDER BY u.created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	users := []models.UserSummary{}
	for rows.Next() {
		var u models.UserSummary
		if err := rows.Scan(&u.UserID, &u.Email, &u.FullName, &u.Balance, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
