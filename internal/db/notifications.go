package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/xtrntr/tradepro/internal/models"
	"github.com/xtrntr/tradepro/internal/xerrors"
)

const notificationCols = "id, user_id, title, message, type, is_read, created_at"

func (db *DB) CreateNotification(ctx context.Context, n *models.Notification) (*models.Notification, error) {
	out := &models.Notification{}
	err := db.Pool.QueryRow(ctx,
		`INSERT INTO notifications (id, user_id, title, message, type, is_read, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING `+notificationCols,
		n.ID, n.UserID, n.Title, n.Message, n.Type, n.IsRead, n.CreatedAt).
		Scan(&out.ID, &out.UserID, &out.Title, &out.Message, &out.Type, &out.IsRead, &out.CreatedAt)
	if err != nil {
		return nil, mapErr(err, "notification")
	}
	return out, nil
}

func (db *DB) ListNotifications(ctx context.Context, userID uuid.UUID, limit int) ([]models.Notification, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+notificationCols+" FROM notifications WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2",
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	notes := []models.Notification{}
	for rows.Next() {
		var n models.Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Title, &n.Message, &n.Type, &n.IsRead, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

func (db *DB) MarkNotificationRead(ctx context.Context, id, userID uuid.UUID) error {
	tag, err := db.Pool.Exec(ctx,
		"UPDATE notifications SET is_read = true WHERE id = $1 AND user_id = $2", id, userID)
	if err != nil {
		return fmt.Errorf("failed to mark notification read: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return xerrors.Wrap(xerrors.ErrNotFound, "notification not found")
	}
	return nil
}
