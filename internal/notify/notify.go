// Package notify stores per-user notifications and pushes them to live
// websocket connections.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xtrntr/tradepro/internal/models"
)

type Store interface {
	CreateNotification(ctx context.Context, n *models.Notification) (*models.Notification, error)
	ListNotifications(ctx context.Context, userID uuid.UUID, limit int) ([]models.Notification, error)
	// MarkNotificationRead returns ErrNotFound unless userID owns id.
	MarkNotificationRead(ctx context.Context, id, userID uuid.UUID) error
}

type Service struct {
	store  Store
	hub    *Hub
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates a notification service. hub may be nil.
func NewService(store Store, hub *Hub, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, hub: hub, logger: logger, now: time.Now}
}

// Notify persists a notification and publishes it to the user's streams.
func (s *Service) Notify(ctx context.Context, userID uuid.UUID, title, message, kind string) error {
	if kind == "" {
		kind = "info"
	}
	n, err := s.store.CreateNotification(ctx, &models.Notification{
		ID:        uuid.New(),
		UserID:    userID,
		Title:     title,
		Message:   message,
		Type:      kind,
		CreatedAt: s.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to store notification: %w", err)
	}
	if s.hub != nil {
		s.hub.Publish(userID, n)
	}
	return nil
}

func (s *Service) List(ctx context.Context, userID uuid.UUID, limit int) ([]models.Notification, error) {
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	return s.store.ListNotifications(ctx, userID, limit)
}

func (s *Service) MarkRead(ctx context.Context, userID, notificationID uuid.UUID) error {
	return s.store.MarkNotificationRead(ctx, notificationID, userID)
}
