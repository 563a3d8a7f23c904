// Package notify records per-user notifications and pushes them to external
// messaging identities on a best-effort basis.
package notify

import (
	"context"
	"time"

	"techdispatch/dispatch-service/internal/models"
	"techdispatch/dispatch-service/internal/store"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Publisher receives every persisted notification for live delivery.
type Publisher interface {
	PublishNotification(notification models.Notification)
}

type Service struct {
	notifications store.NotificationStore
	users         store.UserStore
	publisher     Publisher
	log           *logrus.Entry
	now           func() time.Time
}

func NewService(notifications store.NotificationStore, users store.UserStore, publisher Publisher, log *logrus.Entry) *Service {
	return &Service{
		notifications: notifications,
		users:         users,
		publisher:     publisher,
		log:           log,
		now:           time.Now,
	}
}

// Notify persists an unread notification for an existing user.
func (s *Service) Notify(ctx context.Context, userID, taskID, message, notificationType string) (models.Notification, error) {
	if _, err := s.users.FindUserByID(ctx, userID); err != nil {
		return models.Notification{}, err
	}
	notification := models.Notification{
		ID:        uuid.NewString(),
		UserID:    userID,
		TaskID:    taskID,
		Message:   message,
		Type:      notificationType,
		CreatedAt: s.now().UTC(),
	}
	if err := s.notifications.InsertNotification(ctx, notification); err != nil {
		return models.Notification{}, err
	}
	if s.publisher != nil {
		s.publisher.PublishNotification(notification)
	}
	return notification, nil
}

func (s *Service) ListForUser(ctx context.Context, userID string) ([]models.Notification, error) {
	notifications, err := s.notifications.ListNotifications(ctx, userID, store.NotificationListLimit)
	if err != nil {
		return nil, err
	}
	if notifications == nil {
		notifications = []models.Notification{}
	}
	return notifications, nil
}

// MarkRead is a no-op when the notification belongs to someone else.
func (s *Service) MarkRead(ctx context.Context, userID, notificationID string) error {
	matched, err := s.notifications.MarkNotificationRead(ctx, userID, notificationID)
	if err != nil {
		return err
	}
	if !matched {
		s.log.WithField("operation", "mark_read").
			WithField("user_id", userID).
			WithField("notification_id", notificationID).
			Debug("no notification matched")
	}
	return nil
}

func (s *Service) UnreadCount(ctx context.Context, userID string) (int, error) {
	return s.notifications.CountUnread(ctx, userID)
}
