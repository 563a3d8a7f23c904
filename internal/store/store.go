package store

import (
	"context"
	"time"

	"techdispatch/dispatch-service/internal/models"
)

// NotificationListLimit caps how many notifications a single listing returns.
const NotificationListLimit = 100

type TaskFilter struct {
	AssignedTo string
	Status     string
}

// TaskUpdate is a partial update; nil fields are left untouched.
type TaskUpdate struct {
	Status       string
	AcceptedAt   *time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	ReportText   *string
	ReportImages []string
	Success      *bool
	// RecordDuration derives duration_minutes from the stored started_at and
	// CompletedAt inside the same atomic update. CompletedAt is raised to
	// started_at when a concurrent start stamped a later time.
	RecordDuration bool
}

type UserStore interface {
	InsertUser(ctx context.Context, user models.User) error
	FindUserByID(ctx context.Context, id string) (models.User, error)
	FindUserByEmail(ctx context.Context, email string) (models.User, error)
	ListUsersByRole(ctx context.Context, role string) ([]models.User, error)
	UpdatePassword(ctx context.Context, id, passwordHash string) error
	UpdateMessagingID(ctx context.Context, id, messagingID string) error
}

type TaskStore interface {
	InsertTask(ctx context.Context, task models.Task) error
	FindTaskByID(ctx context.Context, id string) (models.Task, error)
	// UpdateTaskFields applies update in a single atomic write, provided the
	// stored status is one of fromStatuses. It returns ErrTaskNotFound or
	// ErrInvalidState when the guard does not hold.
	UpdateTaskFields(ctx context.Context, id string, fromStatuses []string, update TaskUpdate) (models.Task, error)
	// DeleteTask removes the task together with its locations and notifications.
	DeleteTask(ctx context.Context, id string) error
	// ListTasks returns matching tasks ordered by created_at descending.
	ListTasks(ctx context.Context, filter TaskFilter) ([]models.Task, error)
	CountTasks(ctx context.Context, filter TaskFilter) (int, error)
}

type LocationStore interface {
	InsertLocation(ctx context.Context, location models.Location) error
	ListLocations(ctx context.Context, taskID string) ([]models.Location, error)
	LatestLocation(ctx context.Context, userID string) (models.Location, bool, error)
}

type NotificationStore interface {
	InsertNotification(ctx context.Context, notification models.Notification) error
	ListNotifications(ctx context.Context, userID string, limit int) ([]models.Notification, error)
	// MarkNotificationRead reports whether a notification owned by userID matched.
	MarkNotificationRead(ctx context.Context, userID, notificationID string) (bool, error)
	CountUnread(ctx context.Context, userID string) (int, error)
}

type Store interface {
	UserStore
	TaskStore
	LocationStore
	NotificationStore
}
