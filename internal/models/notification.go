package models

import "time"

type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	TaskID    string    `json:"task_id"`
	Message   string    `json:"message"`
	Type      string    `json:"type"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	NotificationTaskAssigned  = "task_assigned"
	NotificationTaskAccepted  = "task_accepted"
	NotificationTaskCompleted = "task_completed"
)
