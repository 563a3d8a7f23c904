package models

import "time"

type Task struct {
	ID               string     `json:"id"`
	CustomerName     string     `json:"customer_name"`
	CustomerPhone    string     `json:"customer_phone"`
	CustomerAddress  string     `json:"customer_address"`
	IssueDescription string     `json:"issue_description"`
	Status           string     `json:"status"`
	AssignedTo       string     `json:"assigned_to,omitempty"`
	AssignedToName   string     `json:"assigned_to_name,omitempty"`
	CreatedBy        string     `json:"created_by"`
	CreatedAt        time.Time  `json:"created_at"`
	AcceptedAt       *time.Time `json:"accepted_at,omitempty"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	ReportText       string     `json:"report_text,omitempty"`
	ReportImages     []string   `json:"report_images"`
	Success          bool       `json:"success"`
	DurationMinutes  *int       `json:"duration_minutes,omitempty"`
}

const (
	StatusPending    = "pending"
	StatusAccepted   = "accepted"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
)

// DurationMinutes is the whole number of minutes between start and end.
func DurationMinutes(start, end time.Time) int {
	if end.Before(start) {
		return 0
	}
	return int(end.Sub(start) / time.Minute)
}
