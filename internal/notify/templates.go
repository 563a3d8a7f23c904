package notify

import (
	"strconv"
	"strings"

	"techdispatch/dispatch-service/internal/models"
)

// MessageData fills the placeholders of a notification template.
type MessageData struct {
	CustomerName    string
	TechnicianName  string
	Success         bool
	DurationMinutes int
}

func defaultTemplate(notificationType string, data MessageData) string {
	switch notificationType {
	case models.NotificationTaskAssigned:
		return "New task assigned: {customer_name}"
	case models.NotificationTaskAccepted:
		return "{technician_name} accepted the task for {customer_name}"
	case models.NotificationTaskCompleted:
		outcome := "successfully"
		if !data.Success {
			outcome = "unsuccessfully"
		}
		if data.DurationMinutes > 0 {
			return "{technician_name} completed the task for {customer_name} " + outcome + " in {duration} minutes"
		}
		return "{technician_name} completed the task for {customer_name} " + outcome
	}
	return ""
}

// Render builds the human-readable message for a notification type.
func Render(notificationType string, data MessageData) string {
	result := defaultTemplate(notificationType, data)
	result = strings.ReplaceAll(result, "{customer_name}", data.CustomerName)
	result = strings.ReplaceAll(result, "{technician_name}", fallback(data.TechnicianName, "Technician"))
	result = strings.ReplaceAll(result, "{duration}", strconv.Itoa(data.DurationMinutes))
	return result
}

func fallback(value, def string) string {
	if strings.TrimSpace(value) == "" {
		return def
	}
	return value
}
