package models

import "time"

const (
	RoleAdmin      = "admin"
	RoleTechnician = "technician"
)

type User struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
	MessagingID  string    `json:"external_messaging_id,omitempty"`
}

func (u User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

func (u User) IsTechnician() bool {
	return u.Role == RoleTechnician
}

func ValidRole(role string) bool {
	return role == RoleAdmin || role == RoleTechnician
}
