package models

import (
	"strings"
	"time"
)

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

type User struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	FirstName      string    `gorm:"size:100" json:"first_name"`
	LastName       string    `gorm:"size:100" json:"last_name"`
	Username       string    `gorm:"uniqueIndex;size:100;not null" json:"username"`
	Email          string    `gorm:"size:255" json:"email"`
	PasswordHash   string    `gorm:"size:255;not null" json:"-"`
	WorkExperience string    `gorm:"size:255" json:"work_experience,omitempty"`
	Role           string    `gorm:"size:20;not null;default:'user'" json:"role"`
	IsActive       bool      `gorm:"not null;default:true" json:"is_active"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`

	// Relationships
	Assessments []Assessment `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"assessments,omitempty"`
}

// DisplayName joins first and last name, trimmed.
func (u *User) DisplayName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}
