package models

import "time"

const (
	AssessmentInProgress = "in_progress"
	AssessmentCompleted  = "completed"
)

// DefaultMaxScore is recorded on every new assessment.
const DefaultMaxScore = 6

// Assessment is one user's attempt at a questionnaire. It is in progress
// until CompletedAt is set, which happens together with Score and Description.
type Assessment struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	UserID          uint       `gorm:"not null;index" json:"user_id"`
	QuestionnaireID uint       `gorm:"not null;index" json:"questionnaire_id"`
	SessionID       string     `gorm:"size:64;not null;uniqueIndex" json:"session_id"`
	Score           *float64   `json:"score"`
	MaxScore        int        `gorm:"not null;default:6" json:"max_score"`
	Description     *string    `gorm:"type:text" json:"description"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `gorm:"index" json:"completed_at"`

	// Relationships
	Messages []ChatMessage `gorm:"foreignKey:AssessmentID;constraint:OnDelete:CASCADE" json:"messages,omitempty"`
}

func (a *Assessment) Status() string {
	if a.CompletedAt != nil {
		return AssessmentCompleted
	}
	return AssessmentInProgress
}

func (a *Assessment) IsCompleted() bool {
	return a.CompletedAt != nil
}
