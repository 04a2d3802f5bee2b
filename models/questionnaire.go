package models

import "time"

// Questionnaire is an admin-defined assessment: the persona the AI plays,
// the opening line, and the rubric used to score the finished conversation.
type Questionnaire struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	Name           string    `gorm:"size:255;not null" json:"name"`
	Description    string    `gorm:"type:text" json:"description"`
	InitialPrompt  string    `gorm:"type:text;not null" json:"initial_prompt"`
	PersonaPrompt  string    `gorm:"type:text;not null" json:"persona_prompt"`
	AnalysisPrompt string    `gorm:"type:text;not null" json:"analysis_prompt"`
	HasNarrator    bool      `gorm:"not null;default:false" json:"has_narrator"`
	CharacterCount int       `gorm:"not null;default:1" json:"character_count"`
	HasTimer       bool      `gorm:"not null;default:false" json:"has_timer"`
	TimerDuration  int       `gorm:"not null;default:15" json:"timer_duration"` // minutes
	MinQuestions   int       `gorm:"not null;default:3" json:"min_questions"`
	MaxQuestions   int       `gorm:"not null;default:8" json:"max_questions"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`

	// Relationships
	Assessments []Assessment `gorm:"foreignKey:QuestionnaireID;constraint:OnDelete:RESTRICT" json:"assessments,omitempty"`
}
