package models

import (
	"encoding/json"
	"time"
)

const (
	MessageTypeUser = "user"
	MessageTypeAI   = "ai"
)

// ChatMessage is one persisted turn of an assessment conversation.
// Rows are append-only; transcript order is (created_at, id).
type ChatMessage struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	AssessmentID  uint      `gorm:"not null;index" json:"assessment_id"`
	UserID        uint      `gorm:"not null;index" json:"user_id"`
	MessageType   string    `gorm:"size:10;not null" json:"message_type"`
	Content       string    `gorm:"type:text;not null" json:"content"`
	CharacterName string    `gorm:"size:255" json:"character_name"`
	CreatedAt     time.Time `gorm:"not null;index" json:"created_at"`
}

func (ChatMessage) TableName() string {
	return "chat_messages"
}

// HistoryEntry is one saved conversation in the chat-history file.
type HistoryEntry struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Messages  []json.RawMessage `json:"messages"`
}
