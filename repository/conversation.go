package repository

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mani-agah/assessment/models"
	"gorm.io/gorm"
)

type ConversationRepository struct {
	db *gorm.DB
}

func NewConversationRepository(db *gorm.DB) *ConversationRepository {
	return &ConversationRepository{db: db}
}

// SaveMessage appends a message to an assessment transcript
func (r *ConversationRepository) SaveMessage(ctx context.Context, message *models.ChatMessage) error {
	if err := r.db.WithContext(ctx).Create(message).Error; err != nil {
		slog.Error("Failed to save message", "error", err, "assessment_id", message.AssessmentID)
		return fmt.Errorf("failed to save message: %w", err)
	}

	slog.Debug("Message saved", "message_id", message.ID, "assessment_id", message.AssessmentID, "type", message.MessageType)
	return nil
}

// GetTranscript returns the full transcript in insertion order
func (r *ConversationRepository) GetTranscript(ctx context.Context, assessmentID uint) ([]models.ChatMessage, error) {
	var messages []models.ChatMessage

	query := r.db.WithContext(ctx).
		Where("assessment_id = ?", assessmentID).
		Order("created_at ASC").
		Order("id ASC")

	if err := query.Find(&messages).Error; err != nil {
		slog.Error("Failed to get transcript", "error", err, "assessment_id", assessmentID)
		return nil, fmt.Errorf("failed to get transcript: %w", err)
	}

	slog.Debug("Transcript retrieved", "assessment_id", assessmentID, "count", len(messages))
	return messages, nil
}
