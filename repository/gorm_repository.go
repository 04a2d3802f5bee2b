package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mani-agah/assessment/models"
	"gorm.io/gorm"
)

type GORMRepository struct {
	db *gorm.DB
}

func NewGORMRepository(db *gorm.DB) *GORMRepository {
	return &GORMRepository{db: db}
}

// DB exposes the underlying handle for health checks.
func (r *GORMRepository) DB() *gorm.DB {
	return r.db
}

// AutoMigrate runs database migrations
func (r *GORMRepository) AutoMigrate() error {
	return r.db.AutoMigrate(
		&models.User{},
		&models.Questionnaire{},
		&models.Assessment{},
		&models.ChatMessage{},
	)
}

// User operations
func (r *GORMRepository) CreateUser(ctx context.Context, user *models.User) error {
	if err := r.db.WithContext(ctx).Create(user).Error; err != nil {
		slog.Error("Failed to create user", "error", err, "username", user.Username)
		return err
	}
	slog.Info("User created", "user_id", user.ID, "username", user.Username)
	return nil
}

func (r *GORMRepository) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).Where("username = ?", username).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.Error("Failed to get user by username", "error", err, "username", username)
		return nil, err
	}
	return &user, nil
}

func (r *GORMRepository) GetUserByID(ctx context.Context, id uint) (*models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.Error("Failed to get user by ID", "error", err, "user_id", id)
		return nil, err
	}
	return &user, nil
}

func (r *GORMRepository) ListUsers(ctx context.Context) ([]models.User, error) {
	var users []models.User
	if err := r.db.WithContext(ctx).Order("id ASC").Find(&users).Error; err != nil {
		slog.Error("Failed to list users", "error", err)
		return nil, err
	}
	return users, nil
}

// SetUserActive flips the active flag. It returns false when no such user exists.
func (r *GORMRepository) SetUserActive(ctx context.Context, id uint, active bool) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", id).Update("is_active", active)
	if result.Error != nil {
		slog.Error("Failed to update user status", "error", result.Error, "user_id", id)
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// Questionnaire operations
func (r *GORMRepository) ListQuestionnaires(ctx context.Context) ([]models.Questionnaire, error) {
	var questionnaires []models.Questionnaire
	if err := r.db.WithContext(ctx).Order("id ASC").Find(&questionnaires).Error; err != nil {
		slog.Error("Failed to list questionnaires", "error", err)
		return nil, err
	}
	return questionnaires, nil
}

func (r *GORMRepository) CountQuestionnaires(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.Questionnaire{}).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func (r *GORMRepository) GetQuestionnaire(ctx context.Context, id uint) (*models.Questionnaire, error) {
	var q models.Questionnaire
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&q).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.Error("Failed to get questionnaire", "error", err, "questionnaire_id", id)
		return nil, err
	}
	return &q, nil
}

func (r *GORMRepository) CreateQuestionnaire(ctx context.Context, q *models.Questionnaire) error {
	if err := r.db.WithContext(ctx).Create(q).Error; err != nil {
		slog.Error("Failed to create questionnaire", "error", err, "name", q.Name)
		return err
	}
	slog.Info("Questionnaire created", "questionnaire_id", q.ID, "name", q.Name)
	return nil
}

// UpdateQuestionnaire overwrites every editable column, zero values included.
// It returns false when the row does not exist.
func (r *GORMRepository) UpdateQuestionnaire(ctx context.Context, q *models.Questionnaire) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Questionnaire{}).
		Where("id = ?", q.ID).
		Select("name", "description", "initial_prompt", "persona_prompt", "analysis_prompt",
			"has_narrator", "character_count", "has_timer", "timer_duration",
			"min_questions", "max_questions", "updated_at").
		Updates(map[string]interface{}{
			"name":            q.Name,
			"description":     q.Description,
			"initial_prompt":  q.InitialPrompt,
			"persona_prompt":  q.PersonaPrompt,
			"analysis_prompt": q.AnalysisPrompt,
			"has_narrator":    q.HasNarrator,
			"character_count": q.CharacterCount,
			"has_timer":       q.HasTimer,
			"timer_duration":  q.TimerDuration,
			"min_questions":   q.MinQuestions,
			"max_questions":   q.MaxQuestions,
			"updated_at":      time.Now(),
		})
	if result.Error != nil {
		slog.Error("Failed to update questionnaire", "error", result.Error, "questionnaire_id", q.ID)
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// DeleteQuestionnaire removes a questionnaire together with its assessments
// and their messages in one transaction. It returns false when nothing matched.
func (r *GORMRepository) DeleteQuestionnaire(ctx context.Context, id uint) (bool, error) {
	var deleted bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		assessmentIDs := tx.Model(&models.Assessment{}).Select("id").Where("questionnaire_id = ?", id)
		if err := tx.Where("assessment_id IN (?)", assessmentIDs).Delete(&models.ChatMessage{}).Error; err != nil {
			return fmt.Errorf("failed to delete messages: %w", err)
		}
		if err := tx.Where("questionnaire_id = ?", id).Delete(&models.Assessment{}).Error; err != nil {
			return fmt.Errorf("failed to delete assessments: %w", err)
		}
		result := tx.Where("id = ?", id).Delete(&models.Questionnaire{})
		if result.Error != nil {
			return fmt.Errorf("failed to delete questionnaire: %w", result.Error)
		}
		deleted = result.RowsAffected > 0
		return nil
	})
	if err != nil {
		slog.Error("Failed to delete questionnaire", "error", err, "questionnaire_id", id)
		return false, err
	}
	if deleted {
		slog.Info("Questionnaire deleted", "questionnaire_id", id)
	}
	return deleted, nil
}

// Assessment operations

// CreateAssessment inserts the assessment and its opening message atomically.
func (r *GORMRepository) CreateAssessment(ctx context.Context, assessment *models.Assessment, opening *models.ChatMessage) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(assessment).Error; err != nil {
			return fmt.Errorf("failed to create assessment: %w", err)
		}
		if opening == nil {
			return nil
		}
		opening.AssessmentID = assessment.ID
		if err := tx.Create(opening).Error; err != nil {
			return fmt.Errorf("failed to save opening message: %w", err)
		}
		return nil
	})
	if err != nil {
		slog.Error("Failed to create assessment", "error", err, "user_id", assessment.UserID, "questionnaire_id", assessment.QuestionnaireID)
		return err
	}
	slog.Info("Assessment created", "assessment_id", assessment.ID, "user_id", assessment.UserID, "questionnaire_id", assessment.QuestionnaireID)
	return nil
}

func (r *GORMRepository) GetAssessment(ctx context.Context, id uint) (*models.Assessment, error) {
	var assessment models.Assessment
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&assessment).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.Error("Failed to get assessment", "error", err, "assessment_id", id)
		return nil, err
	}
	return &assessment, nil
}

// CompleteAssessment writes score, description and completion time together.
// The update only applies to the owner's still-open assessment; it returns
// false if the row was already completed or belongs to someone else.
func (r *GORMRepository) CompleteAssessment(ctx context.Context, id, userID uint, score float64, description string, completedAt time.Time) (bool, error) {
	var updated bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Assessment{}).
			Where("id = ? AND user_id = ? AND completed_at IS NULL", id, userID).
			Updates(map[string]interface{}{
				"score":        score,
				"description":  description,
				"completed_at": completedAt,
			})
		if result.Error != nil {
			return result.Error
		}
		updated = result.RowsAffected > 0
		return nil
	})
	if err != nil {
		slog.Error("Failed to complete assessment", "error", err, "assessment_id", id)
		return false, err
	}
	return updated, nil
}

// CompletedQuestionnaireIDs lists questionnaires the user has finished at least once.
func (r *GORMRepository) CompletedQuestionnaireIDs(ctx context.Context, userID uint) ([]uint, error) {
	var ids []uint
	if err := r.db.WithContext(ctx).
		Model(&models.Assessment{}).
		Where("user_id = ? AND completed_at IS NOT NULL", userID).
		Distinct().
		Pluck("questionnaire_id", &ids).Error; err != nil {
		slog.Error("Failed to get completed questionnaires", "error", err, "user_id", userID)
		return nil, err
	}
	return ids, nil
}

// TimedAssessment is an open assessment whose questionnaire runs on a timer.
type TimedAssessment struct {
	ID              uint
	UserID          uint
	QuestionnaireID uint
	CreatedAt       time.Time
	TimerDuration   int
}

// Deadline is when the timer runs out.
func (t TimedAssessment) Deadline() time.Time {
	return t.CreatedAt.Add(time.Duration(t.TimerDuration) * time.Minute)
}

// ListOpenTimedAssessments returns every in-progress assessment whose questionnaire has a timer.
func (r *GORMRepository) ListOpenTimedAssessments(ctx context.Context) ([]TimedAssessment, error) {
	var rows []TimedAssessment
	if err := r.db.WithContext(ctx).
		Table("assessments").
		Select("assessments.id, assessments.user_id, assessments.questionnaire_id, assessments.created_at, questionnaires.timer_duration").
		Joins("JOIN questionnaires ON questionnaires.id = assessments.questionnaire_id").
		Where("questionnaires.has_timer = ? AND assessments.completed_at IS NULL", true).
		Order("assessments.id ASC").
		Scan(&rows).Error; err != nil {
		slog.Error("Failed to list timed assessments", "error", err)
		return nil, err
	}
	return rows, nil
}

// Report operations

// ReportRow is a completed assessment joined with its user and questionnaire.
type ReportRow struct {
	ID                uint       `json:"id"`
	UserID            uint       `json:"user_id"`
	Score             *float64   `json:"score"`
	MaxScore          int        `json:"max_score"`
	Description       *string    `json:"description"`
	CompletedAt       *time.Time `json:"completed_at"`
	FirstName         string     `json:"first_name"`
	LastName          string     `json:"last_name"`
	Email             string     `json:"email"`
	QuestionnaireName string     `json:"questionnaire_name"`
}

func (r *GORMRepository) reportQuery(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).
		Table("assessments").
		Select("assessments.id, assessments.user_id, assessments.score, assessments.max_score, assessments.description, assessments.completed_at, " +
			"users.first_name, users.last_name, users.email, questionnaires.name AS questionnaire_name").
		Joins("JOIN users ON users.id = assessments.user_id").
		Joins("JOIN questionnaires ON questionnaires.id = assessments.questionnaire_id")
}

// ListReports returns completed assessments, newest first.
func (r *GORMRepository) ListReports(ctx context.Context) ([]ReportRow, error) {
	var rows []ReportRow
	if err := r.reportQuery(ctx).
		Where("assessments.completed_at IS NOT NULL").
		Order("assessments.completed_at DESC").Scan(&rows).Error; err != nil {
		slog.Error("Failed to list reports", "error", err)
		return nil, err
	}
	return rows, nil
}

// GetReport returns one assessment, finished or not.
func (r *GORMRepository) GetReport(ctx context.Context, assessmentID uint) (*ReportRow, error) {
	var rows []ReportRow
	if err := r.reportQuery(ctx).Where("assessments.id = ?", assessmentID).Limit(1).Scan(&rows).Error; err != nil {
		slog.Error("Failed to get report", "error", err, "assessment_id", assessmentID)
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}
