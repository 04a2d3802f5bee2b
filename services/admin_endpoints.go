package services

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mani-agah/assessment/models"
	"github.com/mani-agah/assessment/repository"
)

// AdminEndpoints serves questionnaire, user and report management. All
// routes expect Middleware and RequireAdmin in front of them.
type AdminEndpoints struct {
	repo          *repository.GORMRepository
	conversations *repository.ConversationRepository
}

func NewAdminEndpoints(repo *repository.GORMRepository, conversations *repository.ConversationRepository) *AdminEndpoints {
	return &AdminEndpoints{repo: repo, conversations: conversations}
}

// QuestionnaireInput is the create/update payload.
type QuestionnaireInput struct {
	Name           string `json:"name" validate:"required,min=3"`
	Description    string `json:"description" validate:"required,min=10"`
	InitialPrompt  string `json:"initial_prompt" validate:"required,min=20"`
	PersonaPrompt  string `json:"persona_prompt" validate:"required,min=20"`
	AnalysisPrompt string `json:"analysis_prompt" validate:"required,min=20"`
	HasNarrator    bool   `json:"has_narrator"`
	CharacterCount int    `json:"character_count" validate:"gte=1"`
	HasTimer       bool   `json:"has_timer"`
	TimerDuration  int    `json:"timer_duration" validate:"gte=1"`
	MinQuestions   int    `json:"min_questions" validate:"gte=1,ltefield=MaxQuestions"`
	MaxQuestions   int    `json:"max_questions" validate:"gte=1"`
}

func (in QuestionnaireInput) toModel(id uint) *models.Questionnaire {
	return &models.Questionnaire{
		ID:             id,
		Name:           in.Name,
		Description:    in.Description,
		InitialPrompt:  in.InitialPrompt,
		PersonaPrompt:  in.PersonaPrompt,
		AnalysisPrompt: in.AnalysisPrompt,
		HasNarrator:    in.HasNarrator,
		CharacterCount: in.CharacterCount,
		HasTimer:       in.HasTimer,
		TimerDuration:  in.TimerDuration,
		MinQuestions:   in.MinQuestions,
		MaxQuestions:   in.MaxQuestions,
	}
}

type UserStatusInput struct {
	IsActive *bool `json:"is_active" validate:"required"`
}

type ReportDetail struct {
	Report      *repository.ReportRow `json:"report"`
	ChatHistory []ReportMessage       `json:"chatHistory"`
}

type ReportMessage struct {
	MessageType   string `json:"message_type"`
	Content       string `json:"content"`
	CharacterName string `json:"character_name"`
	CreatedAt     string `json:"created_at"`
}

func (e *AdminEndpoints) RegisterRoutes(r chi.Router) {
	r.Route("/questionnaires", func(r chi.Router) {
		r.Get("/", e.ListQuestionnairesHandler)
		r.Post("/", e.CreateQuestionnaireHandler)
		r.Get("/{id}", e.GetQuestionnaireHandler)
		r.Put("/{id}", e.UpdateQuestionnaireHandler)
		r.Delete("/{id}", e.DeleteQuestionnaireHandler)
	})
	r.Route("/users", func(r chi.Router) {
		r.Get("/", e.ListUsersHandler)
		r.Put("/{id}/status", e.UpdateUserStatusHandler)
	})
	r.Route("/reports", func(r chi.Router) {
		r.Get("/", e.ListReportsHandler)
		r.Get("/{id}", e.GetReportHandler)
	})
}

func (e *AdminEndpoints) ListQuestionnairesHandler(w http.ResponseWriter, r *http.Request) {
	questionnaires, err := e.repo.ListQuestionnaires(r.Context())
	if err != nil {
		writeError(w, r, fmt.Errorf("failed to list questionnaires: %w", err))
		return
	}
	writeSuccess(w, http.StatusOK, "", questionnaires)
}

func (e *AdminEndpoints) GetQuestionnaireHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}

	q, err := e.repo.GetQuestionnaire(r.Context(), id)
	if err != nil {
		writeError(w, r, fmt.Errorf("failed to get questionnaire: %w", err))
		return
	}
	if q == nil {
		writeError(w, r, newError(ErrNotFound, "Questionnaire not found"))
		return
	}
	writeSuccess(w, http.StatusOK, "", q)
}

func (e *AdminEndpoints) CreateQuestionnaireHandler(w http.ResponseWriter, r *http.Request) {
	var req QuestionnaireInput
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := validateStruct(req); err != nil {
		writeError(w, r, err)
		return
	}

	q := req.toModel(0)
	if err := e.repo.CreateQuestionnaire(r.Context(), q); err != nil {
		writeError(w, r, fmt.Errorf("failed to create questionnaire: %w", err))
		return
	}
	writeSuccess(w, http.StatusCreated, "Questionnaire created", q)
}

func (e *AdminEndpoints) UpdateQuestionnaireHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req QuestionnaireInput
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := validateStruct(req); err != nil {
		writeError(w, r, err)
		return
	}

	q := req.toModel(id)
	updated, err := e.repo.UpdateQuestionnaire(r.Context(), q)
	if err != nil {
		writeError(w, r, fmt.Errorf("failed to update questionnaire: %w", err))
		return
	}
	if !updated {
		writeError(w, r, newError(ErrNotFound, "Questionnaire not found"))
		return
	}
	writeSuccess(w, http.StatusOK, "Questionnaire updated", q)
}

func (e *AdminEndpoints) DeleteQuestionnaireHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}

	deleted, err := e.repo.DeleteQuestionnaire(r.Context(), id)
	if err != nil {
		if repository.IsForeignKeyViolation(err) {
			writeError(w, r, wrapError(ErrConflict, fkConflictMessage, err))
			return
		}
		writeError(w, r, fmt.Errorf("failed to delete questionnaire: %w", err))
		return
	}
	if !deleted {
		writeError(w, r, newError(ErrNotFound, "Questionnaire not found"))
		return
	}
	writeSuccess(w, http.StatusOK, "Questionnaire deleted", nil)
}

func (e *AdminEndpoints) ListUsersHandler(w http.ResponseWriter, r *http.Request) {
	users, err := e.repo.ListUsers(r.Context())
	if err != nil {
		writeError(w, r, fmt.Errorf("failed to list users: %w", err))
		return
	}
	writeSuccess(w, http.StatusOK, "", users)
}

func (e *AdminEndpoints) UpdateUserStatusHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req UserStatusInput
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := validateStruct(req); err != nil {
		writeError(w, r, err)
		return
	}

	found, err := e.repo.SetUserActive(r.Context(), id, *req.IsActive)
	if err != nil {
		writeError(w, r, fmt.Errorf("failed to update user status: %w", err))
		return
	}
	if !found {
		writeError(w, r, newError(ErrNotFound, "User not found"))
		return
	}

	if admin, ok := UserFromContext(r.Context()); ok {
		slog.Info("User status changed", "user_id", id, "is_active", *req.IsActive, "admin_id", admin.ID)
	}
	writeSuccess(w, http.StatusOK, "User status updated", map[string]interface{}{"id": id, "is_active": *req.IsActive})
}

func (e *AdminEndpoints) ListReportsHandler(w http.ResponseWriter, r *http.Request) {
	reports, err := e.repo.ListReports(r.Context())
	if err != nil {
		writeError(w, r, fmt.Errorf("failed to list reports: %w", err))
		return
	}
	writeSuccess(w, http.StatusOK, "", reports)
}

func (e *AdminEndpoints) GetReportHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}

	report, err := e.repo.GetReport(r.Context(), id)
	if err != nil {
		writeError(w, r, fmt.Errorf("failed to get report: %w", err))
		return
	}
	if report == nil {
		writeError(w, r, newError(ErrNotFound, "Report not found"))
		return
	}

	transcript, err := e.conversations.GetTranscript(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	history := make([]ReportMessage, 0, len(transcript))
	for _, m := range transcript {
		history = append(history, ReportMessage{
			MessageType:   m.MessageType,
			Content:       m.Content,
			CharacterName: m.CharacterName,
			CreatedAt:     m.CreatedAt.Format(time.RFC3339),
		})
	}
	writeSuccess(w, http.StatusOK, "", ReportDetail{Report: report, ChatHistory: history})
}
