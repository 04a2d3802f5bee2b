package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mani-agah/assessment/models"
	"github.com/mani-agah/assessment/repository"
	"github.com/redis/go-redis/v9"
)

const (
	userCharacterName = "کاربر"

	supplementaryAnswer1Prefix = "پاسخ سوال تکمیلی ۱: "
	supplementaryAnswer2Prefix = "پاسخ سوال تکمیلی ۲: "

	TriggerUser  = "user"
	TriggerTimer = "timer"
)

// EventPublisher receives notifications about finished assessments.
type EventPublisher interface {
	Publish(eventType string, payload interface{})
}

// AssessmentService drives the start, chat and finish lifecycle of an
// assessment for any questionnaire.
type AssessmentService struct {
	repo          *repository.GORMRepository
	conversations *repository.ConversationRepository
	generator     Generator
	analyzer      *Analyzer
	sessions      SessionStore
	scenarios     *ScenarioRegistry
	events        EventPublisher
	locks         *keyedMutex
	distributed   *redisMutex
	now           func() time.Time
}

func NewAssessmentService(repo *repository.GORMRepository, conversations *repository.ConversationRepository, generator Generator, sessions SessionStore, scenarios *ScenarioRegistry, events EventPublisher) *AssessmentService {
	return &AssessmentService{
		repo:          repo,
		conversations: conversations,
		generator:     generator,
		analyzer:      NewAnalyzer(generator),
		sessions:      sessions,
		scenarios:     scenarios,
		events:        events,
		locks:         newKeyedMutex(),
		now:           time.Now,
	}
}

// UseRedisLock makes per-assessment serialisation hold across instances
// that share client.
func (s *AssessmentService) UseRedisLock(client *redis.Client, ttl time.Duration) {
	s.distributed = newRedisMutex(client, ttl)
}

// lock serialises turns on one assessment, in process and, when redis is
// configured, across instances.
func (s *AssessmentService) lock(ctx context.Context, assessmentID uint) (func(), error) {
	unlock := s.locks.Lock(assessmentID)
	if s.distributed == nil {
		return unlock, nil
	}
	release, err := s.distributed.Lock(ctx, assessmentID)
	if err != nil {
		unlock()
		return nil, wrapError(ErrConflict, "Assessment is busy, try again", err)
	}
	return func() {
		release()
		unlock()
	}, nil
}

type AssessmentSettings struct {
	HasNarrator    bool `json:"has_narrator"`
	CharacterCount int  `json:"character_count"`
	HasTimer       bool `json:"has_timer"`
	TimerDuration  int  `json:"timer_duration"`
	MinQuestions   int  `json:"min_questions"`
	MaxQuestions   int  `json:"max_questions"`
}

type StartResult struct {
	SessionID     string             `json:"sessionId"`
	AssessmentID  uint               `json:"assessmentId"`
	Message       string             `json:"message"`
	CharacterName string             `json:"characterName"`
	Settings      AssessmentSettings `json:"settings"`
}

type ChatInput struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

type ChatResult struct {
	AIResponse string `json:"aiResponse"`
	SessionID  string `json:"sessionId"`
	IsComplete bool   `json:"isComplete"`
	Degraded   bool   `json:"degraded,omitempty"`
}

type SupplementaryAnswers struct {
	Q1 string `json:"q1"`
	Q2 string `json:"q2"`
}

type FinishInput struct {
	SupplementaryAnswers *SupplementaryAnswers `json:"supplementary_answers"`
}

type FinishResult struct {
	AssessmentID uint                   `json:"assessmentId"`
	Score        float64                `json:"score"`
	MaxScore     int                    `json:"maxScore"`
	Report       string                 `json:"report"`
	Analysis     map[string]interface{} `json:"analysis,omitempty"`
}

type StatusEntry struct {
	ID          uint   `json:"id"`
	StringID    string `json:"stringId"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Path        string `json:"path"`
	Status      string `json:"status"`
}

// Start opens a new assessment. ref is a questionnaire id or a scenario slug.
// The opening line is the questionnaire's initial prompt with placeholders filled.
func (s *AssessmentService) Start(ctx context.Context, userID uint, ref string) (*StartResult, error) {
	questionnaireID, err := s.resolveQuestionnaire(ref)
	if err != nil {
		return nil, err
	}

	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	if user == nil {
		return nil, newError(ErrNotFound, "User not found")
	}
	q, err := s.repo.GetQuestionnaire(ctx, questionnaireID)
	if err != nil {
		return nil, fmt.Errorf("failed to load questionnaire: %w", err)
	}
	if q == nil {
		return nil, newError(ErrNotFound, "Questionnaire not found")
	}

	vars := promptVars(user, q)
	opening := fillTemplate(q.InitialPrompt, vars)

	assessment := &models.Assessment{
		UserID:          user.ID,
		QuestionnaireID: q.ID,
		SessionID:       uuid.NewString(),
		MaxScore:        models.DefaultMaxScore,
	}
	openingMessage := &models.ChatMessage{
		UserID:        user.ID,
		MessageType:   models.MessageTypeAI,
		Content:       opening,
		CharacterName: q.Name,
	}
	if err := s.repo.CreateAssessment(ctx, assessment, openingMessage); err != nil {
		return nil, fmt.Errorf("failed to start assessment: %w", err)
	}

	sessionID := s.sessionKey(assessment)
	if s.isCached(assessment) {
		err := s.sessions.Create(ctx, &Session{
			ID:           sessionID,
			AssessmentID: assessment.ID,
			UserID:       user.ID,
			UserName:     vars["{user_name}"],
			History:      []Turn{{Role: TurnModel, Text: opening}},
		})
		if err != nil {
			slog.Warn("Failed to cache new session", "session_id", sessionID, "error", err)
		}
	}

	assessmentsStarted.Inc()
	slog.Info("Assessment started", "assessment_id", assessment.ID, "user_id", user.ID, "questionnaire_id", q.ID)
	return &StartResult{
		SessionID:     sessionID,
		AssessmentID:  assessment.ID,
		Message:       opening,
		CharacterName: q.Name,
		Settings: AssessmentSettings{
			HasNarrator:    q.HasNarrator,
			CharacterCount: q.CharacterCount,
			HasTimer:       q.HasTimer,
			TimerDuration:  q.TimerDuration,
			MinQuestions:   q.MinQuestions,
			MaxQuestions:   q.MaxQuestions,
		},
	}, nil
}

// Chat records the user's message, asks the persona for a reply and records it.
// Turns on the same assessment are processed one at a time.
func (s *AssessmentService) Chat(ctx context.Context, userID, assessmentID uint, in ChatInput) (*ChatResult, error) {
	message := strings.TrimSpace(in.Message)
	if message == "" {
		return nil, newError(ErrInvalidInput, "Message is required")
	}

	unlock, err := s.lock(ctx, assessmentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	assessment, err := s.loadOpenAssessment(ctx, userID, assessmentID)
	if err != nil {
		return nil, err
	}
	sessionID := s.sessionKey(assessment)
	if in.SessionID != "" && in.SessionID != sessionID {
		return nil, newError(ErrInvalidInput, "Session does not belong to this assessment")
	}

	// Reloaded every turn so admin edits apply mid-conversation
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	q, err := s.repo.GetQuestionnaire(ctx, assessment.QuestionnaireID)
	if err != nil {
		return nil, fmt.Errorf("failed to load questionnaire: %w", err)
	}
	if q == nil {
		return nil, newError(ErrNotFound, "Questionnaire not found")
	}

	userMessage := &models.ChatMessage{
		AssessmentID:  assessment.ID,
		UserID:        userID,
		MessageType:   models.MessageTypeUser,
		Content:       message,
		CharacterName: userCharacterName,
	}
	if err := s.conversations.SaveMessage(ctx, userMessage); err != nil {
		return nil, err
	}

	history, err := s.history(ctx, assessment, user, Turn{Role: TurnUser, Text: message})
	if err != nil {
		return nil, err
	}

	system := fillTemplate(q.PersonaPrompt, promptVars(user, q))
	reply, err := s.generator.Generate(ctx, system, history)
	if err != nil {
		if errors.Is(err, ErrEmptyHistory) {
			return nil, wrapError(ErrInternal, EmptyHistoryText, err)
		}
		chatTurnsTotal.WithLabelValues("degraded").Inc()
		slog.Warn("Persona reply failed", "assessment_id", assessment.ID, "error", err)
		return &ChatResult{AIResponse: FallbackText(err), SessionID: sessionID, Degraded: true}, nil
	}

	reply, complete := stripCompletionMarker(reply)
	aiMessage := &models.ChatMessage{
		AssessmentID:  assessment.ID,
		UserID:        userID,
		MessageType:   models.MessageTypeAI,
		Content:       reply,
		CharacterName: q.Name,
	}
	if err := s.conversations.SaveMessage(ctx, aiMessage); err != nil {
		return nil, err
	}
	if s.isCached(assessment) {
		if err := s.sessions.Append(ctx, sessionID, Turn{Role: TurnModel, Text: reply}); err != nil {
			slog.Warn("Failed to cache persona reply", "session_id", sessionID, "error", err)
		}
	}

	chatTurnsTotal.WithLabelValues("ok").Inc()
	return &ChatResult{AIResponse: reply, SessionID: sessionID, IsComplete: complete}, nil
}

// SupplementaryQuestions produces two follow-up questions for an open assessment.
func (s *AssessmentService) SupplementaryQuestions(ctx context.Context, userID, assessmentID uint) (*SupplementaryQuestions, error) {
	assessment, err := s.loadOpenAssessment(ctx, userID, assessmentID)
	if err != nil {
		return nil, err
	}
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	q, err := s.repo.GetQuestionnaire(ctx, assessment.QuestionnaireID)
	if err != nil {
		return nil, fmt.Errorf("failed to load questionnaire: %w", err)
	}
	if q == nil {
		return nil, newError(ErrNotFound, "Questionnaire not found")
	}
	transcript, err := s.conversations.GetTranscript(ctx, assessment.ID)
	if err != nil {
		return nil, err
	}

	questions := s.analyzer.SupplementaryQuestions(ctx, transcriptTurns(transcript), fillTemplate(q.PersonaPrompt, promptVars(user, q)))
	return &questions, nil
}

// Finish scores the conversation and closes the assessment.
func (s *AssessmentService) Finish(ctx context.Context, userID, assessmentID uint, in FinishInput) (*FinishResult, error) {
	return s.finish(ctx, userID, assessmentID, in.SupplementaryAnswers, TriggerUser)
}

func (s *AssessmentService) finish(ctx context.Context, userID, assessmentID uint, answers *SupplementaryAnswers, trigger string) (*FinishResult, error) {
	unlock, err := s.lock(ctx, assessmentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	assessment, err := s.loadOpenAssessment(ctx, userID, assessmentID)
	if err != nil {
		return nil, err
	}
	q, err := s.repo.GetQuestionnaire(ctx, assessment.QuestionnaireID)
	if err != nil {
		return nil, fmt.Errorf("failed to load questionnaire: %w", err)
	}
	if q == nil {
		return nil, newError(ErrNotFound, "Questionnaire not found")
	}

	transcript, err := s.conversations.GetTranscript(ctx, assessment.ID)
	if err != nil {
		return nil, err
	}
	history := transcriptTurns(transcript)
	if answers != nil {
		if a := strings.TrimSpace(answers.Q1); a != "" {
			history = append(history, Turn{Role: TurnUser, Text: supplementaryAnswer1Prefix + a})
		}
		if a := strings.TrimSpace(answers.Q2); a != "" {
			history = append(history, Turn{Role: TurnUser, Text: supplementaryAnswer2Prefix + a})
		}
	}

	raw, err := s.analyzer.Analyze(ctx, history, q.AnalysisPrompt)
	if err != nil {
		return nil, wrapError(ErrUpstream, "Analysis is currently unavailable, please try again", err)
	}
	result := ParseAnalysis(raw)

	completed, err := s.repo.CompleteAssessment(ctx, assessment.ID, userID, result.Score, result.Report, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to save analysis: %w", err)
	}
	if !completed {
		return nil, newError(ErrConflict, "Assessment is already completed")
	}

	if s.isCached(assessment) {
		if err := s.sessions.Delete(ctx, s.sessionKey(assessment)); err != nil {
			slog.Warn("Failed to drop cached session", "assessment_id", assessment.ID, "error", err)
		}
	}
	if s.events != nil {
		s.events.Publish("assessment_completed", map[string]interface{}{
			"assessment_id":      assessment.ID,
			"user_id":            userID,
			"questionnaire_id":   q.ID,
			"questionnaire_name": q.Name,
			"score":              result.Score,
			"max_score":          assessment.MaxScore,
			"trigger":            trigger,
		})
	}

	assessmentsCompleted.WithLabelValues(trigger).Inc()
	slog.Info("Assessment completed", "assessment_id", assessment.ID, "user_id", userID, "score", result.Score, "trigger", trigger)
	return &FinishResult{
		AssessmentID: assessment.ID,
		Score:        result.Score,
		MaxScore:     assessment.MaxScore,
		Report:       result.Report,
		Analysis:     result.Details,
	}, nil
}

// Status lists every questionnaire in id order: completed ones, then the
// first incomplete one as current, the rest locked.
func (s *AssessmentService) Status(ctx context.Context, userID uint) ([]StatusEntry, error) {
	questionnaires, err := s.repo.ListQuestionnaires(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list questionnaires: %w", err)
	}
	completedIDs, err := s.repo.CompletedQuestionnaireIDs(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load progress: %w", err)
	}
	completed := make(map[uint]bool, len(completedIDs))
	for _, id := range completedIDs {
		completed[id] = true
	}

	entries := make([]StatusEntry, 0, len(questionnaires))
	currentAssigned := false
	for _, q := range questionnaires {
		status := "locked"
		switch {
		case completed[q.ID]:
			status = "completed"
		case !currentAssigned:
			status = "current"
			currentAssigned = true
		}
		slug, ref := scenarioSlug(q.Name), strconv.FormatUint(uint64(q.ID), 10)
		if sc, ok := s.scenarios.ByQuestionnaire(q.ID); ok {
			slug, ref = sc.Slug, sc.Slug
		}
		entries = append(entries, StatusEntry{
			ID:          q.ID,
			StringID:    slug,
			Title:       "ارزیابی " + q.Name,
			Description: q.Description,
			Path:        "/assessment/" + ref,
			Status:      status,
		})
	}
	return entries, nil
}

func (s *AssessmentService) resolveQuestionnaire(ref string) (uint, error) {
	ref = strings.TrimSpace(ref)
	if id, err := strconv.ParseUint(ref, 10, 64); err == nil && id > 0 {
		return uint(id), nil
	}
	if sc, ok := s.scenarios.BySlug(ref); ok {
		return sc.QuestionnaireID, nil
	}
	return 0, newError(ErrNotFound, "Questionnaire not found")
}

// loadOpenAssessment returns the caller's assessment if it is still in progress.
func (s *AssessmentService) loadOpenAssessment(ctx context.Context, userID, assessmentID uint) (*models.Assessment, error) {
	assessment, err := s.repo.GetAssessment(ctx, assessmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load assessment: %w", err)
	}
	if assessment == nil || assessment.UserID != userID {
		return nil, newError(ErrNotFound, "Assessment not found")
	}
	if assessment.IsCompleted() {
		return nil, newError(ErrConflict, "Assessment is already completed")
	}
	return assessment, nil
}

func (s *AssessmentService) isCached(a *models.Assessment) bool {
	if s.sessions == nil {
		return false
	}
	sc, ok := s.scenarios.ByQuestionnaire(a.QuestionnaireID)
	return ok && sc.Cached
}

// sessionKey is "<slug>-<id>" for cached scenarios and the stored uuid otherwise.
func (s *AssessmentService) sessionKey(a *models.Assessment) string {
	if sc, ok := s.scenarios.ByQuestionnaire(a.QuestionnaireID); ok && sc.Cached {
		return fmt.Sprintf("%s-%d", sc.Slug, a.ID)
	}
	return a.SessionID
}

// history returns the conversation including the newly saved user turn.
// Cached scenarios read the session store and rebuild it from storage on a miss.
func (s *AssessmentService) history(ctx context.Context, a *models.Assessment, user *models.User, latest Turn) ([]Turn, error) {
	if s.isCached(a) {
		key := s.sessionKey(a)
		session, ok, err := s.sessions.Get(ctx, key)
		if err != nil {
			slog.Warn("Session store read failed, falling back to storage", "session_id", key, "error", err)
		}
		if ok {
			sessionCacheLookups.WithLabelValues("hit").Inc()
			if err := s.sessions.Append(ctx, key, latest); err != nil {
				slog.Warn("Failed to cache user turn", "session_id", key, "error", err)
			}
			return append(session.History, latest), nil
		}
		sessionCacheLookups.WithLabelValues("miss").Inc()
	}

	transcript, err := s.conversations.GetTranscript(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	turns := transcriptTurns(transcript)

	if s.isCached(a) {
		name := defaultUserName
		if user != nil && user.DisplayName() != "" {
			name = user.DisplayName()
		}
		err := s.sessions.Create(ctx, &Session{
			ID:           s.sessionKey(a),
			AssessmentID: a.ID,
			UserID:       a.UserID,
			UserName:     name,
			History:      turns,
		})
		if err != nil {
			slog.Warn("Failed to rebuild cached session", "assessment_id", a.ID, "error", err)
		}
	}
	return turns, nil
}
