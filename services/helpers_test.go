package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mani-agah/assessment/models"
	"github.com/mani-agah/assessment/repository"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) (*gorm.DB, *repository.GORMRepository, *repository.ConversationRepository) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_foreign_keys=on", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	repo := repository.NewGORMRepository(db)
	require.NoError(t, repo.AutoMigrate())
	return db, repo, repository.NewConversationRepository(db)
}

func createTestUser(t *testing.T, repo *repository.GORMRepository, username, role string) *models.User {
	t.Helper()
	user := &models.User{
		FirstName:      "Sara",
		LastName:       "Ahmadi",
		Username:       username,
		Email:          username + "@example.com",
		PasswordHash:   "unused",
		WorkExperience: "Product design",
		Role:           role,
		IsActive:       true,
	}
	require.NoError(t, repo.CreateUser(context.Background(), user))
	return user
}

// fakeGenerator replays canned replies and records what it was asked.
type fakeGenerator struct {
	mu          sync.Mutex
	replies     []string
	generateErr error
	completion  string
	completeErr error

	generateCalls int
	completeCalls int
	lastSystem    string
	lastHistory   []Turn
	lastPrompt    string
}

func (f *fakeGenerator) Generate(_ context.Context, system string, history []Turn) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.generateCalls++
	f.lastSystem = system
	f.lastHistory = append([]Turn(nil), history...)
	if len(history) == 0 {
		return "", ErrEmptyHistory
	}
	if f.generateErr != nil {
		return "", f.generateErr
	}
	if len(f.replies) == 0 {
		return "ok", nil
	}
	reply := f.replies[0]
	if len(f.replies) > 1 {
		f.replies = f.replies[1:]
	}
	return reply, nil
}

func (f *fakeGenerator) Complete(_ context.Context, prompt string, _ bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completeCalls++
	f.lastPrompt = prompt
	if f.completeErr != nil {
		return "", f.completeErr
	}
	return f.completion, nil
}

type recordedEvent struct {
	Type    string
	Payload interface{}
}

type eventRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (e *eventRecorder) Publish(eventType string, payload interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, recordedEvent{Type: eventType, Payload: payload})
}

func (e *eventRecorder) all() []recordedEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]recordedEvent(nil), e.events...)
}

type testEnv struct {
	db            *gorm.DB
	repo          *repository.GORMRepository
	conversations *repository.ConversationRepository
	generator     *fakeGenerator
	sessions      *MemorySessionStore
	events        *eventRecorder
	service       *AssessmentService
	user          *models.User
}

// newTestEnv seeds the default questionnaires (ids 1-4) and one user.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, repo, conversations := newTestDB(t)
	require.NoError(t, NewDatabaseSeeder(repo, AdminConfig{}).SeedDatabase(context.Background()))

	scenarios, err := ParseScenarios(DefaultScenarios)
	require.NoError(t, err)

	sessions := NewMemorySessionStore(time.Hour)
	t.Cleanup(sessions.Close)

	env := &testEnv{
		db:            db,
		repo:          repo,
		conversations: conversations,
		generator:     &fakeGenerator{},
		sessions:      sessions,
		events:        &eventRecorder{},
	}
	env.service = NewAssessmentService(repo, conversations, env.generator, sessions, scenarios, env.events)
	env.user = createTestUser(t, repo, "sara", models.RoleUser)
	return env
}
