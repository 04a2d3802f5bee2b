package services

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mani-agah/assessment/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apiHarness struct {
	env        *testEnv
	server     *httptest.Server
	userToken  string
	adminToken string
}

func newAPIHarness(t *testing.T, chatPerMinute int) *apiHarness {
	t.Helper()
	env := newTestEnv(t)
	auth := NewAuthService(env.repo, testSecret, time.Hour)
	admin := createTestUser(t, env.repo, "root", models.RoleAdmin)

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware)
			NewAssessmentEndpoints(env.service, chatPerMinute).RegisterRoutes(r)
		})
		r.Route("/admin", func(r chi.Router) {
			r.Use(auth.Middleware)
			r.Use(RequireAdmin)
			NewAdminEndpoints(env.repo, env.conversations).RegisterRoutes(r)
		})
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	userToken, err := auth.IssueToken(env.user.ID, env.user.Username, env.user.Role, 0)
	require.NoError(t, err)
	adminToken, err := auth.IssueToken(admin.ID, admin.Username, admin.Role, 0)
	require.NoError(t, err)

	return &apiHarness{env: env, server: srv, userToken: userToken, adminToken: adminToken}
}

// do sends a request and decodes the envelope; data is left raw.
func (h *apiHarness) do(t *testing.T, method, path, token, body string) (int, Envelope, json.RawMessage) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, h.server.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var raw struct {
		Envelope
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
	return resp.StatusCode, raw.Envelope, raw.Data
}

func validQuestionnaireBody(name string, minQ, maxQ int) string {
	return fmt.Sprintf(`{
		"name": %q,
		"description": "a scenario about teamwork",
		"initial_prompt": "سلام {user_name}، بیایید درباره کار تیمی صحبت کنیم.",
		"persona_prompt": "You are a team lead interviewing {user_name}.",
		"analysis_prompt": "Score teamwork from 0 to 6 as JSON {chat_history_json}",
		"character_count": 1,
		"timer_duration": 10,
		"min_questions": %d,
		"max_questions": %d
	}`, name, minQ, maxQ)
}

func TestAssessmentFlowOverHTTP(t *testing.T) {
	h := newAPIHarness(t, 0)
	h.env.generator.replies = []string{"ادامه دهید"}
	h.env.generator.completion = `{"score": 4, "report": "گزارش نهایی"}`

	status, env, data := h.do(t, http.MethodPost, "/api/v1/assessment/start/wlb", h.userToken, "")
	require.Equal(t, http.StatusOK, status, env.Message)
	var start StartResult
	require.NoError(t, json.Unmarshal(data, &start))
	assert.Equal(t, "Work Life Balance", start.CharacterName)

	status, _, data = h.do(t, http.MethodPost, fmt.Sprintf("/api/v1/assessment/chat/%d", start.AssessmentID), h.userToken,
		fmt.Sprintf(`{"message":"سلام","session_id":%q}`, start.SessionID))
	require.Equal(t, http.StatusOK, status)
	var chat ChatResult
	require.NoError(t, json.Unmarshal(data, &chat))
	assert.Equal(t, "ادامه دهید", chat.AIResponse)

	status, _, _ = h.do(t, http.MethodPost, fmt.Sprintf("/api/v1/assessment/chat/%d", start.AssessmentID), h.userToken, `{"message":""}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _, data = h.do(t, http.MethodPost, fmt.Sprintf("/api/v1/assessment/finish/%d", start.AssessmentID), h.userToken, "")
	require.Equal(t, http.StatusOK, status)
	var finish FinishResult
	require.NoError(t, json.Unmarshal(data, &finish))
	assert.InDelta(t, 4, finish.Score, 1e-9)
	assert.Equal(t, 6, finish.MaxScore)

	status, _, _ = h.do(t, http.MethodPost, fmt.Sprintf("/api/v1/assessment/finish/%d", start.AssessmentID), h.userToken, "")
	assert.Equal(t, http.StatusConflict, status)

	status, _, data = h.do(t, http.MethodGet, "/api/v1/assessment/status", h.userToken, "")
	require.Equal(t, http.StatusOK, status)
	var entries []StatusEntry
	require.NoError(t, json.Unmarshal(data, &entries))
	require.Len(t, entries, 4)
	assert.Equal(t, "completed", entries[2].Status)
	assert.Equal(t, "current", entries[0].Status)

	// Reports are visible to admins with the full transcript.
	status, _, data = h.do(t, http.MethodGet, fmt.Sprintf("/api/v1/admin/reports/%d", start.AssessmentID), h.adminToken, "")
	require.Equal(t, http.StatusOK, status)
	var detail struct {
		Report      map[string]interface{} `json:"report"`
		ChatHistory []ReportMessage        `json:"chatHistory"`
	}
	require.NoError(t, json.Unmarshal(data, &detail))
	assert.Equal(t, "گزارش نهایی", detail.Report["description"])
	require.Len(t, detail.ChatHistory, 3)
	assert.Equal(t, models.MessageTypeAI, detail.ChatHistory[0].MessageType)
}

func TestAssessmentEndpointErrors(t *testing.T) {
	h := newAPIHarness(t, 0)

	status, _, _ := h.do(t, http.MethodPost, "/api/v1/assessment/start/1", "", "")
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _, _ = h.do(t, http.MethodPost, "/api/v1/assessment/start/nope", h.userToken, "")
	assert.Equal(t, http.StatusNotFound, status)

	status, _, _ = h.do(t, http.MethodPost, "/api/v1/assessment/chat/abc", h.userToken, `{"message":"x"}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _, _ = h.do(t, http.MethodPost, "/api/v1/assessment/chat/1", h.userToken, `not json`)
	assert.Equal(t, http.StatusBadRequest, status)

	h.env.generator.completeErr = assert.AnError
	_, _, data := h.do(t, http.MethodPost, "/api/v1/assessment/start/1", h.userToken, "")
	var start StartResult
	require.NoError(t, json.Unmarshal(data, &start))
	status, env, _ := h.do(t, http.MethodPost, fmt.Sprintf("/api/v1/assessment/finish/%d", start.AssessmentID), h.userToken, `{}`)
	assert.Equal(t, http.StatusBadGateway, status)
	assert.False(t, env.Success)
}

func TestChatRateLimitPerUser(t *testing.T) {
	h := newAPIHarness(t, 2)

	_, _, data := h.do(t, http.MethodPost, "/api/v1/assessment/start/1", h.userToken, "")
	var start StartResult
	require.NoError(t, json.Unmarshal(data, &start))

	path := fmt.Sprintf("/api/v1/assessment/chat/%d", start.AssessmentID)
	for i := 0; i < 2; i++ {
		status, _, _ := h.do(t, http.MethodPost, path, h.userToken, `{"message":"hi"}`)
		require.Equal(t, http.StatusOK, status)
	}
	status, env, _ := h.do(t, http.MethodPost, path, h.userToken, `{"message":"hi"}`)
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.False(t, env.Success)
}

func TestAdminQuestionnaireCRUD(t *testing.T) {
	h := newAPIHarness(t, 0)

	status, _, _ := h.do(t, http.MethodGet, "/api/v1/admin/questionnaires", h.userToken, "")
	assert.Equal(t, http.StatusForbidden, status)

	status, env, _ := h.do(t, http.MethodPost, "/api/v1/admin/questionnaires", h.adminToken, validQuestionnaireBody("Team Work", 5, 3))
	require.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "Validation failed", env.Message)
	assert.Contains(t, env.Errors, "min_questions")

	status, env, _ = h.do(t, http.MethodPost, "/api/v1/admin/questionnaires", h.adminToken, `{"name":"ab"}`)
	require.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, env.Errors, "name")
	assert.Contains(t, env.Errors, "persona_prompt")

	status, _, data := h.do(t, http.MethodPost, "/api/v1/admin/questionnaires", h.adminToken, validQuestionnaireBody("Team Work", 2, 5))
	require.Equal(t, http.StatusCreated, status)
	var created models.Questionnaire
	require.NoError(t, json.Unmarshal(data, &created))
	require.NotZero(t, created.ID)

	path := fmt.Sprintf("/api/v1/admin/questionnaires/%d", created.ID)
	status, _, _ = h.do(t, http.MethodPut, path, h.adminToken, validQuestionnaireBody("Team Work v2", 1, 1))
	require.Equal(t, http.StatusOK, status)

	status, _, data = h.do(t, http.MethodGet, path, h.adminToken, "")
	require.Equal(t, http.StatusOK, status)
	var fetched models.Questionnaire
	require.NoError(t, json.Unmarshal(data, &fetched))
	assert.Equal(t, "Team Work v2", fetched.Name)
	assert.Equal(t, 1, fetched.MaxQuestions)

	status, _, _ = h.do(t, http.MethodPut, "/api/v1/admin/questionnaires/9999", h.adminToken, validQuestionnaireBody("Ghost", 1, 2))
	assert.Equal(t, http.StatusNotFound, status)

	status, _, _ = h.do(t, http.MethodDelete, path, h.adminToken, "")
	require.Equal(t, http.StatusOK, status)
	status, _, _ = h.do(t, http.MethodDelete, path, h.adminToken, "")
	assert.Equal(t, http.StatusNotFound, status)
	status, _, _ = h.do(t, http.MethodGet, path, h.adminToken, "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAdminUsersAndReports(t *testing.T) {
	h := newAPIHarness(t, 0)

	status, _, data := h.do(t, http.MethodGet, "/api/v1/admin/users", h.adminToken, "")
	require.Equal(t, http.StatusOK, status)
	var users []models.User
	require.NoError(t, json.Unmarshal(data, &users))
	assert.Len(t, users, 2)
	assert.NotContains(t, string(data), "password")

	path := fmt.Sprintf("/api/v1/admin/users/%d/status", h.env.user.ID)
	status, _, _ = h.do(t, http.MethodPut, path, h.adminToken, `{}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _, _ = h.do(t, http.MethodPut, path, h.adminToken, `{"is_active": false}`)
	require.Equal(t, http.StatusOK, status)

	// The deactivated user is locked out immediately.
	status, _, _ = h.do(t, http.MethodGet, "/api/v1/assessment/status", h.userToken, "")
	assert.Equal(t, http.StatusForbidden, status)

	status, _, _ = h.do(t, http.MethodPut, "/api/v1/admin/users/9999/status", h.adminToken, `{"is_active": true}`)
	assert.Equal(t, http.StatusNotFound, status)

	status, _, data = h.do(t, http.MethodGet, "/api/v1/admin/reports", h.adminToken, "")
	require.Equal(t, http.StatusOK, status)
	var reports []map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &reports))
	assert.Empty(t, reports)

	status, _, _ = h.do(t, http.MethodGet, "/api/v1/admin/reports/1", h.adminToken, "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAdminReportDetailForOpenAssessment(t *testing.T) {
	h := newAPIHarness(t, 0)

	status, env, data := h.do(t, http.MethodPost, "/api/v1/assessment/start/independence", h.userToken, "")
	require.Equal(t, http.StatusOK, status, env.Message)
	var start StartResult
	require.NoError(t, json.Unmarshal(data, &start))

	status, _, data = h.do(t, http.MethodGet, fmt.Sprintf("/api/v1/admin/reports/%d", start.AssessmentID), h.adminToken, "")
	require.Equal(t, http.StatusOK, status)
	var detail struct {
		Report      map[string]interface{} `json:"report"`
		ChatHistory []ReportMessage        `json:"chatHistory"`
	}
	require.NoError(t, json.Unmarshal(data, &detail))
	assert.Nil(t, detail.Report["completed_at"])
	require.Len(t, detail.ChatHistory, 1)
	assert.Equal(t, "ai", detail.ChatHistory[0].MessageType)

	// Open assessments stay out of the list.
	status, _, data = h.do(t, http.MethodGet, "/api/v1/admin/reports", h.adminToken, "")
	require.Equal(t, http.StatusOK, status)
	var reports []map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &reports))
	assert.Empty(t, reports)
}
