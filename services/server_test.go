package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mani-agah/assessment/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	return newTestServerWith(t, nil)
}

func newTestServerWith(t *testing.T, adjust func(*Config)) (*Server, *httptest.Server) {
	t.Helper()
	db, repo, _ := newTestDB(t)
	require.NoError(t, NewDatabaseSeeder(repo, AdminConfig{Username: "admin", Password: "admin-pass"}).SeedDatabase(context.Background()))

	config := &Config{
		Server: ServerConfig{
			CORSAllowedOrigins: "http://panel.test",
			RateLimitPerMinute: 100,
			HistoryFile:        filepath.Join(t.TempDir(), "chat-history.json"),
			TimerSweepInterval: time.Minute,
		},
		AI:        AIConfig{Provider: "openai", BaseURL: "http://127.0.0.1:1", MaxRetries: 1, RetryStep: time.Millisecond},
		JWT:       JWTConfig{Secret: testSecret, TTL: time.Hour},
		WebSocket: WebSocketConfig{AllowedOrigins: "http://panel.test"},
		Session:   SessionConfig{TTL: time.Hour, Scenarios: DefaultScenarios},
	}

	if adjust != nil {
		adjust(config)
	}

	server := NewServer(config)
	server.SetDatabase(repo, db)
	require.NoError(t, server.InitializeServices(context.Background()))
	t.Cleanup(server.Close)

	ts := httptest.NewServer(server.SetupRoutes())
	t.Cleanup(ts.Close)
	return server, ts
}

func login(t *testing.T, baseURL, username, password string) string {
	t.Helper()
	resp, err := http.Post(baseURL+"/api/v1/auth/login", "application/json",
		strings.NewReader(`{"username":"`+username+`","password":"`+password+`"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Data AuthResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body.Data.Token
}

func TestInitializeServicesRequiresSecret(t *testing.T) {
	db, repo, _ := newTestDB(t)
	server := NewServer(&Config{Session: SessionConfig{Scenarios: DefaultScenarios}})
	server.SetDatabase(repo, db)
	assert.Error(t, server.InitializeServices(context.Background()))

	server = NewServer(&Config{JWT: JWTConfig{Secret: "s"}, AI: AIConfig{Provider: "llama"}, Session: SessionConfig{Scenarios: DefaultScenarios}})
	server.SetDatabase(repo, db)
	assert.Error(t, server.InitializeServices(context.Background()))
}

func TestZeroRateLimitLeavesAuthOpen(t *testing.T) {
	_, ts := newTestServerWith(t, func(c *Config) { c.Server.RateLimitPerMinute = 0 })

	for i := 0; i < 3; i++ {
		assert.NotEmpty(t, login(t, ts.URL, "admin", "admin-pass"))
	}
}

func TestAuthRateLimit(t *testing.T) {
	_, ts := newTestServerWith(t, func(c *Config) { c.Server.RateLimitPerMinute = 1 })

	login(t, ts.URL, "admin", "admin-pass")
	resp, err := http.Post(ts.URL+"/api/v1/auth/login", "application/json",
		strings.NewReader(`{"username":"admin","password":"admin-pass"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestServerCloseTwice(t *testing.T) {
	server, _ := newTestServer(t)
	server.Close()
	assert.NotPanics(t, server.Close)
}

func TestHealthAndMetrics(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	var health map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, "up", health["database"])

	metrics, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer metrics.Body.Close()
	assert.Equal(t, http.StatusOK, metrics.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	_, ts := newTestServer(t)

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/v1/auth/login", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://panel.test")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "http://panel.test", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestRegisterStartAndChatDegradesWithoutProvider(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/api/v1/auth/register", "application/json",
		strings.NewReader(`{"username":"maryam","password":"secret1","first_name":"Maryam","last_name":"Rahimi"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	token := login(t, ts.URL, "maryam", "secret1")

	do := func(method, path, body string) (*http.Response, map[string]json.RawMessage) {
		req, err := http.NewRequest(method, ts.URL+path, strings.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		var out map[string]json.RawMessage
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		return resp, out
	}

	resp, body := do(http.MethodPost, "/api/v1/assessment/start/negotiation", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var start StartResult
	require.NoError(t, json.Unmarshal(body["data"], &start))
	assert.Contains(t, start.Message, "Maryam Rahimi")

	resp, body = do(http.MethodPost, "/api/v1/assessment/chat/"+strconv.FormatUint(uint64(start.AssessmentID), 10), `{"message":"سلام"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var chat ChatResult
	require.NoError(t, json.Unmarshal(body["data"], &chat))
	assert.True(t, chat.Degraded)
	assert.Equal(t, UnavailableText, chat.AIResponse)

	resp, _ = do(http.MethodPost, "/api/v1/history/save", `{"type":"negotiation","messages":[{"role":"user","content":"سلام"}]}`)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, body = do(http.MethodGet, "/api/v1/history", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var entries []models.HistoryEntry
	require.NoError(t, json.Unmarshal(body["data"], &entries))
	assert.Len(t, entries, 1)
}

func TestAdminEventStream(t *testing.T) {
	server, ts := newTestServer(t)
	token := login(t, ts.URL, "admin", "admin-pass")
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/admin/events"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"http://panel.test"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(wsURL+"?token="+token, http.Header{"Origin": {"http://evil.test"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+token, http.Header{"Origin": {"http://panel.test"}})
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return server.wsHub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	server.wsHub.Publish("assessment_completed", map[string]interface{}{"assessment_id": 1})
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"assessment_completed"`)
}
