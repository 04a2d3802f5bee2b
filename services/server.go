package services

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/gorilla/websocket"
	"github.com/mani-agah/assessment/repository"
	ws "github.com/mani-agah/assessment/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
	"gorm.io/gorm"
)

// Server holds all server dependencies
type Server struct {
	config              *Config
	gormDB              *repository.GORMRepository
	rawDB               *gorm.DB
	conversations       *repository.ConversationRepository
	generator           Generator
	sessions            SessionStore
	redisClient         *redis.Client
	scenarios           *ScenarioRegistry
	assessmentService   *AssessmentService
	timeoutService      *AssessmentTimeoutService
	authService         *AuthService
	authEndpoints       *AuthEndpoints
	assessmentEndpoints *AssessmentEndpoints
	adminEndpoints      *AdminEndpoints
	historyStore        *HistoryStore
	wsHub               *ws.Hub
	upgrader            websocket.Upgrader
}

// NewServer creates a new server instance
func NewServer(config *Config) *Server {
	return &Server{
		config: config,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return CheckOrigin(r, config.WebSocket.AllowedOrigins)
			},
		},
	}
}

// SetDatabase sets the database connection
func (s *Server) SetDatabase(db *repository.GORMRepository, rawDB *gorm.DB) {
	s.gormDB = db
	s.rawDB = rawDB
}

// InitializeServices initializes all server services
func (s *Server) InitializeServices(ctx context.Context) error {
	if s.gormDB == nil {
		return fmt.Errorf("database not configured")
	}
	if s.config.JWT.Secret == "" {
		return fmt.Errorf("JWT secret not configured")
	}

	s.conversations = repository.NewConversationRepository(s.rawDB)

	generator, err := s.newGenerator(ctx)
	if err != nil {
		return err
	}
	s.generator = generator

	sessions, err := s.newSessionStore(ctx)
	if err != nil {
		return err
	}
	s.sessions = sessions

	scenarios, err := ParseScenarios(s.config.Session.Scenarios)
	if err != nil {
		return fmt.Errorf("failed to parse scenarios: %w", err)
	}
	s.scenarios = scenarios

	s.wsHub = ws.NewHub()
	go s.wsHub.Run()

	s.assessmentService = NewAssessmentService(s.gormDB, s.conversations, s.generator, s.sessions, s.scenarios, s.wsHub)
	if s.redisClient != nil {
		s.assessmentService.UseRedisLock(s.redisClient, DefaultLockTTL)
		slog.Info("Assessment turns locked through redis")
	}
	s.timeoutService = NewAssessmentTimeoutService(s.gormDB, s.assessmentService, s.config.Server.TimerSweepInterval)
	slog.Info("Assessment service initialized")

	s.authService = NewAuthService(s.gormDB, s.config.JWT.Secret, s.config.JWT.TTL)
	s.authEndpoints = NewAuthEndpoints(s.authService)
	s.assessmentEndpoints = NewAssessmentEndpoints(s.assessmentService, s.config.Server.RateLimitPerMinute)
	s.adminEndpoints = NewAdminEndpoints(s.gormDB, s.conversations)
	s.historyStore = NewHistoryStore(afero.NewOsFs(), s.config.Server.HistoryFile)
	slog.Info("Authentication service initialized")

	return nil
}

func (s *Server) newGenerator(ctx context.Context) (Generator, error) {
	switch strings.ToLower(s.config.AI.Provider) {
	case "gemini":
		if s.config.AI.GeminiAPIKey == "" {
			slog.Warn("Gemini API key not configured, AI replies will fall back")
		}
		gemini, err := NewGeminiService(ctx, s.config.AI)
		if err != nil {
			return nil, err
		}
		slog.Info("Gemini service initialized", "model", gemini.model)
		return gemini, nil
	case "", "openai":
		if s.config.AI.APIKey == "" {
			slog.Warn("AI API key not configured, AI replies will fall back")
		}
		client := NewOpenAIClient(s.config.AI)
		slog.Info("OpenAI-compatible client initialized", "base_url", client.baseURL, "model", client.model)
		return client, nil
	default:
		return nil, fmt.Errorf("unknown AI provider %q", s.config.AI.Provider)
	}
}

func (s *Server) newSessionStore(ctx context.Context) (SessionStore, error) {
	if s.config.Session.RedisAddr == "" {
		slog.Info("Using in-memory session cache", "ttl", s.config.Session.TTL)
		return NewMemorySessionStore(s.config.Session.TTL), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     s.config.Session.RedisAddr,
		Password: s.config.Session.RedisPassword,
		DB:       s.config.Session.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	s.redisClient = client
	slog.Info("Using redis session cache", "addr", s.config.Session.RedisAddr, "ttl", s.config.Session.TTL)
	return NewRedisSessionStore(client, s.config.Session.TTL), nil
}

// SetupRoutes configures all HTTP routes
func (s *Server) SetupRoutes() *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   splitOrigins(s.config.Server.CORSAllowedOrigins),
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", s.healthHandler)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", s.apiV1Handler)

		r.Route("/auth", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				if s.config.Server.RateLimitPerMinute > 0 {
					r.Use(httprate.LimitByIP(s.config.Server.RateLimitPerMinute, time.Minute))
				}
				r.Post("/login", s.authEndpoints.LoginHandler)
				r.Post("/register", s.authEndpoints.RegisterHandler)
			})

			r.Group(func(r chi.Router) {
				r.Use(s.authService.Middleware)
				r.Get("/me", s.authEndpoints.MeHandler)
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(s.authService.Middleware)
			s.assessmentEndpoints.RegisterRoutes(r)
			r.Get("/history", s.historyStore.GetHistoryHandler)
			r.Post("/history/save", s.historyStore.SaveHistoryHandler)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(s.authService.Middleware)
				r.Use(RequireAdmin)
				s.adminEndpoints.RegisterRoutes(r)
			})

			r.Group(func(r chi.Router) {
				r.Use(s.authService.WebSocketMiddleware)
				r.Use(RequireAdmin)
				r.Get("/events", s.eventsHandler)
			})
		})
	})

	return r
}

// Start starts the HTTP server and blocks until SIGINT/SIGTERM
func (s *Server) Start() {
	port := s.config.Server.Port
	if port == "" {
		port = "8080"
	}

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: s.SetupRoutes(),
	}

	bgCtx, stopBackground := context.WithCancel(context.Background())
	go s.timeoutService.Run(bgCtx)

	// Graceful shutdown
	go func() {
		slog.Info("Starting server", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	stopBackground()
	s.Close()

	slog.Info("Server exited")
}

// Close releases background resources.
func (s *Server) Close() {
	if s.wsHub != nil {
		s.wsHub.Stop()
	}
	if mem, ok := s.sessions.(*MemorySessionStore); ok {
		mem.Close()
	}
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			slog.Error("Failed to close redis client", "error", err)
		}
	}
}

// CheckOrigin validates the origin of WebSocket connections to prevent CSRF attacks
func CheckOrigin(r *http.Request, allowedOriginsStr string) bool {
	origin := r.Header.Get("Origin")

	if allowedOriginsStr == "" {
		slog.Warn("WebSocket connection rejected: no allowed origins configured", "origin", origin)
		return false
	}

	for _, allowed := range splitOrigins(allowedOriginsStr) {
		if allowed == origin {
			slog.Info("WebSocket connection accepted", "origin", origin)
			return true
		}
	}

	slog.Warn("WebSocket connection rejected: origin not allowed", "origin", origin, "allowed_origins", allowedOriginsStr)
	return false
}

func splitOrigins(list string) []string {
	parts := strings.Split(list, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			origins = append(origins, p)
		}
	}
	return origins
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	dbStatus := "not configured"

	if s.rawDB != nil {
		if sqlDB, err := s.rawDB.DB(); err == nil {
			if err := sqlDB.PingContext(r.Context()); err != nil {
				dbStatus = "down"
				status = "degraded"
			} else {
				dbStatus = "up"
			}
		} else {
			dbStatus = "down"
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": status, "database": dbStatus})
	slog.Debug("Health check", "status", status, "database", dbStatus)
}

func (s *Server) apiV1Handler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "API v1", "version": "1.0.0"})
}

// eventsHandler streams assessment events to an admin.
func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		writeError(w, r, ErrUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}

	slog.Info("Admin event stream connected", "user_id", user.ID)
	client := s.wsHub.RegisterClient(conn, user.ID)
	go client.WritePump()
	go client.ReadPump()
}
