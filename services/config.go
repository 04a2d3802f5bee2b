package services

import (
	"log/slog"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	AI        AIConfig
	JWT       JWTConfig
	WebSocket WebSocketConfig
	Session   SessionConfig
	Admin     AdminConfig
}

type ServerConfig struct {
	Port               string
	CORSAllowedOrigins string
	RateLimitPerMinute int
	HistoryFile        string
	TimerSweepInterval time.Duration
}

type DatabaseConfig struct {
	URL            string
	Seed           bool
	LogLevel       string
	MaxIdleConns   int
	MaxOpenConns   int
	ConnectTimeout time.Duration
}

type AIConfig struct {
	Provider     string // "openai" or "gemini"
	BaseURL      string
	APIKey       string
	Model        string
	GeminiAPIKey string
	GeminiModel  string
	MaxRetries   int
	RetryStep    time.Duration
	Timeout      time.Duration
}

type JWTConfig struct {
	Secret string
	TTL    time.Duration
}

type WebSocketConfig struct {
	AllowedOrigins string
}

type SessionConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	TTL           time.Duration
	Scenarios     string
}

type AdminConfig struct {
	Username string
	Password string
}

// LoadConfig loads configuration from environment variables and config files
func LoadConfig() *Config {
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	// Set defaults
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.cors_allowed_origins", "*")
	viper.SetDefault("server.rate_limit_per_minute", 60)
	viper.SetDefault("server.history_file", "data/chat-history.json")
	viper.SetDefault("server.timer_sweep_interval", "1m")
	viper.SetDefault("websocket.allowed_origins", "")
	viper.SetDefault("ai.provider", "openai")
	viper.SetDefault("ai.base_url", "https://api.avalai.ir/v1")
	viper.SetDefault("ai.api_key", "")
	viper.SetDefault("ai.model", "gpt-4o")
	viper.SetDefault("ai.max_retries", 3)
	viper.SetDefault("ai.retry_step", "2s")
	viper.SetDefault("ai.timeout", "60s")
	viper.SetDefault("gemini.api_key", "")
	viper.SetDefault("gemini.model", "gemini-2.5-flash")
	viper.SetDefault("jwt.secret", "")
	viper.SetDefault("jwt.ttl", "168h")
	viper.SetDefault("database.url", "")
	viper.SetDefault("database.seed", "true")
	viper.SetDefault("database.log_level", "silent")
	viper.SetDefault("database.max_idle_conns", "10")
	viper.SetDefault("database.max_open_conns", "100")
	viper.SetDefault("database.connect_timeout", "30s")
	viper.SetDefault("session.redis_addr", "")
	viper.SetDefault("session.redis_password", "")
	viper.SetDefault("session.redis_db", 0)
	viper.SetDefault("session.ttl", "2h")
	viper.SetDefault("session.scenarios", DefaultScenarios)
	viper.SetDefault("admin.username", "admin")
	viper.SetDefault("admin.password", "")

	// Map environment variables to config keys
	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("server.cors_allowed_origins", "CORS_ALLOWED_ORIGINS")
	viper.BindEnv("server.rate_limit_per_minute", "RATE_LIMIT_PER_MINUTE")
	viper.BindEnv("server.history_file", "HISTORY_FILE")
	viper.BindEnv("server.timer_sweep_interval", "TIMER_SWEEP_INTERVAL")
	viper.BindEnv("websocket.allowed_origins", "WEBSOCKET_ALLOWED_ORIGINS")
	viper.BindEnv("ai.provider", "AI_PROVIDER")
	viper.BindEnv("ai.base_url", "AI_BASE_URL")
	viper.BindEnv("ai.api_key", "AVALAI_API_KEY")
	viper.BindEnv("ai.model", "AI_MODEL_NAME")
	viper.BindEnv("ai.max_retries", "AI_MAX_RETRIES")
	viper.BindEnv("ai.retry_step", "AI_RETRY_STEP")
	viper.BindEnv("ai.timeout", "AI_TIMEOUT")
	viper.BindEnv("gemini.api_key", "GEMINI_API_KEY")
	viper.BindEnv("gemini.model", "GEMINI_MODEL")
	viper.BindEnv("jwt.secret", "JWT_SECRET")
	viper.BindEnv("jwt.ttl", "JWT_TTL")
	viper.BindEnv("database.url", "DATABASE_URL")
	viper.BindEnv("database.seed", "DATABASE_SEED")
	viper.BindEnv("database.log_level", "DATABASE_LOG_LEVEL")
	viper.BindEnv("database.max_idle_conns", "DATABASE_MAX_IDLE_CONNS")
	viper.BindEnv("database.max_open_conns", "DATABASE_MAX_OPEN_CONNS")
	viper.BindEnv("database.connect_timeout", "DATABASE_CONNECT_TIMEOUT")
	viper.BindEnv("session.redis_addr", "REDIS_ADDR")
	viper.BindEnv("session.redis_password", "REDIS_PASSWORD")
	viper.BindEnv("session.redis_db", "REDIS_DB")
	viper.BindEnv("session.ttl", "SESSION_TTL")
	viper.BindEnv("session.scenarios", "SCENARIOS")
	viper.BindEnv("admin.username", "ADMIN_USERNAME")
	viper.BindEnv("admin.password", "ADMIN_PASSWORD")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			slog.Warn("Config file not found, using defaults and environment variables")
		} else {
			slog.Error("Error reading config file", "error", err)
		}
	}

	return &Config{
		Server: ServerConfig{
			Port:               viper.GetString("server.port"),
			CORSAllowedOrigins: viper.GetString("server.cors_allowed_origins"),
			RateLimitPerMinute: viper.GetInt("server.rate_limit_per_minute"),
			HistoryFile:        viper.GetString("server.history_file"),
			TimerSweepInterval: viper.GetDuration("server.timer_sweep_interval"),
		},
		Database: DatabaseConfig{
			URL:            viper.GetString("database.url"),
			Seed:           viper.GetBool("database.seed"),
			LogLevel:       viper.GetString("database.log_level"),
			MaxIdleConns:   viper.GetInt("database.max_idle_conns"),
			MaxOpenConns:   viper.GetInt("database.max_open_conns"),
			ConnectTimeout: viper.GetDuration("database.connect_timeout"),
		},
		AI: AIConfig{
			Provider:     viper.GetString("ai.provider"),
			BaseURL:      viper.GetString("ai.base_url"),
			APIKey:       viper.GetString("ai.api_key"),
			Model:        viper.GetString("ai.model"),
			GeminiAPIKey: viper.GetString("gemini.api_key"),
			GeminiModel:  viper.GetString("gemini.model"),
			MaxRetries:   viper.GetInt("ai.max_retries"),
			RetryStep:    viper.GetDuration("ai.retry_step"),
			Timeout:      viper.GetDuration("ai.timeout"),
		},
		JWT: JWTConfig{
			Secret: viper.GetString("jwt.secret"),
			TTL:    viper.GetDuration("jwt.ttl"),
		},
		WebSocket: WebSocketConfig{
			AllowedOrigins: viper.GetString("websocket.allowed_origins"),
		},
		Session: SessionConfig{
			RedisAddr:     viper.GetString("session.redis_addr"),
			RedisPassword: viper.GetString("session.redis_password"),
			RedisDB:       viper.GetInt("session.redis_db"),
			TTL:           viper.GetDuration("session.ttl"),
			Scenarios:     viper.GetString("session.scenarios"),
		},
		Admin: AdminConfig{
			Username: viper.GetString("admin.username"),
			Password: viper.GetString("admin.password"),
		},
	}
}
