// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// AI backend kinds.
const (
	BackendHTTP       = "http"
	BackendGRPC       = "grpc"
	BackendStructured = "structured"
)

// KV backend kinds.
const (
	KVSQLite = "sqlite"
	KVRedis  = "redis"
	KVMemory = "memory"
)

// Event transport kinds.
const (
	EventsMemory = "memory"
	EventsRedis  = "redis"
)

// Cancel policies.
const (
	CancelKeep    = "keep"
	CancelDiscard = "discard"
)

// Config holds all application configuration.
type Config struct {
	Port            string
	FrontendURL     string
	DBPath          string
	SessionIdleTTL  time.Duration
	AI              AIConfig
	Chat            ChatConfig
	KV              KVConfig
	Events          EventsConfig
	RateLimit       RateLimitConfig
	SSE             SSEConfig
	Retry           RetryConfig
	Timeout         TimeoutConfig
	ConversationLog ConversationLogConfig
}

// AIConfig selects and configures the generative-AI backend.
type AIConfig struct {
	Backend         string
	EndpointURL     string
	StopURL         string
	RequestEncoding string // "form" or "json"
	GRPCAddr        string
	StructuredURL   string
	APIKey          string
	RequestTimeout  time.Duration // 0 = no timeout
	ContextTurns    int
}

// ChatConfig controls the orchestrator.
type ChatConfig struct {
	DemoMessageCap int
	CancelPolicy   string
	ErrorMessage   string
}

// KVConfig selects the key-value backend for device-scoped state.
type KVConfig struct {
	Backend   string
	RedisAddr string
	Prefix    string
}

// EventsConfig selects the session event transport.
type EventsConfig struct {
	Transport string
	RedisAddr string
}

// RateLimitConfig controls per-user chat throttling.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// SSEConfig controls server-sent event streams.
type SSEConfig struct {
	KeepaliveInterval  time.Duration
	RetryDelay         time.Duration
	MaxRequestBodySize int64
	ReplayBufferSize   int
}

// RetryConfig controls SQLite busy retries.
type RetryConfig struct {
	DatabaseMaxRetries     int
	DatabaseRetryBaseDelay time.Duration
}

// TimeoutConfig holds assorted timeouts.
type TimeoutConfig struct {
	HealthCheck  time.Duration
	StopRequest  time.Duration
	PersistWrite time.Duration
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// DefaultErrorMessage is shown in place of an AI reply when the backend fails.
const DefaultErrorMessage = "Sorry, I could not generate a response at this time."

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	redisAddr := getEnv("REDIS_ADDR", "localhost:6379")

	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		FrontendURL:    getEnv("FRONTEND_URL", ""),
		DBPath:         getEnv("DB_PATH", "./data/holyanswers.db"),
		SessionIdleTTL: getEnvDuration("SESSION_IDLE_TTL", 60*time.Minute),
		AI: AIConfig{
			Backend:         strings.ToLower(getEnv("AI_BACKEND", BackendHTTP)),
			EndpointURL:     getEnv("AI_ENDPOINT_URL", "http://localhost:8081/chat"),
			StopURL:         getEnv("AI_STOP_URL", "http://localhost:8081/stop-generation"),
			RequestEncoding: strings.ToLower(getEnv("AI_REQUEST_ENCODING", "form")),
			GRPCAddr:        getEnv("AI_GRPC_ADDR", "localhost:50051"),
			StructuredURL:   getEnv("AI_STRUCTURED_URL", "http://localhost:8081/generate"),
			APIKey:          getEnv("AI_API_KEY", ""),
			RequestTimeout:  getEnvDuration("AI_REQUEST_TIMEOUT", 0),
			ContextTurns:    getEnvInt("AI_CONTEXT_TURNS", 20),
		},
		Chat: ChatConfig{
			DemoMessageCap: getEnvInt("DEMO_MESSAGE_CAP", 10),
			CancelPolicy:   strings.ToLower(getEnv("CHAT_CANCEL_POLICY", CancelKeep)),
			ErrorMessage:   getEnv("CHAT_ERROR_MESSAGE", DefaultErrorMessage),
		},
		KV: KVConfig{
			Backend:   strings.ToLower(getEnv("KV_BACKEND", KVSQLite)),
			RedisAddr: redisAddr,
			Prefix:    getEnv("KV_PREFIX", "holyanswers:"),
		},
		Events: EventsConfig{
			Transport: strings.ToLower(getEnv("EVENTS_TRANSPORT", EventsMemory)),
			RedisAddr: redisAddr,
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 10),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		SSE: SSEConfig{
			KeepaliveInterval:  getEnvDuration("SSE_KEEPALIVE_INTERVAL", 10*time.Second),
			RetryDelay:         getEnvDuration("SSE_RETRY_DELAY", 5*time.Second),
			MaxRequestBodySize: int64(getEnvInt("MAX_REQUEST_BODY_SIZE", 1<<20)),
			ReplayBufferSize:   getEnvInt("SSE_REPLAY_BUFFER_SIZE", 100),
		},
		Retry: RetryConfig{
			DatabaseMaxRetries:     getEnvInt("DB_MAX_RETRIES", 3),
			DatabaseRetryBaseDelay: getEnvDuration("DB_RETRY_BASE_DELAY", 50*time.Millisecond),
		},
		Timeout: TimeoutConfig{
			HealthCheck:  getEnvDuration("HEALTH_CHECK_TIMEOUT", 5*time.Second),
			StopRequest:  getEnvDuration("STOP_REQUEST_TIMEOUT", 5*time.Second),
			PersistWrite: getEnvDuration("PERSIST_WRITE_TIMEOUT", 5*time.Second),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
//
//nolint:gocyclo // Flat list of independent checks.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	switch c.AI.Backend {
	case BackendHTTP:
		if c.AI.EndpointURL == "" {
			return fmt.Errorf("AI_ENDPOINT_URL cannot be empty")
		}
		if c.AI.RequestEncoding != "form" && c.AI.RequestEncoding != "json" {
			return fmt.Errorf("AI_REQUEST_ENCODING must be form or json, got %q", c.AI.RequestEncoding)
		}
	case BackendGRPC:
		if c.AI.GRPCAddr == "" {
			return fmt.Errorf("AI_GRPC_ADDR cannot be empty")
		}
	case BackendStructured:
		if c.AI.StructuredURL == "" {
			return fmt.Errorf("AI_STRUCTURED_URL cannot be empty")
		}
	default:
		return fmt.Errorf("AI_BACKEND must be one of http, grpc, structured, got %q", c.AI.Backend)
	}
	if c.AI.ContextTurns < 0 {
		return fmt.Errorf("AI_CONTEXT_TURNS must be >= 0")
	}
	if c.Chat.DemoMessageCap <= 0 {
		return fmt.Errorf("DEMO_MESSAGE_CAP must be > 0")
	}
	if c.Chat.CancelPolicy != CancelKeep && c.Chat.CancelPolicy != CancelDiscard {
		return fmt.Errorf("CHAT_CANCEL_POLICY must be keep or discard, got %q", c.Chat.CancelPolicy)
	}
	switch c.KV.Backend {
	case KVSQLite, KVRedis, KVMemory:
	default:
		return fmt.Errorf("KV_BACKEND must be one of sqlite, redis, memory, got %q", c.KV.Backend)
	}
	switch c.Events.Transport {
	case EventsMemory, EventsRedis:
	default:
		return fmt.Errorf("EVENTS_TRANSPORT must be memory or redis, got %q", c.Events.Transport)
	}
	if c.RateLimit.RequestsPerWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be > 0")
	}
	if c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be > 0")
	}
	if c.SSE.KeepaliveInterval <= 0 {
		return fmt.Errorf("SSE_KEEPALIVE_INTERVAL must be > 0")
	}
	if c.SSE.MaxRequestBodySize <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY_SIZE must be > 0")
	}
	if c.Retry.DatabaseMaxRetries <= 0 {
		return fmt.Errorf("DB_MAX_RETRIES must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS origins derived from FRONTEND_URL.
func (c *Config) AllowedOrigins() []string {
	if c.IsDevelopment() {
		return []string{"*"}
	}
	return []string{strings.TrimSuffix(c.FrontendURL, "/")}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
