// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/repo-ranger/internal/audit"
)

// Agent backends.
const (
	BackendGemini   = "gemini"
	BackendGRPC     = "grpc"
	BackendScripted = "scripted"
)

// Config holds all application configuration.
type Config struct {
	Port           string
	AllowedOrigins []string
	LogLevel       string

	SandboxRoot     string
	WorkspaceDir    string
	IngestLocalRoot string
	IngestMaxBytes  int

	AgentBackend   string
	GeminiAPIKey   string
	AnalystModel   string
	DeveloperModel string
	AgentAddr      string
	AgentTimeout   time.Duration

	MaxWriteBytes    int
	HistoryWindow    int
	HistoryBudget    int
	InstructionsPath string

	AuditDBPath     string
	ConversationLog audit.ConversationLogConfig

	// SessionIdleTTL of zero keeps sessions until the process exits.
	SessionIdleTTL    time.Duration
	RateLimitRequests int
	RateLimitWindow   time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		AllowedOrigins: splitList(getEnv("ALLOWED_ORIGINS", "*")),
		LogLevel:       strings.ToLower(getEnv("LOG_LEVEL", "info")),

		SandboxRoot:     getEnv("SANDBOX_ROOT", "./data/sandbox"),
		WorkspaceDir:    getEnv("WORKSPACE_DIR", "./data/workspace"),
		IngestLocalRoot: getEnv("INGEST_LOCAL_ROOT", ""),
		IngestMaxBytes:  getEnvInt("INGEST_MAX_BYTES", 2*1024*1024),

		AgentBackend:   strings.ToLower(getEnv("AGENT_BACKEND", BackendGemini)),
		GeminiAPIKey:   getEnv("GEMINI_API_KEY", ""),
		AnalystModel:   getEnv("ANALYST_MODEL", "gemini-2.5-flash"),
		DeveloperModel: getEnv("DEVELOPER_MODEL", "gemini-2.5-flash"),
		AgentAddr:      getEnv("AGENT_ADDR", "localhost:50051"),
		AgentTimeout:   getEnvDuration("AGENT_TIMEOUT", 90*time.Second),

		MaxWriteBytes:    getEnvInt("MAX_WRITE_BYTES", 1<<20),
		HistoryWindow:    getEnvInt("HISTORY_WINDOW", 12),
		HistoryBudget:    getEnvInt("HISTORY_BUDGET", 32000),
		InstructionsPath: getEnv("INSTRUCTIONS_PATH", ""),

		AuditDBPath: getEnv("AUDIT_DB_PATH", "./data/audit.db"),
		ConversationLog: audit.ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},

		SessionIdleTTL:    getEnvDuration("SESSION_IDLE_TTL", 0),
		RateLimitRequests: getEnvInt("RATE_LIMIT_REQUESTS", 30),
		RateLimitWindow:   getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.SandboxRoot == "" {
		return fmt.Errorf("SANDBOX_ROOT cannot be empty")
	}
	switch c.AgentBackend {
	case BackendGemini:
		if c.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required for AGENT_BACKEND=%s", BackendGemini)
		}
	case BackendGRPC:
		if c.AgentAddr == "" {
			return fmt.Errorf("AGENT_ADDR is required for AGENT_BACKEND=%s", BackendGRPC)
		}
	case BackendScripted:
	default:
		return fmt.Errorf("AGENT_BACKEND must be one of %s, %s, %s", BackendGemini, BackendGRPC, BackendScripted)
	}
	if c.AgentTimeout <= 0 {
		return fmt.Errorf("AGENT_TIMEOUT must be > 0")
	}
	if c.MaxWriteBytes <= 0 {
		return fmt.Errorf("MAX_WRITE_BYTES must be > 0")
	}
	if c.IngestMaxBytes <= 0 {
		return fmt.Errorf("INGEST_MAX_BYTES must be > 0")
	}
	if c.HistoryWindow < 1 {
		return fmt.Errorf("HISTORY_WINDOW must be >= 1")
	}
	if c.HistoryBudget < 0 {
		return fmt.Errorf("HISTORY_BUDGET must be >= 0")
	}
	if c.SessionIdleTTL < 0 {
		return fmt.Errorf("SESSION_IDLE_TTL must be >= 0")
	}
	if c.RateLimitRequests < 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be >= 0")
	}
	if c.RateLimitRequests > 0 && c.RateLimitWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be > 0 when rate limiting is enabled")
	}
	if c.ConversationLog.Enabled && c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalEnabled && c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error")
	}
	return nil
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

// getEnvDuration accepts Go durations ("90s") or a plain number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
