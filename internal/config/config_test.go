package config

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// Tests in this file use t.Setenv and therefore cannot run in parallel.

func TestLoadDefaults(t *testing.T) {
	t.Setenv("AGENT_BACKEND", "scripted")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != "8080" || cfg.AgentTimeout != 90*time.Second || cfg.HistoryWindow != 12 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.SessionIdleTTL != 0 {
		t.Errorf("sessions must be unbounded by default, got ttl %s", cfg.SessionIdleTTL)
	}
	if diff := cmp.Diff([]string{"*"}, cfg.AllowedOrigins); diff != "" {
		t.Errorf("AllowedOrigins mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("AGENT_BACKEND", "GRPC")
	t.Setenv("AGENT_ADDR", "agent:9000")
	t.Setenv("AGENT_TIMEOUT", "30")
	t.Setenv("SESSION_IDLE_TTL", "2h")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("CONVERSATION_LOG_ENABLED", "off")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.AgentBackend != BackendGRPC || cfg.AgentAddr != "agent:9000" {
		t.Errorf("backend = %q addr = %q", cfg.AgentBackend, cfg.AgentAddr)
	}
	if cfg.AgentTimeout != 30*time.Second || cfg.SessionIdleTTL != 2*time.Hour {
		t.Errorf("durations: timeout=%s ttl=%s", cfg.AgentTimeout, cfg.SessionIdleTTL)
	}
	if diff := cmp.Diff([]string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins); diff != "" {
		t.Errorf("AllowedOrigins mismatch (-want +got):\n%s", diff)
	}
	if cfg.ConversationLog.Enabled || cfg.LogLevel != "debug" {
		t.Errorf("unexpected: %+v", cfg)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"gemini without key", map[string]string{"AGENT_BACKEND": "gemini", "GEMINI_API_KEY": ""}, "GEMINI_API_KEY"},
		{"unknown backend", map[string]string{"AGENT_BACKEND": "openai"}, "AGENT_BACKEND"},
		{"empty sandbox", map[string]string{"AGENT_BACKEND": "scripted", "SANDBOX_ROOT": ""}, "SANDBOX_ROOT"},
		{"zero window", map[string]string{"AGENT_BACKEND": "scripted", "HISTORY_WINDOW": "0"}, "HISTORY_WINDOW"},
		{"bad log level", map[string]string{"AGENT_BACKEND": "scripted", "LOG_LEVEL": "trace"}, "LOG_LEVEL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error mentioning %s, got %v", tt.want, err)
			}
		})
	}
}
