package config

import (
	"testing"
	"time"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("UPSTREAM_BASE_URL", "http://localhost:9000")
}

func TestLoadDefaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Expected default port 8080, got %s", cfg.Port)
	}
	if cfg.Chat.AutoSaveMinMessages != 3 {
		t.Errorf("Expected default autosave threshold 3, got %d", cfg.Chat.AutoSaveMinMessages)
	}
	if cfg.Chat.ReplayBufferFrames != 100 {
		t.Errorf("Expected default replay frames 100, got %d", cfg.Chat.ReplayBufferFrames)
	}
	if cfg.Upstream.ConfigCacheTTL != 5*time.Minute {
		t.Errorf("Expected default cache TTL 5m, got %s", cfg.Upstream.ConfigCacheTTL)
	}
	if !cfg.IsDevelopment() {
		t.Error("Expected development mode with empty frontend URL")
	}
}

func TestLoadOverrides(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("AUTOSAVE_MIN_MESSAGES", "5")
	t.Setenv("CONVERSATION_RETENTION", "720h")
	t.Setenv("UPSTREAM_FALLBACK_TIMEOUT", "90s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != "9090" {
		t.Errorf("Expected port 9090, got %s", cfg.Port)
	}
	if cfg.Chat.AutoSaveMinMessages != 5 {
		t.Errorf("Expected threshold 5, got %d", cfg.Chat.AutoSaveMinMessages)
	}
	if cfg.Chat.ConversationRetention != 720*time.Hour {
		t.Errorf("Expected 720h retention, got %s", cfg.Chat.ConversationRetention)
	}
	if cfg.Upstream.FallbackTimeout != 90*time.Second {
		t.Errorf("Expected 90s fallback timeout, got %s", cfg.Upstream.FallbackTimeout)
	}
}

func TestValidateRequiresUpstream(t *testing.T) {
	cfg := &Config{Port: "8080", DBPath: "./data/test.db"}
	if err := cfg.Validate(); err == nil {
		t.Error("Expected validation error without upstream URL")
	}
}

func TestValidateRequiresJWTSecretInProduction(t *testing.T) {
	cfg := &Config{
		Port:        "8080",
		DBPath:      "./data/test.db",
		FrontendURL: "https://app.example.com",
		Upstream:    UpstreamConfig{BaseURL: "https://llm.example.com"},
		Chat:        ChatConfig{AutoSaveMinMessages: 3, ReplayBufferFrames: 100},
	}
	if err := cfg.Validate(); err == nil {
		t.Error("Expected validation error without JWT secret outside development")
	}

	cfg.JWTSecret = "secret"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected valid config, got %v", err)
	}
}

func TestMalformedEnvFallsBack(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("AUTOSAVE_MIN_MESSAGES", "many")
	t.Setenv("RETENTION_INTERVAL", "soon")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Chat.AutoSaveMinMessages != 3 {
		t.Errorf("Expected fallback threshold 3, got %d", cfg.Chat.AutoSaveMinMessages)
	}
	if cfg.Chat.RetentionInterval != time.Hour {
		t.Errorf("Expected fallback interval 1h, got %s", cfg.Chat.RetentionInterval)
	}
}
