// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string
	JWTSecret   string

	Upstream UpstreamConfig
	Chat     ChatConfig
}

// UpstreamConfig controls the connection to the LLM provider endpoint.
type UpstreamConfig struct {
	BaseURL         string
	APIKey          string
	StreamIdle      time.Duration // max gap between stream frames
	FallbackTimeout time.Duration // single-shot completion timeout
	ConfigCacheTTL  time.Duration // provider-configuration cache TTL
}

// ChatConfig controls chat session and persistence behavior.
type ChatConfig struct {
	AutoSaveMinMessages   int           // minimum messages before a conversation is created
	ReplayBufferFrames    int           // ws frames kept per session for reconnect
	ConversationRetention time.Duration // 0 disables the retention worker
	RetentionInterval     time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/aidock.db"),
		JWTSecret:   getEnv("JWT_SECRET", ""),
		Upstream: UpstreamConfig{
			BaseURL:         getEnv("UPSTREAM_BASE_URL", ""),
			APIKey:          getEnv("UPSTREAM_API_KEY", ""),
			StreamIdle:      getEnvDuration("UPSTREAM_STREAM_IDLE", 60*time.Second),
			FallbackTimeout: getEnvDuration("UPSTREAM_FALLBACK_TIMEOUT", 120*time.Second),
			ConfigCacheTTL:  getEnvDuration("CONFIG_CACHE_TTL", 5*time.Minute),
		},
		Chat: ChatConfig{
			AutoSaveMinMessages:   getEnvInt("AUTOSAVE_MIN_MESSAGES", 3),
			ReplayBufferFrames:    getEnvInt("WS_REPLAY_FRAMES", 100),
			ConversationRetention: getEnvDuration("CONVERSATION_RETENTION", 0),
			RetentionInterval:     getEnvDuration("RETENTION_INTERVAL", time.Hour),
		},
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
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("UPSTREAM_BASE_URL cannot be empty")
	}
	if c.Chat.AutoSaveMinMessages < 2 {
		return fmt.Errorf("AUTOSAVE_MIN_MESSAGES must be >= 2")
	}
	if c.Chat.ReplayBufferFrames <= 0 {
		return fmt.Errorf("WS_REPLAY_FRAMES must be > 0")
	}
	if !c.IsDevelopment() && c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required outside development")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
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
