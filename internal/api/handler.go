// Package api provides the HTTP and WebSocket surface of the chat gateway.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/barambur26/aidock/internal/config"
	"github.com/barambur26/aidock/internal/llmconfig"
	"github.com/barambur26/aidock/internal/store"
	"github.com/barambur26/aidock/internal/upstream"
)

// Handler provides common handler utilities and dependencies.
type Handler struct {
	repo     store.Repository
	upstream *upstream.Client
	configs  *llmconfig.Cache
	sessions *SessionManager
	cfg      *config.Config
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, up *upstream.Client, configs *llmconfig.Cache, sessions *SessionManager, cfg *config.Config) *Handler {
	return &Handler{
		repo:     repo,
		upstream: up,
		configs:  configs,
		sessions: sessions,
		cfg:      cfg,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
