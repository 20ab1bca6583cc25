package api

import (
	"log/slog"
	"net/http"

	"github.com/barambur26/aidock/internal/identity"
	"github.com/go-chi/chi/v5"
)

// ConfigurationHandler exposes the provider configurations chat sessions
// choose from. Reads go through the TTL cache.
type ConfigurationHandler struct {
	*Handler
}

// NewConfigurationHandler creates a new configuration handler.
func NewConfigurationHandler(base *Handler) *ConfigurationHandler {
	return &ConfigurationHandler{Handler: base}
}

// RegisterRoutes registers configuration routes.
func (h *ConfigurationHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/configurations", func(r chi.Router) {
		r.Get("/", h.List)
		r.Get("/{id}", h.Get)
		r.Post("/refresh", h.Refresh)
		r.Post("/{id}/refresh", h.RefreshOne)
	})
}

// List returns the active provider configurations.
func (h *ConfigurationHandler) List(w http.ResponseWriter, r *http.Request) {
	if identity.UserIDFromContext(r.Context()) == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	configs, err := h.configs.List(r.Context())
	if err != nil {
		slog.Error("failed to list provider configurations", "error", err)
		Error(w, http.StatusBadGateway, "provider configurations unavailable")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"configurations": configs,
		"count":          len(configs),
	})
}

// Get returns one provider configuration.
func (h *ConfigurationHandler) Get(w http.ResponseWriter, r *http.Request) {
	if identity.UserIDFromContext(r.Context()) == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	id, ok := pathID(w, r)
	if !ok {
		return
	}

	cfg, err := h.configs.Get(r.Context(), id)
	if err != nil {
		Error(w, http.StatusNotFound, "configuration not found")
		return
	}
	JSON(w, http.StatusOK, cfg)
}

// Refresh drops the cached configuration list.
func (h *ConfigurationHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	if identity.UserIDFromContext(r.Context()) == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	h.configs.InvalidateAll()
	slog.Info("provider configuration cache invalidated", "user_id", identity.UserIDFromContext(r.Context()))
	JSON(w, http.StatusOK, map[string]string{"status": "refreshed"})
}

// RefreshOne expires a single cached configuration.
func (h *ConfigurationHandler) RefreshOne(w http.ResponseWriter, r *http.Request) {
	if identity.UserIDFromContext(r.Context()) == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	id, ok := pathID(w, r)
	if !ok {
		return
	}

	h.configs.Invalidate(id)
	slog.Info("provider configuration invalidated",
		"config_id", id, "user_id", identity.UserIDFromContext(r.Context()))
	JSON(w, http.StatusOK, map[string]string{"status": "refreshed"})
}
