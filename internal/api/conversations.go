package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/barambur26/aidock/internal/domain"
	"github.com/barambur26/aidock/internal/identity"
	"github.com/go-chi/chi/v5"
)

const (
	defaultConversationLimit = 50
	maxConversationLimit     = 200
)

// ConversationHandler handles the saved-conversation endpoints.
type ConversationHandler struct {
	*Handler
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(base *Handler) *ConversationHandler {
	return &ConversationHandler{Handler: base}
}

// RegisterRoutes registers conversation routes.
func (h *ConversationHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/conversations", func(r chi.Router) {
		r.Get("/", h.List)
		r.Get("/{id}", h.Get)
		r.Patch("/{id}", h.Rename)
		r.Delete("/{id}", h.Delete)
	})
}

// List returns the user's conversations, newest first.
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	limit := queryInt(r, "limit", defaultConversationLimit)
	if limit < 1 || limit > maxConversationLimit {
		limit = defaultConversationLimit
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	conversations, err := h.repo.ListConversations(r.Context(), userID, limit, offset)
	if err != nil {
		slog.Error("failed to list conversations", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"conversations": conversations,
		"count":         len(conversations),
	})
}

// Get returns one conversation with its messages.
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	id, ok := pathID(w, r)
	if !ok {
		return
	}

	conv, messages, err := h.repo.GetConversation(r.Context(), id, userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			Error(w, http.StatusNotFound, "conversation not found")
			return
		}
		slog.Error("failed to load conversation", "conversation_id", id, "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"conversation": conv,
		"messages":     messages,
	})
}

// Rename updates a conversation title.
func (h *ConversationHandler) Rename(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var body struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	title := strings.TrimSpace(body.Title)
	if title == "" || len(title) > 255 {
		Error(w, http.StatusBadRequest, "title must be 1-255 characters")
		return
	}

	if err := h.repo.UpdateConversationTitle(r.Context(), id, userID, title); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			Error(w, http.StatusNotFound, "conversation not found")
			return
		}
		slog.Error("failed to rename conversation", "conversation_id", id, "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to rename conversation")
		return
	}

	JSON(w, http.StatusOK, map[string]string{"status": "renamed"})
}

// Delete removes a conversation and its messages.
func (h *ConversationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	id, ok := pathID(w, r)
	if !ok {
		return
	}

	if err := h.repo.DeleteConversation(r.Context(), id, userID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			Error(w, http.StatusNotFound, "conversation not found")
			return
		}
		slog.Error("failed to delete conversation", "conversation_id", id, "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to delete conversation")
		return
	}

	slog.Info("conversation deleted", "conversation_id", id, "user_id", userID)
	JSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id < 1 {
		Error(w, http.StatusBadRequest, "invalid conversation id")
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
