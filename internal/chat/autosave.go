package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/barambur26/aidock/internal/domain"
)

// ConversationRef tracks what has been persisted for the current chat view.
// ID is zero until the first successful save. LastSavedCount is the
// high-water mark of messages already persisted; it decides append-vs-create
// and prevents re-saving an unchanged message list.
type ConversationRef struct {
	ID             int64
	LastSavedCount int
}

// Saved reports whether a conversation record exists.
func (r ConversationRef) Saved() bool {
	return r.ID != 0
}

// ConversationStore is the persistence contract the coordinator consumes.
// Implemented by store.Repository.
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv *domain.Conversation, messages []domain.ConversationMessage) (*domain.Conversation, error)
	AppendMessages(ctx context.Context, conversationID int64, messages []domain.ConversationMessage) error
}

// AutoSave decides, after an exchange completes, whether the conversation
// should be created or appended to. It is the only trigger point for
// persistence: the session controller's finalization step is its single call
// site. Nothing else — in particular nothing reacting to message-list
// changes — may invoke it, or exchanges get persisted twice.
type AutoSave struct {
	store       ConversationStore
	minMessages int

	mu  sync.Mutex
	ref ConversationRef
}

// NewAutoSave creates a coordinator. minMessages is the minimum viable
// exchange size before a conversation record is created (a user+assistant
// pair plus any seed context).
func NewAutoSave(store ConversationStore, minMessages int) *AutoSave {
	if minMessages < 2 {
		minMessages = 3
	}
	return &AutoSave{
		store:       store,
		minMessages: minMessages,
	}
}

// Ref returns the current conversation reference.
func (a *AutoSave) Ref() ConversationRef {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ref
}

// Reset clears the reference so the next save creates a new conversation.
// Called when the user explicitly starts a new chat.
func (a *AutoSave) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ref = ConversationRef{}
}

// Prime points the coordinator at an already-persisted conversation, e.g.
// after loading one, so subsequent exchanges append instead of creating.
func (a *AutoSave) Prime(conversationID int64, savedCount int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ref = ConversationRef{ID: conversationID, LastSavedCount: savedCount}
}

// MaybeSave persists whatever the message list holds beyond the last save.
// A save failure is non-fatal: it is logged and the reference is left
// unchanged, so the next exchange retries with the correct cumulative slice.
func (a *AutoSave) MaybeSave(ctx context.Context, cfg SessionConfig, messages []Message) (ConversationRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch {
	case !a.ref.Saved() && len(messages) >= a.minMessages:
		conv, err := a.store.CreateConversation(ctx, &domain.Conversation{
			UserID:      cfg.UserID,
			Title:       domain.TitleFromMessage(firstUserContent(messages)),
			LLMConfigID: cfg.ConfigID,
			ModelUsed:   cfg.Model,
		}, toStoredMessages(messages))
		if err != nil {
			slog.Error("auto-save create failed", "user_id", cfg.UserID, "error", err)
			return a.ref, newError(KindPersistence, "failed to save conversation", err)
		}
		a.ref = ConversationRef{ID: conv.ID, LastSavedCount: len(messages)}
		slog.Info("conversation created", "conversation_id", conv.ID, "messages", len(messages))

	case a.ref.Saved() && len(messages) > a.ref.LastSavedCount:
		newMessages := toStoredMessages(messages[a.ref.LastSavedCount:])
		if err := a.store.AppendMessages(ctx, a.ref.ID, newMessages); err != nil {
			slog.Error("auto-save append failed",
				"conversation_id", a.ref.ID, "user_id", cfg.UserID, "error", err)
			return a.ref, newError(KindPersistence, "failed to save conversation", err)
		}
		a.ref.LastSavedCount = len(messages)
		slog.Info("conversation appended",
			"conversation_id", a.ref.ID, "new_messages", len(newMessages))

	default:
		// Nothing new to persist.
	}

	return a.ref, nil
}

func firstUserContent(messages []Message) string {
	for _, m := range messages {
		if m.Role == RoleUser {
			return m.Content
		}
	}
	return ""
}

func toStoredMessages(messages []Message) []domain.ConversationMessage {
	out := make([]domain.ConversationMessage, 0, len(messages))
	for _, m := range messages {
		stored := domain.ConversationMessage{
			Role:    string(m.Role),
			Content: m.Content,
		}
		if m.Meta != nil {
			stored.ModelUsed = m.Meta.ModelUsed
			stored.TokensUsed = m.Meta.TokensUsed
			stored.CostUSD = m.Meta.CostUSD
		}
		if len(m.Attachments) > 0 || m.Truncated {
			stored.MetadataJSON = messageMetadataJSON(m)
		}
		out = append(out, stored)
	}
	return out
}

func messageMetadataJSON(m Message) string {
	ids := make([]int64, 0, len(m.Attachments))
	for _, att := range m.Attachments {
		ids = append(ids, att.ID)
	}
	raw, err := json.Marshal(map[string]any{
		"file_attachments": ids,
		"truncated":        m.Truncated,
	})
	if err != nil {
		return ""
	}
	return string(raw)
}
