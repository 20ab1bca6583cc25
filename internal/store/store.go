// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/barambur26/aidock/internal/domain"
)

// Repository defines the interface for persisting conversations.
type Repository interface {
	// CreateConversation creates a conversation together with its initial
	// messages and returns the stored record.
	CreateConversation(ctx context.Context, conv *domain.Conversation, messages []domain.ConversationMessage) (*domain.Conversation, error)

	// AppendMessages adds messages to an existing conversation and bumps
	// its message count and updated_at.
	AppendMessages(ctx context.Context, conversationID int64, messages []domain.ConversationMessage) error

	// GetConversation retrieves a conversation with its messages (user-scoped).
	GetConversation(ctx context.Context, conversationID int64, userID string) (*domain.Conversation, []domain.ConversationMessage, error)

	// ListConversations returns a user's conversations, newest first.
	ListConversations(ctx context.Context, userID string, limit, offset int) ([]*domain.Conversation, error)

	// UpdateConversationTitle renames a conversation (user-scoped).
	UpdateConversationTitle(ctx context.Context, conversationID int64, userID string, title string) error

	// DeleteConversation removes a conversation and its messages (user-scoped).
	DeleteConversation(ctx context.Context, conversationID int64, userID string) error

	// DeleteConversationsBefore removes conversations not updated since the
	// cutoff. Returns the number of conversations deleted.
	DeleteConversationsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
