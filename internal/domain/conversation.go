// Package domain contains core domain types for the AI Dock gateway.
package domain

import (
	"errors"
	"time"
	"unicode/utf8"
)

// ErrNotFound is returned when a record does not exist or belongs to
// another user.
var ErrNotFound = errors.New("not found")

// Conversation represents a persisted chat conversation.
type Conversation struct {
	ID           int64     `json:"id"`
	UserID       string    `json:"user_id"`
	Title        string    `json:"title"`
	LLMConfigID  int64     `json:"llm_config_id,omitempty"`
	ModelUsed    string    `json:"model_used,omitempty"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ConversationMessage is a single persisted message within a conversation.
type ConversationMessage struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	ModelUsed      string    `json:"model_used,omitempty"`
	TokensUsed     int       `json:"tokens_used,omitempty"`
	CostUSD        float64   `json:"cost_usd,omitempty"`
	MetadataJSON   string    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
}

// TitleFromMessage derives a conversation title from the first user message.
// Long messages are cut at a word boundary where possible.
func TitleFromMessage(content string) string {
	const maxTitleLen = 50

	title := content
	for i, r := range title {
		if r == '\n' {
			title = title[:i]
			break
		}
	}
	if len(title) <= maxTitleLen {
		if title == "" {
			return "New Conversation"
		}
		return title
	}

	cut := title[:maxTitleLen]
	for len(cut) > 0 {
		r, size := utf8.DecodeLastRuneInString(cut)
		if r != utf8.RuneError || size != 1 {
			break
		}
		cut = cut[:len(cut)-1]
	}
	for i := len(cut) - 1; i > maxTitleLen/2; i-- {
		if cut[i] == ' ' {
			cut = cut[:i]
			break
		}
	}
	return cut + "..."
}
