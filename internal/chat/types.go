// Package chat implements the streaming chat session core: the stream
// channel, the session controller, and the auto-save coordinator.
package chat

import (
	"time"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Attachment references an uploaded file included with a user message.
type Attachment struct {
	ID       int64  `json:"id"`
	Filename string `json:"filename,omitempty"`
}

// ProviderMeta carries provider accounting attached to a finalized
// assistant message.
type ProviderMeta struct {
	AssistantID int64   `json:"assistant_id,omitempty"`
	ProjectID   int64   `json:"project_id,omitempty"`
	ModelUsed   string  `json:"model_used,omitempty"`
	TokensUsed  int     `json:"tokens_used,omitempty"`
	CostUSD     float64 `json:"cost_usd,omitempty"`
}

// Message is one entry in the session's message list. Messages are immutable
// once finalized; the in-flight assistant message is the only one ever
// mutated in place, and its content is replaced wholesale, never appended to.
type Message struct {
	Role        Role          `json:"role"`
	Content     string        `json:"content"`
	Attachments []Attachment  `json:"attachments,omitempty"`
	Meta        *ProviderMeta `json:"provider_meta,omitempty"`
	Truncated   bool          `json:"truncated,omitempty"`
	Name        string        `json:"name,omitempty"`
	CreatedAt   time.Time     `json:"created_at,omitempty"`
}

// SessionConfig is the provider/context selection for a chat session.
// The controller refuses to send until ConfigID is set.
type SessionConfig struct {
	UserID   string
	TabID    string
	ConfigID int64
	Model    string

	AssistantID           int64
	AssistantInstructions string
	ProjectID             int64
	ProjectInstructions   string
}

// Selected reports whether a provider configuration has been chosen.
func (c SessionConfig) Selected() bool {
	return c.ConfigID != 0
}
