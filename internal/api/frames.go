package api

import (
	"github.com/barambur26/aidock/internal/chat"
)

// Server frame types.
const (
	frameMessageList = "message_list"
	frameDelta       = "delta"
	frameThinking    = "thinking"
	frameDone        = "done"
	frameError       = "error"
	frameSaveFailed  = "save_failed"
	frameBusy        = "busy"
	framePong        = "pong"
)

// serverFrame is the envelope for every gateway-to-client frame.
type serverFrame struct {
	Type           string         `json:"type"`
	Messages       []chat.Message `json:"messages,omitempty"`
	Content        string         `json:"content,omitempty"`
	ConversationID int64          `json:"conversation_id,omitempty"`
	Kind           string         `json:"kind,omitempty"`
	Message        string         `json:"message,omitempty"`
	Retryable      bool           `json:"retryable,omitempty"`
	Sticky         bool           `json:"sticky,omitempty"`
}

func errorFrame(err *chat.Error) serverFrame {
	return serverFrame{
		Type:      frameError,
		Kind:      string(err.Kind),
		Message:   err.Message,
		Retryable: err.Retryable,
		Sticky:    err.Sticky(),
	}
}

// clientFrame is the envelope for every client-to-gateway frame.
type clientFrame struct {
	Type           string            `json:"type"`
	Content        string            `json:"content,omitempty"`
	Attachments    []chat.Attachment `json:"attachments,omitempty"`
	ConversationID int64             `json:"conversation_id,omitempty"`
	Config         *configFrame      `json:"config,omitempty"`
}

// configFrame carries the provider/context selection for a session.
type configFrame struct {
	ConfigID              int64  `json:"config_id"`
	Model                 string `json:"model,omitempty"`
	AssistantID           int64  `json:"assistant_id,omitempty"`
	AssistantInstructions string `json:"assistant_instructions,omitempty"`
	ProjectID             int64  `json:"project_id,omitempty"`
	ProjectInstructions   string `json:"project_instructions,omitempty"`
}
