// Package upstream provides the HTTP transport to the LLM provider endpoint.
package upstream

// Message is a single chat message in provider wire format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// ChatRequest is the provider-bound request payload. The same shape is used
// for the streaming and the single-shot endpoint.
type ChatRequest struct {
	ConfigID          int64     `json:"config_id"`
	Messages          []Message `json:"messages"`
	Model             string    `json:"model,omitempty"`
	FileAttachmentIDs []int64   `json:"file_attachment_ids,omitempty"`
	AssistantID       int64     `json:"assistant_id,omitempty"`
	ProjectID         int64     `json:"project_id,omitempty"`
	ConversationID    int64     `json:"conversation_id,omitempty"`
	RequestID         string    `json:"request_id,omitempty"`
}

// ChatResponse is the single-shot completion response.
type ChatResponse struct {
	Content        string  `json:"content"`
	ModelUsed      string  `json:"model_used"`
	TokensUsed     int     `json:"tokens_used"`
	CostUSD        float64 `json:"cost_usd"`
	ConversationID int64   `json:"conversation_id,omitempty"`
}

// FrameMetadata carries provider accounting attached to stream frames.
type FrameMetadata struct {
	TokensUsed int     `json:"tokens_used,omitempty"`
	ModelUsed  string  `json:"model_used,omitempty"`
	CostUSD    float64 `json:"cost_usd,omitempty"`
}

// Frame is one JSON object on the streaming connection.
type Frame struct {
	Type     string         `json:"type"`
	Content  string         `json:"content"`
	Metadata *FrameMetadata `json:"metadata,omitempty"`
}

// Frame types emitted by the provider stream.
const (
	FrameContent  = "content"
	FrameDone     = "done"
	FrameError    = "error"
	FrameThinking = "thinking"
)
