package chat

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/barambur26/aidock/internal/domain"
	"github.com/barambur26/aidock/internal/upstream"
	"github.com/google/uuid"
)

// Completer performs the single-shot fallback request.
type Completer interface {
	Complete(ctx context.Context, req *upstream.ChatRequest) (*upstream.ChatResponse, error)
}

// ConversationLoader reads a persisted conversation for LoadConversation.
// Implemented by store.Repository.
type ConversationLoader interface {
	GetConversation(ctx context.Context, conversationID int64, userID string) (*domain.Conversation, []domain.ConversationMessage, error)
}

// Observer receives UI-facing session updates. Implementations must not
// block; they run on the exchange's event loop.
type Observer interface {
	// MessagesChanged delivers a snapshot of the full message list.
	MessagesChanged(messages []Message)
	// StreamDelta delivers the accumulated text of the in-flight reply.
	StreamDelta(text string)
	// Thinking signals stream progress with no text payload.
	Thinking()
	// ExchangeDone signals a completed exchange and its persistence ref.
	ExchangeDone(ref ConversationRef)
	// ExchangeFailed signals a terminal exchange failure.
	ExchangeFailed(err *Error)
	// SaveFailed signals a non-fatal persistence failure.
	SaveFailed(err *Error)
}

type noopObserver struct{}

func (noopObserver) MessagesChanged([]Message)    {}
func (noopObserver) StreamDelta(string)           {}
func (noopObserver) Thinking()                    {}
func (noopObserver) ExchangeDone(ConversationRef) {}
func (noopObserver) ExchangeFailed(*Error)        {}
func (noopObserver) SaveFailed(*Error)            {}

// Controller orchestrates one chat view: it owns the message list, runs one
// exchange at a time, coordinates the silent fallback to a single-shot call
// when the stream cannot be established, and invokes the auto-save
// coordinator exactly once per finished exchange.
//
// The message list has a single writer: all mutation happens inside Send (or
// the explicit Reset/LoadConversation operations), and a second Send while an
// exchange is in flight is rejected with ErrBusy rather than queued.
type Controller struct {
	opener    StreamOpener
	completer Completer
	loader    ConversationLoader
	autosave  *AutoSave
	observer  Observer

	mu         sync.Mutex
	cfg        SessionConfig
	messages   []Message
	generation uint64
	active     *StreamChannel
	inFlight   bool
	cancelled  bool
}

// NewController creates a session controller.
func NewController(opener StreamOpener, completer Completer, loader ConversationLoader, autosave *AutoSave, observer Observer) *Controller {
	if observer == nil {
		observer = noopObserver{}
	}
	return &Controller{
		opener:    opener,
		completer: completer,
		loader:    loader,
		autosave:  autosave,
		observer:  observer,
	}
}

// Config returns the current session configuration.
func (c *Controller) Config() SessionConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// SetConfig updates the provider/context selection. Rejected while an
// exchange is streaming so a reply can never be attributed to the wrong
// assistant or model.
func (c *Controller) SetConfig(cfg SessionConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight {
		return ErrBusy
	}
	c.cfg = cfg
	return nil
}

// Messages returns a snapshot of the message list.
func (c *Controller) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return snapshotLocked(c.messages)
}

// Streaming reports whether an exchange is in flight.
func (c *Controller) Streaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// Ref returns the persistence reference for the current chat view.
func (c *Controller) Ref() ConversationRef {
	return c.autosave.Ref()
}

// Reset starts a new conversation: clears the message list and the
// persistence reference. Rejected while streaming.
func (c *Controller) Reset() error {
	c.mu.Lock()
	if c.inFlight {
		c.mu.Unlock()
		return ErrBusy
	}
	c.messages = nil
	snapshot := snapshotLocked(c.messages)
	c.mu.Unlock()

	c.autosave.Reset()
	c.observer.MessagesChanged(snapshot)
	return nil
}

// LoadConversation replaces the message list with a persisted conversation
// and primes the persistence reference so the next exchange appends to it.
// Rejected while streaming.
func (c *Controller) LoadConversation(ctx context.Context, conversationID int64) error {
	c.mu.Lock()
	if c.inFlight {
		c.mu.Unlock()
		return ErrBusy
	}
	c.mu.Unlock()

	conv, stored, err := c.loader.GetConversation(ctx, conversationID, c.Config().UserID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return newError(KindPersistence, "conversation not found", err)
		}
		return newError(KindPersistence, "failed to load conversation", err)
	}

	messages := make([]Message, 0, len(stored))
	for _, m := range stored {
		msg := Message{
			Role:      Role(m.Role),
			Content:   m.Content,
			CreatedAt: m.CreatedAt,
		}
		if m.ModelUsed != "" || m.TokensUsed != 0 || m.CostUSD != 0 {
			msg.Meta = &ProviderMeta{
				ModelUsed:  m.ModelUsed,
				TokensUsed: m.TokensUsed,
				CostUSD:    m.CostUSD,
			}
		}
		messages = append(messages, msg)
	}

	c.mu.Lock()
	if c.inFlight {
		c.mu.Unlock()
		return ErrBusy
	}
	c.messages = messages
	snapshot := snapshotLocked(c.messages)
	c.mu.Unlock()

	c.autosave.Prime(conv.ID, len(messages))
	c.observer.MessagesChanged(snapshot)
	return nil
}

// Cancel stops the in-flight exchange, if any. The pending finalization is
// suppressed: a cancelled exchange is never auto-saved. Idempotent.
func (c *Controller) Cancel() {
	c.mu.Lock()
	if !c.inFlight {
		c.mu.Unlock()
		return
	}
	c.cancelled = true
	ch := c.active
	c.mu.Unlock()

	if ch != nil {
		ch.Cancel()
	}
}

// Send runs one exchange: it appends the user message, streams the reply into
// a placeholder assistant message, falls back to a single-shot call when the
// stream cannot be established, and finalizes the message list. It blocks
// until the exchange reaches a terminal state and must not be called
// concurrently; a second call while one is in flight returns ErrBusy.
func (c *Controller) Send(ctx context.Context, content string, attachments []Attachment) error {
	c.mu.Lock()
	if !c.cfg.Selected() {
		c.mu.Unlock()
		return &Error{Kind: KindConfiguration, Message: "select a provider configuration first", Err: ErrNoConfiguration}
	}
	if c.inFlight {
		c.mu.Unlock()
		return ErrBusy
	}
	c.inFlight = true
	c.cancelled = false
	c.generation++
	gen := c.generation

	// Optimistic append: the user's input is visible before any network call.
	c.messages = append(c.messages, Message{
		Role:        RoleUser,
		Content:     content,
		Attachments: attachments,
		CreatedAt:   time.Now(),
	})
	req := c.buildRequestLocked()
	snapshot := snapshotLocked(c.messages)
	c.mu.Unlock()

	c.observer.MessagesChanged(snapshot)

	defer func() {
		c.mu.Lock()
		c.inFlight = false
		c.active = nil
		c.mu.Unlock()
	}()

	// Placeholder reply so the UI renders incremental content immediately.
	channel := NewStreamChannel(c.opener)
	c.mu.Lock()
	c.messages = append(c.messages, Message{Role: RoleAssistant, CreatedAt: time.Now()})
	c.active = channel
	snapshot = snapshotLocked(c.messages)
	c.mu.Unlock()
	c.observer.MessagesChanged(snapshot)

	opened, err := channel.Open(ctx, req)
	if err != nil {
		slog.Warn("stream open failed, falling back",
			"request_id", req.RequestID, "config_id", req.ConfigID, "error", err)
	}
	if !opened {
		return c.fallback(ctx, req, gen)
	}

	return c.consume(ctx, channel, req, gen)
}

// consume applies stream events to the placeholder until a terminal event.
// Events from a superseded generation are discarded.
func (c *Controller) consume(ctx context.Context, channel *StreamChannel, req *upstream.ChatRequest, gen uint64) error {
	for ev := range channel.Events() {
		if !c.isCurrent(gen) {
			continue
		}

		switch ev.Type {
		case EventContent:
			// Replace, never append: the channel owns accumulation.
			text := channel.Text()
			c.mu.Lock()
			c.setPlaceholderLocked(text)
			c.mu.Unlock()
			c.observer.StreamDelta(text)

		case EventThinking:
			c.observer.Thinking()

		case EventDone:
			c.finalizeStreamed(ctx, ev, req, gen)
			return nil

		case EventError:
			c.finalizePartial(ctx, ev.Err, channel.Text(), gen)
			return ev.Err
		}
	}

	// Events closed without a terminal event: the channel was cancelled.
	c.rollbackCancelled(channel.Text())
	return nil
}

// fallback removes the placeholder and performs the single-shot request.
// The connection failure that got us here is never surfaced to the user
// unless the fallback fails as well.
func (c *Controller) fallback(ctx context.Context, req *upstream.ChatRequest, gen uint64) error {
	c.mu.Lock()
	c.removePlaceholderLocked()
	snapshot := snapshotLocked(c.messages)
	c.mu.Unlock()
	c.observer.MessagesChanged(snapshot)

	slog.Info("streaming unavailable, using single-shot request", "request_id", req.RequestID)

	resp, err := c.completer.Complete(ctx, req)

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return nil
	}
	if c.cancelled {
		c.rollbackExchangeLocked()
		snapshot = snapshotLocked(c.messages)
		c.mu.Unlock()
		c.observer.MessagesChanged(snapshot)
		return nil
	}
	if err != nil {
		snapshot = snapshotLocked(c.messages)
		c.mu.Unlock()
		cerr := classifyUpstreamError(err)
		slog.Error("fallback request failed", "request_id", req.RequestID, "kind", cerr.Kind, "error", err)
		c.observer.ExchangeFailed(cerr)
		c.save(ctx, snapshot)
		return cerr
	}

	meta := &ProviderMeta{
		AssistantID: c.cfg.AssistantID,
		ProjectID:   c.cfg.ProjectID,
		ModelUsed:   resp.ModelUsed,
		TokensUsed:  resp.TokensUsed,
		CostUSD:     resp.CostUSD,
	}
	if meta.TokensUsed == 0 {
		meta.TokensUsed = estimateTokens(resp.Content)
	}
	c.messages = append(c.messages, Message{
		Role:      RoleAssistant,
		Content:   resp.Content,
		Meta:      meta,
		CreatedAt: time.Now(),
	})
	snapshot = snapshotLocked(c.messages)
	c.mu.Unlock()

	c.observer.MessagesChanged(snapshot)
	ref := c.save(ctx, snapshot)
	c.observer.ExchangeDone(ref)
	return nil
}

// finalizeStreamed completes a streamed exchange: the done event's canonical
// text wins over the accumulated deltas.
func (c *Controller) finalizeStreamed(ctx context.Context, ev Event, req *upstream.ChatRequest, gen uint64) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	if c.cancelled {
		c.rollbackExchangeLocked()
		snapshot := snapshotLocked(c.messages)
		c.mu.Unlock()
		c.observer.MessagesChanged(snapshot)
		return
	}

	meta := &ProviderMeta{
		AssistantID: c.cfg.AssistantID,
		ProjectID:   c.cfg.ProjectID,
		ModelUsed:   c.cfg.Model,
	}
	if ev.Meta != nil {
		if ev.Meta.ModelUsed != "" {
			meta.ModelUsed = ev.Meta.ModelUsed
		}
		meta.TokensUsed = ev.Meta.TokensUsed
		meta.CostUSD = ev.Meta.CostUSD
	}
	if meta.TokensUsed == 0 {
		meta.TokensUsed = estimateTokens(ev.Text)
	}

	c.setPlaceholderLocked(ev.Text)
	if idx := c.placeholderIndexLocked(); idx >= 0 {
		c.messages[idx].Meta = meta
	}
	snapshot := snapshotLocked(c.messages)
	c.mu.Unlock()

	slog.Info("streamed exchange complete",
		"request_id", req.RequestID, "chars", len(ev.Text), "tokens", meta.TokensUsed)

	c.observer.MessagesChanged(snapshot)
	ref := c.save(ctx, snapshot)
	c.observer.ExchangeDone(ref)
}

// finalizePartial handles a mid-stream failure. An empty placeholder is
// removed outright so no empty artifact is shown; accumulated partial content
// is kept, marked truncated. Either way the exchange finalizes through the
// same single save call site.
func (c *Controller) finalizePartial(ctx context.Context, cerr *Error, partial string, gen uint64) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	if c.cancelled {
		c.rollbackExchangeLocked()
		snapshot := snapshotLocked(c.messages)
		c.mu.Unlock()
		c.observer.MessagesChanged(snapshot)
		return
	}

	if partial == "" {
		c.removePlaceholderLocked()
	} else {
		c.setPlaceholderLocked(partial)
		if idx := c.placeholderIndexLocked(); idx >= 0 {
			c.messages[idx].Truncated = true
		}
	}
	snapshot := snapshotLocked(c.messages)
	c.mu.Unlock()

	c.observer.MessagesChanged(snapshot)
	c.observer.ExchangeFailed(cerr)
	c.save(ctx, snapshot)
}

// rollbackCancelled cleans up after a cancellation. Before any content
// arrived the exchange leaves no trace; after content, the partial reply is
// kept and marked truncated. Cancelled exchanges are never saved.
func (c *Controller) rollbackCancelled(partial string) {
	c.mu.Lock()
	if partial == "" {
		c.rollbackExchangeLocked()
	} else {
		c.setPlaceholderLocked(partial)
		if idx := c.placeholderIndexLocked(); idx >= 0 {
			c.messages[idx].Truncated = true
		}
	}
	snapshot := snapshotLocked(c.messages)
	c.mu.Unlock()
	c.observer.MessagesChanged(snapshot)
}

// save is the single persistence call site for every finished exchange.
func (c *Controller) save(ctx context.Context, snapshot []Message) ConversationRef {
	ref, err := c.autosave.MaybeSave(ctx, c.Config(), snapshot)
	if err != nil {
		var cerr *Error
		if !errors.As(err, &cerr) {
			cerr = newError(KindPersistence, "failed to save conversation", err)
		}
		c.observer.SaveFailed(cerr)
	}
	return ref
}

// buildRequestLocked assembles the outbound request: project instruction
// first, then assistant instruction, then the full history including the new
// user message. Caller holds c.mu.
func (c *Controller) buildRequestLocked() *upstream.ChatRequest {
	req := &upstream.ChatRequest{
		ConfigID:       c.cfg.ConfigID,
		Model:          c.cfg.Model,
		AssistantID:    c.cfg.AssistantID,
		ProjectID:      c.cfg.ProjectID,
		ConversationID: c.autosave.Ref().ID,
		RequestID:      uuid.NewString(),
	}

	if c.cfg.ProjectInstructions != "" {
		req.Messages = append(req.Messages, upstream.Message{
			Role:    string(RoleSystem),
			Content: c.cfg.ProjectInstructions,
			Name:    projectName(c.cfg.ProjectID),
		})
	}
	if c.cfg.AssistantInstructions != "" {
		req.Messages = append(req.Messages, upstream.Message{
			Role:    string(RoleSystem),
			Content: c.cfg.AssistantInstructions,
			Name:    assistantName(c.cfg.AssistantID),
		})
	}

	for _, m := range c.messages {
		req.Messages = append(req.Messages, upstream.Message{
			Role:    string(m.Role),
			Content: m.Content,
			Name:    m.Name,
		})
		for _, att := range m.Attachments {
			req.FileAttachmentIDs = append(req.FileAttachmentIDs, att.ID)
		}
	}

	return req
}

func (c *Controller) isCurrent(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.generation && !c.cancelled
}

// placeholderIndexLocked returns the index of the in-flight assistant
// message, -1 if it was removed. Caller holds c.mu.
func (c *Controller) placeholderIndexLocked() int {
	if n := len(c.messages); n > 0 && c.messages[n-1].Role == RoleAssistant && c.messages[n-1].Meta == nil && !c.messages[n-1].Truncated {
		return n - 1
	}
	return -1
}

func (c *Controller) setPlaceholderLocked(text string) {
	if idx := c.placeholderIndexLocked(); idx >= 0 {
		c.messages[idx].Content = text
	}
}

func (c *Controller) removePlaceholderLocked() {
	if idx := c.placeholderIndexLocked(); idx >= 0 {
		c.messages = c.messages[:idx]
	}
}

// rollbackExchangeLocked removes both the placeholder and the optimistic
// user message so an abandoned exchange leaves no trace. Caller holds c.mu.
func (c *Controller) rollbackExchangeLocked() {
	c.removePlaceholderLocked()
	if n := len(c.messages); n > 0 && c.messages[n-1].Role == RoleUser {
		c.messages = c.messages[:n-1]
	}
}

func snapshotLocked(messages []Message) []Message {
	out := make([]Message, len(messages))
	copy(out, messages)
	return out
}

func projectName(id int64) string {
	if id == 0 {
		return ""
	}
	return "project_" + strconv.FormatInt(id, 10)
}

func assistantName(id int64) string {
	if id == 0 {
		return ""
	}
	return "assistant_" + strconv.FormatInt(id, 10)
}
