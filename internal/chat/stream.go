package chat

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/barambur26/aidock/internal/upstream"
)

// TerminalState describes how a streaming session ended.
type TerminalState string

const (
	TerminalNone      TerminalState = "none"
	TerminalDone      TerminalState = "done"
	TerminalError     TerminalState = "error"
	TerminalCancelled TerminalState = "cancelled"
)

// EventType tags a parsed stream event.
type EventType string

const (
	EventContent  EventType = "content"
	EventDone     EventType = "done"
	EventError    EventType = "error"
	EventThinking EventType = "thinking"
)

// Event is one parsed occurrence on an open stream channel.
type Event struct {
	Type EventType
	// Delta is the incremental text of a content event.
	Delta string
	// Text is the canonical final text of a done event.
	Text string
	// Meta is provider accounting, present on done events when reported.
	Meta *upstream.FrameMetadata
	// Err is the classified failure of an error event.
	Err *Error
}

// StreamOpener establishes the raw streaming connection.
type StreamOpener interface {
	OpenStream(ctx context.Context, req *upstream.ChatRequest) (io.ReadCloser, error)
}

// StreamChannel owns one streaming connection. It parses inbound frames into
// typed events, accumulates content text, and exposes a cancel operation.
// Accumulated text is monotonic: it only ever grows, except on the terminal
// done event where it is replaced wholesale by the canonical final text.
type StreamChannel struct {
	opener StreamOpener

	mu       sync.Mutex
	text     string
	terminal TerminalState
	lastErr  *Error

	events     chan Event
	stop       chan struct{}
	cancelOnce sync.Once
	body       io.ReadCloser
	reqCancel  context.CancelFunc
}

// NewStreamChannel creates a channel that opens connections via the opener.
func NewStreamChannel(opener StreamOpener) *StreamChannel {
	return &StreamChannel{
		opener:   opener,
		terminal: TerminalNone,
		events:   make(chan Event),
		stop:     make(chan struct{}),
	}
}

// Open attempts to establish the streaming connection. It returns false with
// a nil error when the connection cannot be established at all; the caller is
// expected to fall back to a single-shot request. Once Open returns true the
// caller must drain Events until it closes.
func (c *StreamChannel) Open(ctx context.Context, req *upstream.ChatRequest) (bool, error) {
	ctx, cancel := context.WithCancel(ctx)

	body, err := c.opener.OpenStream(ctx, req)
	if err != nil {
		cancel()
		var connErr *upstream.ConnectError
		if errors.As(err, &connErr) {
			slog.Info("stream connection refused, caller may fall back",
				"status", connErr.StatusCode, "error", err)
			return false, nil
		}
		return false, err
	}

	c.mu.Lock()
	c.body = body
	c.reqCancel = cancel
	c.mu.Unlock()

	// Cancelled between construction and open: release the connection and
	// close the event stream without ever reading from it.
	if c.isCancelled() {
		cancel()
		if err := body.Close(); err != nil {
			slog.Debug("stream body close after early cancel", "error", err)
		}
		close(c.events)
		return true, nil
	}

	go c.readLoop(body)
	return true, nil
}

// Events returns the channel's event stream. It is closed when the channel
// reaches a terminal state.
func (c *StreamChannel) Events() <-chan Event {
	return c.events
}

// Text returns the accumulated content so far.
func (c *StreamChannel) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.text
}

// Terminal returns the terminal state, TerminalNone while streaming.
func (c *StreamChannel) Terminal() TerminalState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminal
}

// Err returns the classified failure after a terminal error event.
func (c *StreamChannel) Err() *Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Cancel closes the underlying connection immediately and stops further
// emission. An emit already blocked on a ready receiver may still win its
// select against the stop signal, so consumers must discard events that
// arrive after calling Cancel. Safe to call more than once and on a channel
// that already reached a terminal state.
func (c *StreamChannel) Cancel() {
	c.cancelOnce.Do(func() {
		close(c.stop)

		c.mu.Lock()
		if c.terminal == TerminalNone {
			c.terminal = TerminalCancelled
		}
		body := c.body
		cancel := c.reqCancel
		c.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if body != nil {
			if err := body.Close(); err != nil {
				slog.Debug("stream body close after cancel", "error", err)
			}
		}
	})
}

// readLoop parses the raw connection into events until a terminal frame,
// a transport failure, or cancellation.
func (c *StreamChannel) readLoop(body io.ReadCloser) {
	defer close(c.events)
	defer func() {
		if err := body.Close(); err != nil {
			slog.Debug("stream body close", "error", err)
		}
	}()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		payload, ok := framePayload(scanner.Text())
		if !ok {
			continue
		}

		ev, terminal := c.parseFrame(payload)
		if !c.emit(ev) {
			return
		}
		if terminal {
			return
		}
	}

	if err := scanner.Err(); err != nil {
		if c.isCancelled() {
			return
		}
		// The connection dropped mid-stream. This is terminal: the caller
		// must not fall back, any partial content would be duplicated.
		c.emit(c.failure(classifyStreamFailure("connection lost: " + err.Error())))
		return
	}

	if c.isCancelled() {
		return
	}

	// Stream ended without a done frame: treat accumulation as canonical.
	c.mu.Lock()
	c.terminal = TerminalDone
	text := c.text
	c.mu.Unlock()
	c.emit(Event{Type: EventDone, Text: text})
}

// framePayload extracts the JSON payload of one inbound line. Both bare JSON
// frames and SSE "data: {json}" lines are accepted.
func framePayload(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, ":") || strings.HasPrefix(line, "event:") || strings.HasPrefix(line, "id:") {
		return "", false
	}
	if after, ok := strings.CutPrefix(line, "data:"); ok {
		line = strings.TrimSpace(after)
	}
	if line == "" || line == "[DONE]" {
		return "", false
	}
	return line, true
}

// parseFrame turns one payload into an event, updating accumulated state.
// A payload that does not parse as a typed frame is treated as a raw content
// delta rather than dropped.
func (c *StreamChannel) parseFrame(payload string) (Event, bool) {
	var frame upstream.Frame
	if err := json.Unmarshal([]byte(payload), &frame); err != nil || frame.Type == "" {
		frame = upstream.Frame{Type: upstream.FrameContent, Content: payload}
	}

	switch frame.Type {
	case upstream.FrameContent:
		c.mu.Lock()
		c.text += frame.Content
		c.mu.Unlock()
		return Event{Type: EventContent, Delta: frame.Content}, false

	case upstream.FrameDone:
		c.mu.Lock()
		// Servers may apply a finishing transform after the last chunk; the
		// canonical final text wins over the concatenated deltas.
		if frame.Content != "" && frame.Content != c.text {
			c.text = frame.Content
		}
		c.terminal = TerminalDone
		text := c.text
		c.mu.Unlock()
		return Event{Type: EventDone, Text: text, Meta: frame.Metadata}, true

	case upstream.FrameError:
		return c.failure(classifyStreamFailure(frame.Content)), true

	case upstream.FrameThinking:
		// Progress signal only; never accumulated.
		return Event{Type: EventThinking}, false

	default:
		// Unknown frame type: treat the content as a delta.
		c.mu.Lock()
		c.text += frame.Content
		c.mu.Unlock()
		return Event{Type: EventContent, Delta: frame.Content}, false
	}
}

func (c *StreamChannel) failure(cerr *Error) Event {
	c.mu.Lock()
	c.terminal = TerminalError
	c.lastErr = cerr
	c.mu.Unlock()
	return Event{Type: EventError, Err: cerr}
}

// emit delivers an event unless the channel was cancelled. When the stop
// signal and a ready receiver race, either case may win; receivers that
// cancelled are expected to discard what they drain.
func (c *StreamChannel) emit(ev Event) bool {
	select {
	case <-c.stop:
		return false
	case c.events <- ev:
		return true
	}
}

func (c *StreamChannel) isCancelled() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}
