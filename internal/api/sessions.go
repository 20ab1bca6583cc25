package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/barambur26/aidock/internal/chat"
	"github.com/coder/websocket"
)

// Session is one live chat view: a controller plus the WebSocket currently
// attached to it. The session outlives individual connections so a browser
// reload mid-stream can reattach and replay missed frames.
type Session struct {
	UserID     string
	TabID      string
	Controller *chat.Controller

	replay *FrameBuffer

	mu         sync.Mutex
	conn       *websocket.Conn
	lastActive time.Time
}

// Attach makes conn the session's live connection, replacing any previous
// one, and replays buffered frames so the client catches up.
func (s *Session) Attach(conn *websocket.Conn) {
	s.mu.Lock()
	if s.conn != nil && s.conn != conn {
		_ = s.conn.Close(websocket.StatusNormalClosure, "session replaced")
	}
	s.conn = conn
	s.lastActive = time.Now()
	frames := s.replay.Snapshot()
	s.mu.Unlock()

	for _, frame := range frames {
		if err := conn.Write(context.Background(), websocket.MessageText, frame); err != nil {
			slog.Debug("frame replay write failed", "user_id", s.UserID, "session_id", s.TabID, "error", err)
			return
		}
	}
}

// Detach clears the live connection if conn is still the attached one.
func (s *Session) Detach(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == conn {
		s.conn = nil
	}
	s.lastActive = time.Now()
}

// send serializes a frame, records it for replay, and writes it to the live
// connection when one is attached.
func (s *Session) send(frame interface{}) {
	data, err := json.Marshal(frame)
	if err != nil {
		slog.Error("failed to encode frame", "user_id", s.UserID, "error", err)
		return
	}
	s.replay.Push(data)

	s.mu.Lock()
	conn := s.conn
	s.lastActive = time.Now()
	s.mu.Unlock()

	if conn == nil {
		return
	}
	if err := conn.Write(context.Background(), websocket.MessageText, data); err != nil {
		slog.Debug("frame write failed", "user_id", s.UserID, "session_id", s.TabID, "error", err)
	}
}

// sendTransient writes a frame to the live connection without recording it
// for replay. Used for pong and other frames with no catch-up value.
func (s *Session) sendTransient(frame interface{}) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	_ = conn.Write(context.Background(), websocket.MessageText, data)
}

// MessagesChanged implements chat.Observer.
func (s *Session) MessagesChanged(messages []chat.Message) {
	s.send(serverFrame{Type: frameMessageList, Messages: messages})
}

// StreamDelta implements chat.Observer. Content carries the full accumulated
// reply text, not an increment.
func (s *Session) StreamDelta(text string) {
	s.send(serverFrame{Type: frameDelta, Content: text})
}

// Thinking implements chat.Observer.
func (s *Session) Thinking() {
	s.send(serverFrame{Type: frameThinking})
}

// ExchangeDone implements chat.Observer.
func (s *Session) ExchangeDone(ref chat.ConversationRef) {
	s.send(serverFrame{Type: frameDone, ConversationID: ref.ID})
}

// ExchangeFailed implements chat.Observer.
func (s *Session) ExchangeFailed(err *chat.Error) {
	s.send(errorFrame(err))
}

// SaveFailed implements chat.Observer.
func (s *Session) SaveFailed(err *chat.Error) {
	s.send(serverFrame{Type: frameSaveFailed, Message: err.Message})
}

// SessionManager tracks live chat sessions per user and tab.
type SessionManager struct {
	mu      sync.RWMutex
	active  map[string]map[string]*Session
	replayN int
}

// NewSessionManager creates a session manager whose sessions buffer up to
// replayFrames frames for reconnect replay.
func NewSessionManager(replayFrames int) *SessionManager {
	return &SessionManager{
		active:  make(map[string]map[string]*Session),
		replayN: replayFrames,
	}
}

// Get returns the session for a user and tab, or nil.
func (m *SessionManager) Get(userID, tabID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sessions, ok := m.active[userID]; ok {
		return sessions[tabID]
	}
	return nil
}

// GetOrCreate returns the session for a user and tab, creating it with the
// given controller factory on first use.
func (m *SessionManager) GetOrCreate(userID, tabID string, newController func(s *Session) *chat.Controller) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.active[userID]; !exists {
		m.active[userID] = make(map[string]*Session)
	}
	if s, exists := m.active[userID][tabID]; exists {
		return s
	}

	s := &Session{
		UserID:     userID,
		TabID:      tabID,
		replay:     NewFrameBuffer(m.replayN),
		lastActive: time.Now(),
	}
	s.Controller = newController(s)
	m.active[userID][tabID] = s
	slog.Info("chat session created", "user_id", userID, "session_id", tabID)
	return s
}

// CloseUser cancels and removes all sessions for a user.
func (m *SessionManager) CloseUser(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sessions, ok := m.active[userID]
	if !ok {
		return
	}
	for tabID, s := range sessions {
		s.Controller.Cancel()
		s.mu.Lock()
		if s.conn != nil {
			_ = s.conn.Close(websocket.StatusNormalClosure, "session closed")
			s.conn = nil
		}
		s.mu.Unlock()
		slog.Info("chat session closed", "user_id", userID, "session_id", tabID)
	}
	delete(m.active, userID)
}

// Prune removes sessions that have been idle with no attached connection
// for longer than maxIdle. Returns the number removed.
func (m *SessionManager) Prune(maxIdle time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	removed := 0
	for userID, sessions := range m.active {
		for tabID, s := range sessions {
			s.mu.Lock()
			idle := s.conn == nil && s.lastActive.Before(cutoff)
			s.mu.Unlock()
			if !idle || s.Controller.Streaming() {
				continue
			}
			delete(sessions, tabID)
			removed++
			slog.Debug("idle chat session pruned", "user_id", userID, "session_id", tabID)
		}
		if len(sessions) == 0 {
			delete(m.active, userID)
		}
	}
	return removed
}

// Count returns the number of live sessions.
func (m *SessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, sessions := range m.active {
		n += len(sessions)
	}
	return n
}
