package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/barambur26/aidock/internal/chat"
	"github.com/barambur26/aidock/internal/identity"
	"github.com/barambur26/aidock/internal/store"
	"github.com/barambur26/aidock/internal/upstream"
	"github.com/coder/websocket"
)

// ChatSocketHandler handles WebSocket chat sessions. One socket serves one
// session (user + tab); the session itself survives disconnects so a reload
// mid-stream reattaches and replays missed frames.
type ChatSocketHandler struct {
	repo          store.Repository
	upstream      *upstream.Client
	sessions      *SessionManager
	allowedOrigin string
	isDev         bool
	minMessages   int
}

// NewChatSocketHandler creates a new WebSocket chat handler.
func NewChatSocketHandler(repo store.Repository, up *upstream.Client, sessions *SessionManager, allowedOrigin string, isDev bool, minMessages int) *ChatSocketHandler {
	return &ChatSocketHandler{
		repo:          repo,
		upstream:      up,
		sessions:      sessions,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
		minMessages:   minMessages,
	}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *ChatSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	tabID := identity.SessionIDFromContext(r.Context())
	slog.Info("chat socket connection request", "user_id", userID, "session_id", tabID, "ip", r.RemoteAddr)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("failed to accept chat socket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("failed to close chat socket", "error", closeErr, "user_id", userID)
		}
	}()

	session := h.sessions.GetOrCreate(userID, tabID, func(s *Session) *chat.Controller {
		autosave := chat.NewAutoSave(h.repo, h.minMessages)
		ctrl := chat.NewController(h.upstream, h.upstream, h.repo, autosave, s)
		// Identity is fixed at creation; provider selection arrives later
		// through a config frame.
		_ = ctrl.SetConfig(chat.SessionConfig{UserID: userID, TabID: tabID})
		return ctrl
	})
	session.Attach(ws)
	defer session.Detach(ws)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	h.readLoop(ctx, ws, session, userID, tabID)
	slog.Info("chat socket closed", "user_id", userID, "session_id", tabID)
}

func (h *ChatSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("chat socket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *ChatSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, session *Session, userID, tabID string) {
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("chat socket closed by client", "user_id", userID)
			} else {
				slog.Warn("chat socket read error", "error", err, "user_id", userID)
			}
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			slog.Debug("unparseable client frame dropped", "user_id", userID, "error", err)
			continue
		}

		switch frame.Type {
		case "send":
			if frame.Content == "" {
				continue
			}
			// The exchange runs detached from the socket context: a
			// disconnect must not kill the stream, the replay buffer covers
			// the gap until the client reattaches.
			go h.runExchange(session, frame)

		case "cancel":
			session.Controller.Cancel()

		case "reset":
			session.replay.Reset()
			if err := session.Controller.Reset(); err != nil {
				h.reject(session, err)
			}

		case "load":
			session.replay.Reset()
			if err := session.Controller.LoadConversation(ctx, frame.ConversationID); err != nil {
				h.reject(session, err)
			}

		case "config":
			if frame.Config == nil {
				continue
			}
			cfg := chat.SessionConfig{
				UserID:                userID,
				TabID:                 tabID,
				ConfigID:              frame.Config.ConfigID,
				Model:                 frame.Config.Model,
				AssistantID:           frame.Config.AssistantID,
				AssistantInstructions: frame.Config.AssistantInstructions,
				ProjectID:             frame.Config.ProjectID,
				ProjectInstructions:   frame.Config.ProjectInstructions,
			}
			if err := session.Controller.SetConfig(cfg); err != nil {
				h.reject(session, err)
			}

		case "ping":
			session.sendTransient(serverFrame{Type: framePong})
		}
	}
}

func (h *ChatSocketHandler) runExchange(session *Session, frame clientFrame) {
	err := session.Controller.Send(context.Background(), frame.Content, frame.Attachments)
	if err != nil {
		h.reject(session, err)
	}
}

// reject surfaces a synchronous controller rejection to the client. Terminal
// exchange failures already arrive through the observer, so only the
// precondition errors are forwarded here; anything else is assumed reported.
func (h *ChatSocketHandler) reject(session *Session, err error) {
	if errors.Is(err, chat.ErrBusy) {
		session.sendTransient(serverFrame{Type: frameBusy, Message: err.Error()})
		return
	}
	var cerr *chat.Error
	if errors.As(err, &cerr) {
		if cerr.Kind == chat.KindConfiguration || cerr.Kind == chat.KindPersistence {
			session.sendTransient(errorFrame(cerr))
		}
		return
	}
	session.sendTransient(serverFrame{Type: frameError, Kind: "unknown", Message: err.Error()})
}
