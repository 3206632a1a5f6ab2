// Package realtime serves the websocket chat surface: it authenticates the
// handshake, tracks sessions and rooms, and dispatches client events.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"angira/api/internal/assistant"
	"angira/api/internal/auth"
	"angira/api/internal/chat"
	"angira/api/internal/events"
	"angira/api/internal/logging"
	"angira/api/internal/store"
)

type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (store.User, error)
}

type MessageAppender interface {
	AppendMessage(context.Context, chat.AppendMessageInput) (store.Message, error)
}

type Assistant interface {
	Reply(assistant.ReplyRequest) error
	Feature(assistant.FeatureRequest) error
}

// Presence mirrors live connections outside the process.
type Presence interface {
	Track(ctx context.Context, userID int64, connID string, ttl time.Duration) error
	Untrack(ctx context.Context, userID int64, connID string) error
}

// Attachments renders file metadata for message_received events.
type Attachments interface {
	Describe(ctx context.Context, fileID int64) (events.File, error)
}

type Options struct {
	// AllowedOrigin restricts browser handshakes; empty or "*" allows any.
	AllowedOrigin  string
	ReadLimit      int64
	PongWait       time.Duration
	HandlerTimeout time.Duration
	PresenceTTL    time.Duration
	Presence       Presence
	Attachments    Attachments
	Logger         *slog.Logger
}

// Client-visible error messages.
const (
	msgInvalidEvent  = "Invalid event payload"
	msgUnknownEvent  = "Unknown event"
	msgSendFailed    = "Failed to send message"
	msgFeatureFailed = "Failed to process AI feature request"
)

type Server struct {
	hub       *Hub
	auth      Authenticator
	messages  MessageAppender
	assistant Assistant
	opts      Options
	upgrader  websocket.Upgrader
	log       *slog.Logger
}

func NewServer(hub *Hub, authenticator Authenticator, messages MessageAppender, model Assistant, opts Options) *Server {
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 1 << 20
	}
	if opts.PongWait <= 0 {
		opts.PongWait = 60 * time.Second
	}
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = 10 * time.Second
	}
	if opts.PresenceTTL <= 0 {
		opts.PresenceTTL = 2 * opts.PongWait
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	s := &Server{
		hub:       hub,
		auth:      authenticator,
		messages:  messages,
		assistant: model,
		opts:      opts,
		log:       opts.Logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || s.opts.AllowedOrigin == "" || s.opts.AllowedOrigin == "*" {
		return true
	}
	return origin == s.opts.AllowedOrigin
}

// ServeHTTP authenticates the handshake, upgrades and runs the connection
// until the client goes away. Rejected handshakes never reach a handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context(), s.log)

	user, err := s.auth.Authenticate(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		if auth.IsAuthError(err) {
			log.Info("websocket handshake rejected", "reason", err)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"code": "UNAUTHORIZED", "error": auth.Message(err)})
			return
		}
		log.Error("websocket authentication failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"code": "SERVER_ERROR", "error": "Internal server error"})
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		log.Warn("websocket upgrade failed", "error", err)
		return
	}

	ping := s.opts.PongWait * 9 / 10
	if ping > pingPeriod {
		ping = pingPeriod
	}
	conn := NewConnection(user.ID, ws, ping)
	log = log.With("conn_id", conn.ID(), "user_id", user.ID)

	s.hub.Attach(conn, user)
	conn.Start()
	s.track(log, conn)
	log.Info("websocket connected")

	s.hub.ToConnection(conn.ID(), events.Connected, events.Hello{
		Message:  "Connected to Angira",
		UserID:   user.ID,
		Username: user.Username,
	})

	s.readLoop(r.Context(), log, conn, ws, user)

	s.hub.Detach(conn.ID())
	s.untrack(log, conn)
	conn.Close(websocket.CloseNormalClosure, "")
	log.Info("websocket disconnected")
}

func (s *Server) readLoop(ctx context.Context, log *slog.Logger, conn *Connection, ws *websocket.Conn, user store.User) {
	ws.SetReadLimit(s.opts.ReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	ws.SetPongHandler(func(string) error {
		s.track(log, conn)
		return ws.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				log.Debug("websocket read ended", "error", err)
			}
			return
		}
		s.dispatch(ctx, log, conn, user, data)
	}
}

// dispatch handles one inbound frame to completion before the next is read.
func (s *Server) dispatch(ctx context.Context, log *slog.Logger, conn *Connection, user store.User, data []byte) {
	var in events.Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		s.fail(conn, msgInvalidEvent)
		return
	}

	switch in.Event {
	case events.JoinThread:
		threadID, err := parseThreadID(in.Data)
		if err != nil {
			s.fail(conn, msgInvalidEvent)
			return
		}
		s.hub.Join(conn.ID(), threadID)
		log.Debug("joined thread", "thread_id", threadID)
	case events.LeaveThread:
		threadID, err := parseThreadID(in.Data)
		if err != nil {
			s.fail(conn, msgInvalidEvent)
			return
		}
		s.hub.Leave(conn.ID(), threadID)
		log.Debug("left thread", "thread_id", threadID)
	case events.SendMessage:
		s.sendMessage(ctx, log, conn, user, in.Data)
	case events.AIFeatureRequest:
		s.featureRequest(log, conn, in.Data)
	default:
		log.Debug("unknown event", "event", in.Event)
		s.fail(conn, fmt.Sprintf("%s: %s", msgUnknownEvent, in.Event))
	}
}

type sendMessagePayload struct {
	ThreadID int64  `json:"threadId"`
	Content  string `json:"content"`
	FileID   *int64 `json:"fileId"`
}

func (s *Server) sendMessage(ctx context.Context, log *slog.Logger, conn *Connection, user store.User, raw json.RawMessage) {
	var req sendMessagePayload
	if err := json.Unmarshal(raw, &req); err != nil {
		s.fail(conn, msgInvalidEvent)
		return
	}
	if req.FileID != nil && *req.FileID <= 0 {
		req.FileID = nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.HandlerTimeout)
	defer cancel()

	saved, err := s.messages.AppendMessage(ctx, chat.AppendMessageInput{
		ThreadID:     req.ThreadID,
		CallerUserID: user.ID,
		Content:      req.Content,
		IsUser:       true,
		FileID:       req.FileID,
	})
	if err != nil {
		if chatErr, ok := chat.AsError(err); ok {
			s.fail(conn, chatErr.Message)
			return
		}
		log.Error("send message failed", "thread_id", req.ThreadID, "error", err)
		s.fail(conn, msgSendFailed)
		return
	}

	msg := events.NewMessage(saved, s.describe(ctx, log, saved.FileID))
	err = s.assistant.Reply(assistant.ReplyRequest{
		ThreadID: saved.ThreadID,
		OwnerID:  user.ID,
		Prompt:   saved.Content,
		Message:  msg,
	})
	if err != nil {
		log.Warn("assistant reply not scheduled", "thread_id", saved.ThreadID, "error", err)
	}
	s.hub.ToUser(user.ID, events.ThreadUpdated, events.ThreadTouched{ThreadID: saved.ThreadID, UpdatedAt: saved.CreatedAt})
}

func (s *Server) describe(ctx context.Context, log *slog.Logger, fileID *int64) *events.File {
	if fileID == nil || s.opts.Attachments == nil {
		return nil
	}
	file, err := s.opts.Attachments.Describe(ctx, *fileID)
	if err != nil {
		log.Warn("describe attachment", "file_id", *fileID, "error", err)
		if file.ID == 0 {
			return nil
		}
	}
	return &file
}

type featurePayload struct {
	Type     string `json:"type"`
	Content  string `json:"content"`
	ThreadID *int64 `json:"threadId"`
}

func (s *Server) featureRequest(log *slog.Logger, conn *Connection, raw json.RawMessage) {
	var req featurePayload
	if err := json.Unmarshal(raw, &req); err != nil {
		s.fail(conn, msgFeatureFailed)
		return
	}
	err := s.assistant.Feature(assistant.FeatureRequest{
		ConnID:   conn.ID(),
		Type:     req.Type,
		Content:  req.Content,
		ThreadID: req.ThreadID,
	})
	if err != nil {
		log.Warn("feature request not scheduled", "feature", req.Type, "error", err)
		s.hub.ToConnection(conn.ID(), events.AIProcessing, events.Processing{Type: req.Type, IsProcessing: false})
		s.fail(conn, msgFeatureFailed)
	}
}

func (s *Server) fail(conn *Connection, message string) {
	s.hub.ToConnection(conn.ID(), events.Error, events.Failure{Message: message})
}

func (s *Server) track(log *slog.Logger, conn *Connection) {
	if s.opts.Presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.opts.Presence.Track(ctx, conn.UserID(), conn.ID(), s.opts.PresenceTTL); err != nil {
		log.Warn("presence track failed", "error", err)
	}
}

func (s *Server) untrack(log *slog.Logger, conn *Connection) {
	if s.opts.Presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.opts.Presence.Untrack(ctx, conn.UserID(), conn.ID()); err != nil {
		log.Warn("presence untrack failed", "error", err)
	}
}

var errMissingThreadID = errors.New("missing thread id")

// parseThreadID accepts either a bare number or {"threadId": n}.
func parseThreadID(raw json.RawMessage) (int64, error) {
	var id int64
	if err := json.Unmarshal(raw, &id); err != nil {
		var wrapped struct {
			ThreadID int64 `json:"threadId"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return 0, err
		}
		id = wrapped.ThreadID
	}
	if id <= 0 {
		return 0, errMissingThreadID
	}
	return id, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
