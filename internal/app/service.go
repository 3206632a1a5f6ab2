// Package app exposes the HTTP surface: health probes, the websocket mount
// and the read-only REST endpoints that sit beside it.
package app

import (
	"context"
	"log/slog"
	"net/http"

	"angira/api/internal/events"
	"angira/api/internal/logging"
	"angira/api/internal/store"
)

type dataStore interface {
	Ping(context.Context) error
}

type sessionAuthenticator interface {
	Authenticate(ctx context.Context, credential string) (store.User, error)
}

type threadReader interface {
	ListMessages(ctx context.Context, threadID, userID int64) ([]store.Message, error)
}

type attachmentDescriber interface {
	Describe(ctx context.Context, fileID int64) (events.File, error)
}

type presenceStore interface {
	Connections(ctx context.Context, userID int64) (int, error)
	Ping(context.Context) error
}

type localPresence interface {
	UserConnections(userID int64) int
}

// Deps are the collaborators of a Service. Files and Presence are optional.
type Deps struct {
	Store    dataStore
	Auth     sessionAuthenticator
	Messages threadReader
	Files    attachmentDescriber
	Presence presenceStore
	Hub      localPresence
	Logger   *slog.Logger
}

type Service struct {
	store    dataStore
	auth     sessionAuthenticator
	messages threadReader
	files    attachmentDescriber
	presence presenceStore
	hub      localPresence
	log      *slog.Logger
}

func New(deps Deps) *Service {
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	return &Service{
		store:    deps.Store,
		auth:     deps.Auth,
		messages: deps.Messages,
		files:    deps.Files,
		presence: deps.Presence,
		hub:      deps.Hub,
		log:      deps.Logger,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) PresenceConfigured() bool {
	return s.presence != nil
}

func (s *Service) PingPresence(ctx context.Context) error {
	if s.presence == nil {
		return nil
	}
	return s.presence.Ping(ctx)
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (store.User, error) {
	return s.auth.Authenticate(ctx, token)
}

// ThreadMessages returns the thread's history in wire form, oldest first.
func (s *Service) ThreadMessages(ctx context.Context, user store.User, threadID int64) ([]events.Message, error) {
	rows, err := s.messages.ListMessages(ctx, threadID, user.ID)
	if err != nil {
		return nil, err
	}
	out := make([]events.Message, 0, len(rows))
	for _, row := range rows {
		out = append(out, events.NewMessage(row, s.describe(ctx, row.FileID)))
	}
	return out, nil
}

func (s *Service) describe(ctx context.Context, fileID *int64) *events.File {
	if fileID == nil || s.files == nil {
		return nil
	}
	file, err := s.files.Describe(ctx, *fileID)
	if err != nil {
		logging.FromContext(ctx, s.log).Warn("describe attachment", "file_id", *fileID, "error", err)
		return nil
	}
	return &file
}

type Presence struct {
	UserID      int64 `json:"userId"`
	Online      bool  `json:"online"`
	Connections int   `json:"connections"`
}

// UserPresence answers from Redis when it is configured, otherwise from the
// connections held by this process.
func (s *Service) UserPresence(ctx context.Context, userID int64) (Presence, error) {
	count := 0
	switch {
	case s.presence != nil:
		n, err := s.presence.Connections(ctx, userID)
		if err != nil {
			return Presence{}, err
		}
		count = n
	case s.hub != nil:
		count = s.hub.UserConnections(userID)
	default:
		return Presence{}, domainError(http.StatusServiceUnavailable, "PRESENCE_UNAVAILABLE", "Presence not configured", nil)
	}
	return Presence{UserID: userID, Online: count > 0, Connections: count}, nil
}
