// Package chat owns every read and write of the threads and messages tables.
package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"angira/api/internal/store"
)

type messageStore interface {
	AppendMessage(context.Context, store.Message, *int64) (store.Message, error)
	ThreadBelongsToUser(context.Context, int64, int64) (bool, error)
	ListMessages(context.Context, int64) ([]store.Message, error)
}

// FileChecker answers whether an attachment id refers to an uploaded file.
type FileChecker interface {
	Exists(context.Context, int64) (bool, error)
}

type AppendMessageInput struct {
	ThreadID     int64
	CallerUserID int64
	Content      string
	IsUser       bool
	FileID       *int64
}

type Gateway struct {
	store messageStore
	files FileChecker
}

func NewGateway(messages messageStore, files FileChecker) *Gateway {
	return &Gateway{store: messages, files: files}
}

// AppendMessage persists one message and refreshes its thread's updated_at.
// User-authored messages must target a thread owned by CallerUserID; assistant
// messages are appended by thread id alone.
func (g *Gateway) AppendMessage(ctx context.Context, in AppendMessageInput) (store.Message, error) {
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return store.Message{}, ErrEmptyContent
	}

	var owner *int64
	if in.IsUser {
		owner = &in.CallerUserID
		if in.FileID != nil && g.files != nil {
			ok, err := g.files.Exists(ctx, *in.FileID)
			if err != nil {
				return store.Message{}, fmt.Errorf("check attachment: %w", err)
			}
			if !ok {
				return store.Message{}, ErrFileNotFound
			}
		}
	}

	msg := store.Message{
		ThreadID: in.ThreadID,
		Content:  content,
		IsUser:   in.IsUser,
	}
	if in.IsUser {
		msg.FileID = in.FileID
	}

	saved, err := g.store.AppendMessage(ctx, msg, owner)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Message{}, ErrThreadNotFound
	}
	if err != nil {
		return store.Message{}, fmt.Errorf("append message: %w", err)
	}
	return saved, nil
}

func (g *Gateway) ThreadBelongsToUser(ctx context.Context, threadID, userID int64) (bool, error) {
	owned, err := g.store.ThreadBelongsToUser(ctx, threadID, userID)
	if err != nil {
		return false, fmt.Errorf("check thread owner: %w", err)
	}
	return owned, nil
}

// ListMessages returns a thread's history oldest first, for its owner only.
func (g *Gateway) ListMessages(ctx context.Context, threadID, userID int64) ([]store.Message, error) {
	owned, err := g.ThreadBelongsToUser(ctx, threadID, userID)
	if err != nil {
		return nil, err
	}
	if !owned {
		return nil, ErrThreadNotFound
	}
	return g.store.ListMessages(ctx, threadID)
}
