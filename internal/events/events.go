// Package events defines the websocket wire format: a named envelope in both
// directions and the payloads the server emits.
package events

import (
	"encoding/json"
	"time"

	"angira/api/internal/store"
)

// Inbound event names.
const (
	JoinThread       = "join_thread"
	LeaveThread      = "leave_thread"
	SendMessage      = "send_message"
	AIFeatureRequest = "ai_feature_request"
)

// Outbound event names.
const (
	Connected       = "connected"
	MessageReceived = "message_received"
	AITyping        = "ai_typing"
	AIProcessing    = "ai_processing"
	AIFeatureResult = "ai_feature_result"
	ThreadUpdated   = "thread_updated"
	Error           = "error"
)

type Inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type Outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

func Encode(event string, payload any) ([]byte, error) {
	return json.Marshal(Outbound{Event: event, Data: payload})
}

type File struct {
	ID   int64  `json:"id"`
	Name string `json:"name,omitempty"`
	Type string `json:"type,omitempty"`
	Size int64  `json:"size,omitempty"`
	URL  string `json:"url,omitempty"`
}

type Message struct {
	ID        int64     `json:"id"`
	ThreadID  int64     `json:"threadId"`
	Content   string    `json:"content"`
	IsUser    bool      `json:"isUser"`
	CreatedAt time.Time `json:"createdAt"`
	File      *File     `json:"file"`
}

// NewMessage renders a persisted row. file may be nil; a row that carries a
// file id without resolved metadata still reports the id.
func NewMessage(msg store.Message, file *File) Message {
	out := Message{
		ID:        msg.ID,
		ThreadID:  msg.ThreadID,
		Content:   msg.Content,
		IsUser:    msg.IsUser,
		CreatedAt: msg.CreatedAt,
		File:      file,
	}
	if out.File == nil && msg.FileID != nil {
		out.File = &File{ID: *msg.FileID, Name: msg.FileName, Type: msg.FileType}
	}
	return out
}

type Typing struct {
	ThreadID int64 `json:"threadId"`
	IsTyping bool  `json:"isTyping"`
}

type Processing struct {
	Type         string `json:"type"`
	IsProcessing bool   `json:"isProcessing"`
}

type FeatureResult struct {
	Type     string `json:"type"`
	Content  string `json:"content"`
	Result   any    `json:"result"`
	ThreadID *int64 `json:"threadId,omitempty"`
}

type ThreadTouched struct {
	ThreadID  int64     `json:"threadId"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Hello struct {
	Message  string `json:"message"`
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
}

type Failure struct {
	Message string `json:"message"`
}
