// Package assistant simulates the AI participant of a thread: it announces
// typing, produces a reply after a delay, persists it and broadcasts it.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"angira/api/internal/chat"
	"angira/api/internal/events"
	"angira/api/internal/logging"
	"angira/api/internal/store"
)

var ErrClosed = errors.New("assistant: scheduler closed")

// ReplyStore persists assistant messages.
type ReplyStore interface {
	AppendMessage(context.Context, chat.AppendMessageInput) (store.Message, error)
}

// Notifier delivers events to thread rooms, personal rooms and single
// connections.
type Notifier interface {
	ToThread(threadID int64, event string, payload any)
	ToUser(userID int64, event string, payload any)
	ToConnection(connID string, event string, payload any)
}

// State is the lifecycle position of one reply task.
type State int

const (
	Idle State = iota
	Received
	TypingAnnounced
	Generating
	Persisted
	TypingCleared
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Received:
		return "received"
	case TypingAnnounced:
		return "typing_announced"
	case Generating:
		return "generating"
	case Persisted:
		return "persisted"
	case TypingCleared:
		return "typing_cleared"
	default:
		return "unknown"
	}
}

type Options struct {
	ReplyLatency   Latency
	FeatureLatency Latency
	// PersistTimeout bounds generation plus persistence of one task.
	PersistTimeout time.Duration
	Logger         *slog.Logger
}

type ReplyRequest struct {
	ThreadID int64
	OwnerID  int64
	Prompt   string
	// Message is the already persisted user message being answered.
	Message events.Message
}

type FeatureRequest struct {
	ConnID   string
	Type     string
	Content  string
	ThreadID *int64
}

// Scheduler runs reply and feature tasks on timers. Tasks are independent:
// there is no queue, no cap and no per-thread ordering between them, and a
// task is never cancelled once accepted.
type Scheduler struct {
	model    Model
	messages ReplyStore
	notify   Notifier

	replyLatency   Latency
	featureLatency Latency
	persistTimeout time.Duration
	log            *slog.Logger

	mu       sync.Mutex
	closed   bool
	wg       sync.WaitGroup
	inFlight atomic.Int64
}

func NewScheduler(model Model, messages ReplyStore, notify Notifier, opts Options) *Scheduler {
	if opts.ReplyLatency == nil {
		opts.ReplyLatency = Jitter{Base: 1500 * time.Millisecond, Spread: 2000 * time.Millisecond}
	}
	if opts.FeatureLatency == nil {
		opts.FeatureLatency = Jitter{Base: 2000 * time.Millisecond, Spread: 3000 * time.Millisecond}
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Scheduler{
		model:          model,
		messages:       messages,
		notify:         notify,
		replyLatency:   opts.ReplyLatency,
		featureLatency: opts.FeatureLatency,
		persistTimeout: opts.PersistTimeout,
		log:            opts.Logger,
	}
}

// Reply echoes the user's message to the thread, announces typing and
// schedules the assistant's answer. It returns without waiting for it.
func (s *Scheduler) Reply(req ReplyRequest) error {
	log := s.log.With("thread_id", req.ThreadID, "message_id", req.Message.ID)

	s.notify.ToThread(req.ThreadID, events.MessageReceived, req.Message)
	log.Debug("assistant reply", "state", Received)

	if err := s.reserve(); err != nil {
		return err
	}
	s.notify.ToThread(req.ThreadID, events.AITyping, events.Typing{ThreadID: req.ThreadID, IsTyping: true})
	log.Debug("assistant reply", "state", TypingAnnounced)

	s.start(s.replyLatency.Delay(), func() { s.runReply(log, req) })
	return nil
}

func (s *Scheduler) runReply(log *slog.Logger, req ReplyRequest) {
	// Detached from the requesting connection: a disconnect must not stop a
	// reply from being stored.
	ctx, cancel := context.WithTimeout(context.Background(), s.persistTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			s.replyFailed(log, req.ThreadID, fmt.Errorf("panic: %v", r))
		}
	}()

	log.Debug("assistant reply", "state", Generating)
	text, err := s.model.Reply(ctx, req.Prompt)
	if err != nil {
		s.replyFailed(log, req.ThreadID, err)
		return
	}
	saved, err := s.messages.AppendMessage(ctx, chat.AppendMessageInput{
		ThreadID: req.ThreadID,
		Content:  text,
		IsUser:   false,
	})
	if err != nil {
		s.replyFailed(log, req.ThreadID, err)
		return
	}
	log.Debug("assistant reply", "state", Persisted, "reply_id", saved.ID)

	s.notify.ToThread(req.ThreadID, events.AITyping, events.Typing{ThreadID: req.ThreadID, IsTyping: false})
	log.Debug("assistant reply", "state", TypingCleared)

	s.notify.ToThread(req.ThreadID, events.MessageReceived, events.NewMessage(saved, nil))
	s.notify.ToUser(req.OwnerID, events.ThreadUpdated, events.ThreadTouched{ThreadID: req.ThreadID, UpdatedAt: saved.CreatedAt})
	log.Debug("assistant reply", "state", Idle)
}

func (s *Scheduler) replyFailed(log *slog.Logger, threadID int64, err error) {
	log.Error("assistant reply failed", "error", err)
	s.notify.ToThread(threadID, events.AITyping, events.Typing{ThreadID: threadID, IsTyping: false})
	s.notify.ToThread(threadID, events.Error, events.Failure{Message: "Failed to generate AI response"})
}

// Feature answers an ai_feature_request to the requesting connection only.
func (s *Scheduler) Feature(req FeatureRequest) error {
	if err := s.reserve(); err != nil {
		return err
	}
	s.notify.ToConnection(req.ConnID, events.AIProcessing, events.Processing{Type: req.Type, IsProcessing: true})
	s.start(s.featureLatency.Delay(), func() { s.runFeature(req) })
	return nil
}

func (s *Scheduler) runFeature(req FeatureRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), s.persistTimeout)
	defer cancel()

	log := s.log.With("conn_id", req.ConnID, "feature", req.Type)
	result, err := s.generateFeature(ctx, req)
	s.notify.ToConnection(req.ConnID, events.AIProcessing, events.Processing{Type: req.Type, IsProcessing: false})
	if err != nil {
		log.Error("assistant feature failed", "error", err)
		s.notify.ToConnection(req.ConnID, events.Error, events.Failure{Message: "Failed to process AI feature request"})
		return
	}
	log.Debug("assistant feature generated", "result", Summary(result))
	s.notify.ToConnection(req.ConnID, events.AIFeatureResult, events.FeatureResult{
		Type:     req.Type,
		Content:  req.Content,
		Result:   result,
		ThreadID: req.ThreadID,
	})
}

// generateFeature turns a panicking model into an error so processing is
// always cleared.
func (s *Scheduler) generateFeature(ctx context.Context, req FeatureRequest) (result Feature, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	return s.model.Feature(ctx, req.Type, req.Content)
}

// InFlight reports accepted tasks that have not finished.
func (s *Scheduler) InFlight() int {
	return int(s.inFlight.Load())
}

// Close stops accepting tasks and waits for the accepted ones to finish or
// for ctx to end.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) reserve() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.wg.Add(1)
	s.inFlight.Add(1)
	return nil
}

func (s *Scheduler) start(delay time.Duration, task func()) {
	time.AfterFunc(delay, func() {
		defer s.wg.Done()
		defer s.inFlight.Add(-1)
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("assistant task panicked", "panic", r)
			}
		}()
		task()
	})
}
