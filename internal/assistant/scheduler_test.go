package assistant

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"angira/api/internal/chat"
	"angira/api/internal/events"
	"angira/api/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type delivery struct {
	target  string
	event   string
	payload any
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []delivery
}

func (n *recordingNotifier) record(target, event string, payload any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, delivery{target: target, event: event, payload: payload})
}

func (n *recordingNotifier) ToThread(threadID int64, event string, payload any) {
	n.record("thread", event, payload)
}

func (n *recordingNotifier) ToUser(userID int64, event string, payload any) {
	n.record("user", event, payload)
}

func (n *recordingNotifier) ToConnection(connID string, event string, payload any) {
	n.record("conn:"+connID, event, payload)
}

func (n *recordingNotifier) deliveries() []delivery {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]delivery(nil), n.sent...)
}

func (n *recordingNotifier) eventNames() []string {
	var names []string
	for _, d := range n.deliveries() {
		names = append(names, d.target+" "+d.event)
	}
	return names
}

type fakeReplyStore struct {
	appendFn func(context.Context, chat.AppendMessageInput) (store.Message, error)
}

func (f fakeReplyStore) AppendMessage(ctx context.Context, in chat.AppendMessageInput) (store.Message, error) {
	return f.appendFn(ctx, in)
}

func savingStore(t *testing.T) fakeReplyStore {
	t.Helper()
	var mu sync.Mutex
	nextID := int64(100)
	return fakeReplyStore{appendFn: func(_ context.Context, in chat.AppendMessageInput) (store.Message, error) {
		mu.Lock()
		defer mu.Unlock()
		nextID++
		return store.Message{ID: nextID, ThreadID: in.ThreadID, Content: in.Content, IsUser: in.IsUser, CreatedAt: time.Now().UTC()}, nil
	}}
}

type failingModel struct{}

func (failingModel) Reply(context.Context, string) (string, error) {
	return "", errors.New("model unavailable")
}

func (failingModel) Feature(context.Context, string, string) (Feature, error) {
	return nil, errors.New("model unavailable")
}

type panickingModel struct{}

func (panickingModel) Reply(context.Context, string) (string, error) {
	panic("model crashed")
}

func (panickingModel) Feature(context.Context, string, string) (Feature, error) {
	panic("model crashed")
}

func newTestScheduler(model Model, messages ReplyStore, notify Notifier) *Scheduler {
	return NewScheduler(model, messages, notify, Options{
		ReplyLatency:   Fixed(0),
		FeatureLatency: Fixed(0),
		PersistTimeout: time.Second,
	})
}

func drain(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Close(ctx))
}

func userMessage() events.Message {
	return events.Message{ID: 1, ThreadID: 7, Content: "photosynthesis", IsUser: true}
}

func TestReplyEmitsInOrder(t *testing.T) {
	notify := &recordingNotifier{}
	s := newTestScheduler(MockModel{Pick: func(int) int { return 0 }}, savingStore(t), notify)

	require.NoError(t, s.Reply(ReplyRequest{ThreadID: 7, OwnerID: 3, Prompt: "photosynthesis", Message: userMessage()}))
	drain(t, s)

	require.Equal(t, []string{
		"thread message_received",
		"thread ai_typing",
		"thread ai_typing",
		"thread message_received",
		"user thread_updated",
	}, notify.eventNames())

	sent := notify.deliveries()
	require.Equal(t, events.Typing{ThreadID: 7, IsTyping: true}, sent[1].payload)
	require.Equal(t, events.Typing{ThreadID: 7, IsTyping: false}, sent[2].payload)

	reply, ok := sent[3].payload.(events.Message)
	require.True(t, ok)
	require.False(t, reply.IsUser)
	require.Equal(t, int64(7), reply.ThreadID)
	require.Contains(t, reply.Content, `Thank you for your question about "photosynthesis"`)
	require.Nil(t, reply.File)

	touched, ok := sent[4].payload.(events.ThreadTouched)
	require.True(t, ok)
	require.Equal(t, reply.CreatedAt, touched.UpdatedAt)
}

func TestReplyPersistsAsAssistantWithDetachedContext(t *testing.T) {
	notify := &recordingNotifier{}
	var got chat.AppendMessageInput
	var ctxErr error
	var hasDeadline bool
	messages := fakeReplyStore{appendFn: func(ctx context.Context, in chat.AppendMessageInput) (store.Message, error) {
		got = in
		ctxErr = ctx.Err()
		_, hasDeadline = ctx.Deadline()
		return store.Message{ID: 9, ThreadID: in.ThreadID, Content: in.Content}, nil
	}}
	s := newTestScheduler(MockModel{}, messages, notify)

	require.NoError(t, s.Reply(ReplyRequest{ThreadID: 7, OwnerID: 3, Prompt: "hi", Message: userMessage()}))
	drain(t, s)

	require.Equal(t, int64(7), got.ThreadID)
	require.False(t, got.IsUser)
	require.NotEmpty(t, got.Content)
	require.NoError(t, ctxErr)
	require.True(t, hasDeadline)
}

func TestReplyPersistFailureClearsTyping(t *testing.T) {
	notify := &recordingNotifier{}
	messages := fakeReplyStore{appendFn: func(context.Context, chat.AppendMessageInput) (store.Message, error) {
		return store.Message{}, errors.New("connection reset")
	}}
	s := newTestScheduler(MockModel{}, messages, notify)

	require.NoError(t, s.Reply(ReplyRequest{ThreadID: 7, OwnerID: 3, Prompt: "hi", Message: userMessage()}))
	drain(t, s)

	require.Equal(t, []string{
		"thread message_received",
		"thread ai_typing",
		"thread ai_typing",
		"thread error",
	}, notify.eventNames())
	sent := notify.deliveries()
	require.Equal(t, events.Typing{ThreadID: 7, IsTyping: false}, sent[2].payload)
	require.Equal(t, events.Failure{Message: "Failed to generate AI response"}, sent[3].payload)
}

func TestReplyGenerationFailureDoesNotPersist(t *testing.T) {
	notify := &recordingNotifier{}
	called := false
	messages := fakeReplyStore{appendFn: func(context.Context, chat.AppendMessageInput) (store.Message, error) {
		called = true
		return store.Message{}, nil
	}}
	s := newTestScheduler(failingModel{}, messages, notify)

	require.NoError(t, s.Reply(ReplyRequest{ThreadID: 7, Prompt: "hi", Message: userMessage()}))
	drain(t, s)

	require.False(t, called)
	require.Equal(t, "thread error", notify.eventNames()[3])
}

func TestConcurrentRepliesToOneThreadAllPersist(t *testing.T) {
	notify := &recordingNotifier{}
	s := newTestScheduler(MockModel{}, savingStore(t), notify)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Reply(ReplyRequest{ThreadID: 7, OwnerID: 3, Prompt: "hi", Message: userMessage()}))
	}
	drain(t, s)

	replies := 0
	for _, d := range notify.deliveries() {
		if msg, ok := d.payload.(events.Message); ok && !msg.IsUser {
			replies++
		}
	}
	require.Equal(t, 5, replies)
}

func TestInFlightTracksPendingTasks(t *testing.T) {
	notify := &recordingNotifier{}
	release := make(chan struct{})
	entered := make(chan struct{})
	messages := fakeReplyStore{appendFn: func(_ context.Context, in chat.AppendMessageInput) (store.Message, error) {
		close(entered)
		<-release
		return store.Message{ID: 2, ThreadID: in.ThreadID}, nil
	}}
	s := newTestScheduler(MockModel{}, messages, notify)

	require.Equal(t, 0, s.InFlight())
	require.NoError(t, s.Reply(ReplyRequest{ThreadID: 7, Prompt: "hi", Message: userMessage()}))
	<-entered
	require.Equal(t, 1, s.InFlight())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	require.ErrorIs(t, s.Close(ctx), context.DeadlineExceeded)
	cancel()

	close(release)
	drain(t, s)
	require.Equal(t, 0, s.InFlight())
}

func TestReplyAfterCloseOnlyEchoes(t *testing.T) {
	notify := &recordingNotifier{}
	s := newTestScheduler(MockModel{}, savingStore(t), notify)
	drain(t, s)

	err := s.Reply(ReplyRequest{ThreadID: 7, Prompt: "hi", Message: userMessage()})
	require.ErrorIs(t, err, ErrClosed)
	require.Equal(t, []string{"thread message_received"}, notify.eventNames())
	require.ErrorIs(t, s.Feature(FeatureRequest{ConnID: "c1", Type: KindQuiz}), ErrClosed)
}

func TestFeatureRepliesToConnection(t *testing.T) {
	notify := &recordingNotifier{}
	s := newTestScheduler(MockModel{}, savingStore(t), notify)
	threadID := int64(7)

	require.NoError(t, s.Feature(FeatureRequest{ConnID: "c1", Type: KindFlashcards, Content: "cells", ThreadID: &threadID}))
	drain(t, s)

	require.Equal(t, []string{
		"conn:c1 ai_processing",
		"conn:c1 ai_processing",
		"conn:c1 ai_feature_result",
	}, notify.eventNames())
	sent := notify.deliveries()
	require.Equal(t, events.Processing{Type: KindFlashcards, IsProcessing: true}, sent[0].payload)
	require.Equal(t, events.Processing{Type: KindFlashcards, IsProcessing: false}, sent[1].payload)

	result, ok := sent[2].payload.(events.FeatureResult)
	require.True(t, ok)
	require.Equal(t, "cells", result.Content)
	require.Equal(t, &threadID, result.ThreadID)
	cards, ok := result.Result.(Flashcards)
	require.True(t, ok)
	require.Len(t, cards.Cards, 3)
}

func TestFeatureUnknownTypeIsUnsupported(t *testing.T) {
	notify := &recordingNotifier{}
	s := newTestScheduler(MockModel{}, savingStore(t), notify)

	require.NoError(t, s.Feature(FeatureRequest{ConnID: "c1", Type: "podcast", Content: "cells"}))
	drain(t, s)

	result := notify.deliveries()[2].payload.(events.FeatureResult)
	require.Equal(t, Unsupported{Message: "Feature not implemented yet"}, result.Result)
	require.Nil(t, result.ThreadID)
}

func TestFeatureFailureReportsError(t *testing.T) {
	notify := &recordingNotifier{}
	s := newTestScheduler(failingModel{}, savingStore(t), notify)

	require.NoError(t, s.Feature(FeatureRequest{ConnID: "c1", Type: KindQuiz, Content: "cells"}))
	drain(t, s)

	require.Equal(t, []string{
		"conn:c1 ai_processing",
		"conn:c1 ai_processing",
		"conn:c1 error",
	}, notify.eventNames())
	require.Equal(t, events.Failure{Message: "Failed to process AI feature request"}, notify.deliveries()[2].payload)
}

func TestReplyModelPanicClearsTyping(t *testing.T) {
	notify := &recordingNotifier{}
	s := newTestScheduler(panickingModel{}, savingStore(t), notify)

	require.NoError(t, s.Reply(ReplyRequest{ThreadID: 7, OwnerID: 3, Prompt: "hi", Message: userMessage()}))
	drain(t, s)

	require.Equal(t, []string{
		"thread message_received",
		"thread ai_typing",
		"thread ai_typing",
		"thread error",
	}, notify.eventNames())
	sent := notify.deliveries()
	require.Equal(t, events.Typing{ThreadID: 7, IsTyping: false}, sent[2].payload)
	require.Equal(t, events.Failure{Message: "Failed to generate AI response"}, sent[3].payload)
	require.Zero(t, s.InFlight())
}

func TestFeatureModelPanicClearsProcessing(t *testing.T) {
	notify := &recordingNotifier{}
	s := newTestScheduler(panickingModel{}, savingStore(t), notify)

	require.NoError(t, s.Feature(FeatureRequest{ConnID: "c1", Type: KindQuiz, Content: "cells"}))
	drain(t, s)

	require.Equal(t, []string{
		"conn:c1 ai_processing",
		"conn:c1 ai_processing",
		"conn:c1 error",
	}, notify.eventNames())
	sent := notify.deliveries()
	require.Equal(t, events.Processing{Type: KindQuiz, IsProcessing: false}, sent[1].payload)
	require.Equal(t, events.Failure{Message: "Failed to process AI feature request"}, sent[2].payload)
}

func TestStateString(t *testing.T) {
	require.Equal(t, "typing_announced", TypingAnnounced.String())
	require.Equal(t, "unknown", State(42).String())
}
