// ABOUTME: Tests for the reasoner consumer
// ABOUTME: Covers dispatch, validation failure, duplicate delivery, poison, and crash retry

package reason

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/intent-pipeline/internal/bus"
	"github.com/2389/intent-pipeline/internal/state"
	"github.com/2389/intent-pipeline/internal/store"
)

func setupStore(t *testing.T, staleThreshold time.Duration) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), staleThreshold)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

// capturePublisher records published envelopes synchronously.
type capturePublisher struct {
	envs []*bus.Envelope
}

func (p *capturePublisher) Publish(ctx context.Context, topic string, env *bus.Envelope) error {
	p.envs = append(p.envs, env)
	return nil
}

type failingPublisher struct{}

func (failingPublisher) Publish(ctx context.Context, topic string, env *bus.Envelope) error {
	return errors.New("broker unavailable")
}

// seedConversation creates a conversation the way ingress leaves it:
// message persisted, state REASONING_REQUESTED.
func seedConversation(t *testing.T, st store.Store, convID, msgID, content string) {
	t.Helper()
	ctx := context.Background()
	_, err := st.CreateConversation(ctx, convID)
	require.NoError(t, err)
	require.NoError(t, st.SaveMessage(ctx, &store.UserMessage{
		ID: msgID, ConversationID: convID, Content: content, CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, st.TransitionState(ctx, convID, state.ReasoningRequested))
}

func reasoningEnvelope(convID, msgID, content string) *bus.Envelope {
	return &bus.Envelope{
		EventID:        "evt-" + msgID,
		EventType:      bus.EventReasoningRequested,
		ConversationID: convID,
		MessageID:      msgID,
		Timestamp:      time.Now().UTC(),
		Producer:       bus.ProducerAPI,
		Payload:        map[string]any{"content": content},
	}
}

func TestHandle_ValidIntentDispatched(t *testing.T) {
	st := setupStore(t, 0)
	pub := &capturePublisher{}

	r := NewReasoner(st, pub, bus.TopicAction, nil, nil)
	seedConversation(t, st, "conv-1", "msg-1", "search for cats")

	require.NoError(t, r.Handle(context.Background(), reasoningEnvelope("conv-1", "msg-1", "search for cats")))

	ctx := context.Background()
	conv, err := st.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, state.ActionRequested, conv.State)

	intents, err := st.ListIntents(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, intents, 1)
	assert.Equal(t, "search", intents[0].Action)
	assert.True(t, intents[0].Valid)

	require.Len(t, pub.envs, 1)
	assert.Equal(t, bus.EventActionRequested, pub.envs[0].EventType)
	assert.Equal(t, intents[0].ID, pub.envs[0].Payload["intentId"])
	assert.Equal(t, "search", pub.envs[0].Payload["action"])
	assert.Equal(t, bus.ProducerReasoner, pub.envs[0].Producer)

	receipt, err := st.GetReceipt(ctx, "evt-msg-1")
	require.NoError(t, err)
	assert.Equal(t, store.ReceiptCompleted, receipt.Status)

	events, err := st.ListEvents(ctx, "conv-1", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, bus.EventActionRequested, events[0].EventType)
}

func TestHandle_InvalidIntentFailsValidation(t *testing.T) {
	st := setupStore(t, 0)
	pub := &capturePublisher{}

	dance := func(conversationID, messageID, content string) map[string]any {
		return map[string]any{
			"intentId":       IntentIDFor(messageID),
			"conversationId": conversationID,
			"messageId":      messageID,
			"action":         "dance",
			"parameters":     map[string]any{},
			"confidence":     0.99,
		}
	}

	r := NewReasoner(st, pub, bus.TopicAction, dance, nil)
	seedConversation(t, st, "conv-1", "msg-1", "do a little dance")

	require.NoError(t, r.Handle(context.Background(), reasoningEnvelope("conv-1", "msg-1", "do a little dance")))

	ctx := context.Background()
	conv, err := st.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, state.FailedValidation, conv.State)

	intents, err := st.ListIntents(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, intents, 1)
	assert.False(t, intents[0].Valid)
	assert.Contains(t, intents[0].ValidationError, "action")
	assert.Equal(t, "dance", intents[0].Action)

	assert.Empty(t, pub.envs, "invalid intent must not reach the action topic")

	receipt, err := st.GetReceipt(ctx, "evt-msg-1")
	require.NoError(t, err)
	assert.Equal(t, store.ReceiptCompleted, receipt.Status)
}

func TestHandle_DuplicateDeliveryShortCircuits(t *testing.T) {
	st := setupStore(t, 0)
	pub := &capturePublisher{}

	r := NewReasoner(st, pub, bus.TopicAction, nil, nil)
	seedConversation(t, st, "conv-1", "msg-1", "search for cats")

	env := reasoningEnvelope("conv-1", "msg-1", "search for cats")
	require.NoError(t, r.Handle(context.Background(), env))
	require.NoError(t, r.Handle(context.Background(), env))

	ctx := context.Background()
	intents, err := st.ListIntents(ctx, "conv-1")
	require.NoError(t, err)
	assert.Len(t, intents, 1, "second delivery must not write a second intent")
	assert.Len(t, pub.envs, 1)

	conv, err := st.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, state.ActionRequested, conv.State)
}

func TestHandle_CompletedReceiptAcksSecondWorker(t *testing.T) {
	st := setupStore(t, 0)
	pub := &capturePublisher{}

	// Two reasoner instances with independent caches, same store
	a := NewReasoner(st, pub, bus.TopicAction, nil, nil)
	b := NewReasoner(st, pub, bus.TopicAction, nil, nil)
	seedConversation(t, st, "conv-1", "msg-1", "search for cats")

	env := reasoningEnvelope("conv-1", "msg-1", "search for cats")
	require.NoError(t, a.Handle(context.Background(), env))
	require.NoError(t, b.Handle(context.Background(), env))

	intents, err := st.ListIntents(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.Len(t, intents, 1)
	assert.Len(t, pub.envs, 1)
}

func TestHandle_FreshClaimAcksWithoutSideEffects(t *testing.T) {
	st := setupStore(t, 0)
	pub := &capturePublisher{}

	r := NewReasoner(st, pub, bus.TopicAction, nil, nil)
	seedConversation(t, st, "conv-1", "msg-1", "search for cats")

	env := reasoningEnvelope("conv-1", "msg-1", "search for cats")

	// Another worker is mid-flight on this event
	claimed, err := st.ClaimReceipt(context.Background(), env.EventID, store.ReceiptMeta{
		Handler: "reasoner", ConversationID: "conv-1", MessageID: "msg-1",
	})
	require.NoError(t, err)
	require.True(t, claimed)

	// The duplicate acks silently and touches nothing
	require.NoError(t, r.Handle(context.Background(), env))

	ctx := context.Background()
	intents, err := st.ListIntents(ctx, "conv-1")
	require.NoError(t, err)
	assert.Empty(t, intents)
	assert.Empty(t, pub.envs)

	conv, err := st.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, state.ReasoningRequested, conv.State)

	receipt, err := st.GetReceipt(ctx, env.EventID)
	require.NoError(t, err)
	assert.Equal(t, store.ReceiptProcessing, receipt.Status, "the mid-flight worker keeps its claim")
}

func TestHandle_ReplayAfterDispatchConverges(t *testing.T) {
	st := setupStore(t, 20*time.Millisecond)
	ctx := context.Background()

	// A previous attempt validated, published, and reached ACTION_REQUESTED,
	// then died before completing its receipt.
	seedConversation(t, st, "conv-1", "msg-1", "search for cats")
	require.NoError(t, st.TransitionState(ctx, "conv-1", state.IntentValidated))
	require.NoError(t, st.TransitionState(ctx, "conv-1", state.ActionRequested))
	require.NoError(t, st.SaveIntent(ctx, &store.ReasoningIntent{
		ID: IntentIDFor("msg-1"), ConversationID: "conv-1", MessageID: "msg-1",
		Action: "search", Parameters: map[string]any{"query": "search for cats"},
		Confidence: 0.9, Valid: true, CreatedAt: time.Now().UTC(),
	}))

	env := reasoningEnvelope("conv-1", "msg-1", "search for cats")
	claimed, err := st.ClaimReceipt(ctx, env.EventID, store.ReceiptMeta{
		Handler: "reasoner", ConversationID: "conv-1", MessageID: "msg-1",
	})
	require.NoError(t, err)
	require.True(t, claimed)

	time.Sleep(30 * time.Millisecond)

	// The reclaimed redelivery must recognize the finished work and ack
	pub := &capturePublisher{}
	r := NewReasoner(st, pub, bus.TopicAction, nil, nil)
	require.NoError(t, r.Handle(ctx, env))

	assert.Empty(t, pub.envs, "replay must not publish a second dispatch")

	conv, err := st.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, state.ActionRequested, conv.State)

	receipt, err := st.GetReceipt(ctx, env.EventID)
	require.NoError(t, err)
	assert.Equal(t, store.ReceiptCompleted, receipt.Status)
}

func TestHandle_ReplayAfterExecutionAcks(t *testing.T) {
	st := setupStore(t, 20*time.Millisecond)
	ctx := context.Background()

	// The executor already drove the conversation to its terminal state
	// before the stale reasoning receipt was reclaimed.
	seedConversation(t, st, "conv-1", "msg-1", "search for cats")
	for _, s := range []state.State{state.IntentValidated, state.ActionRequested, state.ActionCompleted} {
		require.NoError(t, st.TransitionState(ctx, "conv-1", s))
	}
	require.NoError(t, st.SaveIntent(ctx, &store.ReasoningIntent{
		ID: IntentIDFor("msg-1"), ConversationID: "conv-1", MessageID: "msg-1",
		Action: "search", Parameters: map[string]any{"query": "search for cats"},
		Confidence: 0.9, Valid: true, CreatedAt: time.Now().UTC(),
	}))

	env := reasoningEnvelope("conv-1", "msg-1", "search for cats")
	claimed, err := st.ClaimReceipt(ctx, env.EventID, store.ReceiptMeta{
		Handler: "reasoner", ConversationID: "conv-1", MessageID: "msg-1",
	})
	require.NoError(t, err)
	require.True(t, claimed)

	time.Sleep(30 * time.Millisecond)

	pub := &capturePublisher{}
	r := NewReasoner(st, pub, bus.TopicAction, nil, nil)
	require.NoError(t, r.Handle(ctx, env))

	assert.Empty(t, pub.envs)

	receipt, err := st.GetReceipt(ctx, env.EventID)
	require.NoError(t, err)
	assert.Equal(t, store.ReceiptCompleted, receipt.Status)
}

func TestHandle_MissingContentIsPoison(t *testing.T) {
	st := setupStore(t, 0)
	r := NewReasoner(st, &capturePublisher{}, bus.TopicAction, nil, nil)
	seedConversation(t, st, "conv-1", "msg-1", "hello")

	env := reasoningEnvelope("conv-1", "msg-1", "")
	env.Payload = map[string]any{}

	err := r.Handle(context.Background(), env)
	assert.ErrorIs(t, err, bus.ErrPoison)

	// The receipt is closed so a replay of the same event short-circuits
	receipt, gerr := st.GetReceipt(context.Background(), env.EventID)
	require.NoError(t, gerr)
	assert.Equal(t, store.ReceiptCompleted, receipt.Status)
}

func TestHandle_PublishFailureRetriesToCompletion(t *testing.T) {
	st := setupStore(t, 20*time.Millisecond)
	seedConversation(t, st, "conv-1", "msg-1", "search for cats")

	env := reasoningEnvelope("conv-1", "msg-1", "search for cats")

	// First delivery dies between INTENT_VALIDATED and the publish
	broken := NewReasoner(st, failingPublisher{}, bus.TopicAction, nil, nil)
	err := broken.Handle(context.Background(), env)
	require.Error(t, err)

	ctx := context.Background()
	conv, err := st.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, state.IntentValidated, conv.State, "validated-but-not-dispatched must be observable")

	// Redelivery arrives after the receipt went stale and replays from the top
	time.Sleep(30 * time.Millisecond)

	pub := &capturePublisher{}
	healthy := NewReasoner(st, pub, bus.TopicAction, nil, nil)
	require.NoError(t, healthy.Handle(context.Background(), env))

	conv, err = st.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, state.ActionRequested, conv.State)

	intents, err := st.ListIntents(ctx, "conv-1")
	require.NoError(t, err)
	assert.Len(t, intents, 1, "retry converges on the same intent document")
	require.Len(t, pub.envs, 1)
	assert.Equal(t, intents[0].ID, pub.envs[0].Payload["intentId"])
}
