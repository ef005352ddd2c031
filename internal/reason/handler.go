// ABOUTME: Reasoner stage consumer for reasoning_requested events
// ABOUTME: Derives an intent, validates it, persists it, and dispatches or fails the conversation

package reason

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/intent-pipeline/internal/bus"
	"github.com/2389/intent-pipeline/internal/dedupe"
	"github.com/2389/intent-pipeline/internal/schema"
	"github.com/2389/intent-pipeline/internal/state"
	"github.com/2389/intent-pipeline/internal/store"
)

const receiptHandler = "reasoner"

// eventNamespace seeds deterministic action event IDs, so a crash-retry
// republishes the same logical event and the executor's receipt dedups it.
var eventNamespace = uuid.MustParse("c4a7d9e0-52b8-4f6e-8a3d-1f0b6c2e9d44")

// Reasoner consumes reasoning_requested events. For each message it invokes
// the reasoning function, validates the candidate against the intent schema,
// persists the intent, and either dispatches an action_requested event or
// marks the conversation failed.
type Reasoner struct {
	store       store.Store
	pub         bus.Publisher
	actionTopic string
	reason      Func
	cache       *dedupe.Cache
	logger      *slog.Logger
}

// NewReasoner creates the reasoner stage. Pass nil fn for the built-in
// keyword reasoner, nil logger for default.
func NewReasoner(st store.Store, pub bus.Publisher, actionTopic string, fn Func, logger *slog.Logger) *Reasoner {
	if fn == nil {
		fn = Keyword
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reasoner{
		store:       st,
		pub:         pub,
		actionTopic: actionTopic,
		reason:      fn,
		cache:       dedupe.New(5*time.Minute, 10000),
		logger:      logger.With("component", "reasoner"),
	}
}

// Handle processes one delivered envelope. Returning nil acks; returning an
// error schedules redelivery, and the next delivery reclaims the receipt
// once it goes stale.
func (r *Reasoner) Handle(ctx context.Context, env *bus.Envelope) error {
	logger := r.logger.With(env.Attributes()...)

	if r.cache.Seen(env.EventID) {
		logger.Debug("redelivery short-circuited by cache")
		return nil
	}

	claimed, err := r.store.ClaimReceipt(ctx, env.EventID, store.ReceiptMeta{
		Handler:        receiptHandler,
		ConversationID: env.ConversationID,
		MessageID:      env.MessageID,
	})
	if err != nil {
		return fmt.Errorf("claiming receipt: %w", err)
	}
	if !claimed {
		// Completed or freshly claimed by another worker; either way this
		// delivery is a duplicate. If that worker dies, its own unacked
		// delivery comes back and reclaims the stale receipt.
		logger.Debug("duplicate delivery, receipt already claimed")
		return nil
	}

	// With an at-least-once bus the event can arrive before ingress records
	// the REASONING_REQUESTED transition. The event itself proves the
	// publish happened, so catch the conversation up.
	conv, err := r.store.GetConversation(ctx, env.ConversationID)
	if err != nil {
		return fmt.Errorf("loading conversation: %w", err)
	}
	if conv.State == state.Received {
		if err := r.ensureState(ctx, env.ConversationID, state.ReasoningRequested); err != nil {
			return fmt.Errorf("advancing conversation to reasoning: %w", err)
		}
	}

	// A reclaimed replay can resume after the previous attempt finished
	// everything but its receipt. A dispatched or terminal conversation
	// proves the work is done; close the receipt and ack.
	if conv.State == state.ActionRequested || state.Terminal(conv.State) {
		if err := r.store.CompleteReceipt(ctx, env.EventID); err != nil {
			return fmt.Errorf("completing receipt: %w", err)
		}
		r.cache.MarkCompleted(env.EventID)
		logger.Debug("conversation already advanced past reasoning, closing receipt")
		return nil
	}

	content, ok := env.Payload["content"].(string)
	if !ok || content == "" {
		// The event can never be processed; surface it on the dead letter
		// stream and close the receipt so replays short-circuit.
		if err := r.store.CompleteReceipt(ctx, env.EventID); err != nil {
			return fmt.Errorf("completing receipt for poison event: %w", err)
		}
		return fmt.Errorf("%w: event %s carries no content", bus.ErrPoison, env.EventID)
	}

	candidate := r.reason(env.ConversationID, env.MessageID, content)
	result := schema.ValidateIntent(candidate)

	intent := intentDocument(candidate, result, env)
	if err := r.store.SaveIntent(ctx, intent); err != nil {
		return fmt.Errorf("saving intent: %w", err)
	}

	if !result.Valid {
		if err := r.ensureState(ctx, env.ConversationID, state.FailedValidation); err != nil {
			return fmt.Errorf("marking validation failure: %w", err)
		}
		if err := r.store.CompleteReceipt(ctx, env.EventID); err != nil {
			return fmt.Errorf("completing receipt: %w", err)
		}
		r.cache.MarkCompleted(env.EventID)
		logger.Info("intent failed validation",
			"intent_id", intent.ID, "validation_error", result.Error)
		return nil
	}

	// INTENT_VALIDATED is recorded before the publish so the log preserves
	// a "validated but not yet dispatched" state. A crash between the two
	// transitions replays from the top; both transitions tolerate an
	// already-reached target.
	if err := r.ensureState(ctx, env.ConversationID, state.IntentValidated); err != nil {
		return fmt.Errorf("transitioning to validated: %w", err)
	}

	actionEnv := &bus.Envelope{
		EventID:        actionEventID(result.Intent.IntentID),
		EventType:      bus.EventActionRequested,
		ConversationID: env.ConversationID,
		MessageID:      env.MessageID,
		Timestamp:      time.Now().UTC(),
		Producer:       bus.ProducerReasoner,
		Payload: map[string]any{
			"intentId":   result.Intent.IntentID,
			"action":     result.Intent.Action,
			"parameters": result.Intent.Parameters,
			"confidence": result.Intent.Confidence,
		},
	}
	if err := r.pub.Publish(ctx, r.actionTopic, actionEnv); err != nil {
		return fmt.Errorf("publishing action event: %w", err)
	}
	if err := r.store.AppendEvent(ctx, &store.EventLogEntry{
		EventID:        actionEnv.EventID,
		ConversationID: actionEnv.ConversationID,
		EventType:      actionEnv.EventType,
		Producer:       actionEnv.Producer,
		Timestamp:      actionEnv.Timestamp,
		Payload:        actionEnv.Payload,
	}); err != nil {
		return fmt.Errorf("logging action event: %w", err)
	}

	if err := r.ensureState(ctx, env.ConversationID, state.ActionRequested); err != nil {
		return fmt.Errorf("transitioning to dispatched: %w", err)
	}
	if err := r.store.CompleteReceipt(ctx, env.EventID); err != nil {
		return fmt.Errorf("completing receipt: %w", err)
	}
	r.cache.MarkCompleted(env.EventID)

	logger.Info("intent validated and dispatched",
		"intent_id", result.Intent.IntentID,
		"action", result.Intent.Action,
		"confidence", result.Intent.Confidence)
	return nil
}

// ensureState transitions the conversation, treating "already there" as
// success. A retry resuming after a crash re-runs transitions the first
// attempt already made.
func (r *Reasoner) ensureState(ctx context.Context, conversationID string, target state.State) error {
	err := r.store.TransitionState(ctx, conversationID, target)
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrInvalidTransition) {
		conv, gerr := r.store.GetConversation(ctx, conversationID)
		if gerr == nil && conv.State == target {
			return nil
		}
	}
	return err
}

// intentDocument builds the persisted intent from the raw candidate. For
// invalid candidates the fields are captured best-effort so the document
// still tells an operator what the reasoning function produced.
func intentDocument(candidate map[string]any, result schema.Result, env *bus.Envelope) *store.ReasoningIntent {
	intent := &store.ReasoningIntent{
		ID:             IntentIDFor(env.MessageID),
		ConversationID: env.ConversationID,
		MessageID:      env.MessageID,
		Parameters:     map[string]any{},
		Valid:          result.Valid,
		CreatedAt:      time.Now().UTC(),
	}

	if result.Valid {
		intent.ID = result.Intent.IntentID
		intent.Action = result.Intent.Action
		intent.Parameters = result.Intent.Parameters
		intent.Confidence = result.Intent.Confidence
		return intent
	}

	intent.ValidationError = result.Error
	if id, ok := candidate["intentId"].(string); ok && id != "" {
		intent.ID = id
	}
	if action, ok := candidate["action"].(string); ok {
		intent.Action = action
	}
	if params, ok := candidate["parameters"].(map[string]any); ok {
		intent.Parameters = params
	}
	if conf, ok := toFloat(candidate["confidence"]); ok {
		intent.Confidence = conf
	}
	return intent
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// actionEventID derives the deterministic event ID for an intent's dispatch.
func actionEventID(intentID string) string {
	return uuid.NewSHA1(eventNamespace, []byte(intentID+"/action_requested")).String()
}
