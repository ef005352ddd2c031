// ABOUTME: Executor stage consumer for action_requested events
// ABOUTME: Invokes the tool for a validated intent and records the terminal outcome

package execute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/intent-pipeline/internal/bus"
	"github.com/2389/intent-pipeline/internal/dedupe"
	"github.com/2389/intent-pipeline/internal/state"
	"github.com/2389/intent-pipeline/internal/store"
)

const receiptHandler = "executor"

// resultNamespace seeds deterministic result document and event IDs so a
// crash-retry converges on the documents the first attempt wrote.
var resultNamespace = uuid.MustParse("f2d8a1c6-7e40-4b92-b5d3-6a9e0c4f8b27")

// Event types the executor appends to the conversation log.
const (
	eventActionCompleted = "action_completed"
	eventActionFailed    = "action_failed"
)

// Executor consumes action_requested events, runs the matching tool, and
// drives the conversation to its terminal state.
type Executor struct {
	store  store.Store
	tools  Registry
	cache  *dedupe.Cache
	logger *slog.Logger
}

// NewExecutor creates the executor stage. Pass nil tools for the builtin
// registry, nil logger for default.
func NewExecutor(st store.Store, tools Registry, logger *slog.Logger) *Executor {
	if tools == nil {
		tools = BuiltinTools()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store:  st,
		tools:  tools,
		cache:  dedupe.New(5*time.Minute, 10000),
		logger: logger.With("component", "executor"),
	}
}

// Handle processes one delivered envelope. Returning nil acks; returning an
// error schedules redelivery, and the next delivery reclaims the receipt
// once it goes stale.
func (e *Executor) Handle(ctx context.Context, env *bus.Envelope) error {
	logger := e.logger.With(env.Attributes()...)

	if e.cache.Seen(env.EventID) {
		logger.Debug("redelivery short-circuited by cache")
		return nil
	}

	claimed, err := e.store.ClaimReceipt(ctx, env.EventID, store.ReceiptMeta{
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

	// With an at-least-once bus the dispatch can arrive before the reasoner
	// records the ACTION_REQUESTED transition. The event itself proves the
	// dispatch happened, so catch the conversation up.
	conv, err := e.store.GetConversation(ctx, env.ConversationID)
	if err != nil {
		return fmt.Errorf("loading conversation: %w", err)
	}
	if conv.State == state.IntentValidated {
		if err := e.ensureState(ctx, env.ConversationID, state.ActionRequested); err != nil {
			return fmt.Errorf("advancing conversation to dispatched: %w", err)
		}
	}

	intentID, _ := env.Payload["intentId"].(string)
	action, _ := env.Payload["action"].(string)
	if intentID == "" || action == "" {
		if err := e.store.CompleteReceipt(ctx, env.EventID); err != nil {
			return fmt.Errorf("completing receipt for poison event: %w", err)
		}
		return fmt.Errorf("%w: event %s is missing intentId or action", bus.ErrPoison, env.EventID)
	}
	parameters, _ := env.Payload["parameters"].(map[string]any)
	if parameters == nil {
		parameters = map[string]any{}
	}
	logger = logger.With("intent_id", intentID, "action", action)

	// The receipt already dedups this delivery; the existence query covers
	// the window where a previous attempt persisted the result but died
	// before completing its receipt.
	exists, err := e.store.FindActionResultByIntentID(ctx, env.ConversationID, intentID)
	if err != nil {
		return fmt.Errorf("checking for existing result: %w", err)
	}
	if exists {
		logger.Debug("result already recorded, skipping execution")
		if err := e.store.CompleteReceipt(ctx, env.EventID); err != nil {
			return fmt.Errorf("completing receipt: %w", err)
		}
		e.cache.MarkCompleted(env.EventID)
		return nil
	}

	outcome := e.invoke(action, parameters)
	now := time.Now().UTC()

	result := &store.ActionResult{
		ID:             resultIDFor(intentID),
		ConversationID: env.ConversationID,
		IntentID:       intentID,
		MessageID:      env.MessageID,
		Result:         outcome.Result,
		Success:        outcome.Success,
		Error:          outcome.Error,
		ExecutedAt:     now,
	}
	if err := e.store.SaveActionResult(ctx, result); err != nil {
		if errors.Is(err, store.ErrDuplicateResult) {
			// Lost a race with a concurrent retry; its result stands.
			logger.Debug("concurrent retry already recorded the result")
			if cerr := e.store.CompleteReceipt(ctx, env.EventID); cerr != nil {
				return fmt.Errorf("completing receipt: %w", cerr)
			}
			e.cache.MarkCompleted(env.EventID)
			return nil
		}
		return fmt.Errorf("saving action result: %w", err)
	}

	eventType := eventActionCompleted
	target := state.ActionCompleted
	if !outcome.Success {
		eventType = eventActionFailed
		target = state.FailedExecution
	}

	if err := e.store.AppendEvent(ctx, &store.EventLogEntry{
		EventID:        resultEventID(intentID),
		ConversationID: env.ConversationID,
		EventType:      eventType,
		Producer:       bus.ProducerExecutor,
		Timestamp:      now,
		Payload: map[string]any{
			"intentId": intentID,
			"resultId": result.ID,
			"success":  outcome.Success,
		},
	}); err != nil {
		return fmt.Errorf("logging execution event: %w", err)
	}

	if err := e.ensureState(ctx, env.ConversationID, target); err != nil {
		return fmt.Errorf("transitioning to terminal state: %w", err)
	}
	if err := e.store.CompleteReceipt(ctx, env.EventID); err != nil {
		return fmt.Errorf("completing receipt: %w", err)
	}
	e.cache.MarkCompleted(env.EventID)

	if outcome.Success {
		logger.Info("action executed", "result_id", result.ID)
	} else {
		logger.Info("action failed", "result_id", result.ID, "error", outcome.Error)
	}
	return nil
}

// invoke runs the tool, mapping an unregistered action to a failed outcome.
// The validator guarantees the action enum upstream, so a miss here means a
// deployment without the matching tool.
func (e *Executor) invoke(action string, parameters map[string]any) Outcome {
	tool, ok := e.tools.Lookup(action)
	if !ok {
		return Outcome{
			Success: false,
			Result:  map[string]any{"tool": action},
			Error:   fmt.Sprintf("no tool registered for action %q", action),
		}
	}
	outcome := tool(parameters)
	if outcome.Result == nil {
		outcome.Result = map[string]any{"tool": action}
	}
	return outcome
}

// ensureState transitions the conversation, treating "already there" as
// success so crash-retries converge.
func (e *Executor) ensureState(ctx context.Context, conversationID string, target state.State) error {
	err := e.store.TransitionState(ctx, conversationID, target)
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrInvalidTransition) {
		conv, gerr := e.store.GetConversation(ctx, conversationID)
		if gerr == nil && conv.State == target {
			return nil
		}
	}
	return err
}

func resultIDFor(intentID string) string {
	return uuid.NewSHA1(resultNamespace, []byte(intentID+"/result")).String()
}

func resultEventID(intentID string) string {
	return uuid.NewSHA1(resultNamespace, []byte(intentID+"/event")).String()
}
