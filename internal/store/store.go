// ABOUTME: Store interface and document types for pipeline persistence
// ABOUTME: Defines conversations, messages, intents, results, receipts, and idempotency keys

package store

import (
	"context"
	"errors"
	"time"

	"github.com/2389/intent-pipeline/internal/state"
)

// ErrNotFound is returned when a requested document does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateConversation is returned when creating a conversation whose id already exists
var ErrDuplicateConversation = errors.New("conversation already exists")

// ErrInvalidTransition is returned when a state write violates the transition table
var ErrInvalidTransition = errors.New("invalid state transition")

// ErrDuplicateResult is returned when a second action result is written for the same intent
var ErrDuplicateResult = errors.New("action result already exists for intent")

// DefaultStaleThreshold is how long a processing receipt may sit before
// another worker is allowed to reclaim it.
const DefaultStaleThreshold = 2 * time.Minute

// Conversation is the root document of the pipeline hierarchy. Its state
// advances only through the transition table.
type Conversation struct {
	ID        string
	State     state.State
	CreatedAt time.Time
	UpdatedAt time.Time
}

// UserMessage is a submitted message, immutable after creation.
// IdempotencyKey records the client key under which it was accepted, if any.
type UserMessage struct {
	ID             string
	ConversationID string
	Content        string
	IdempotencyKey string
	CreatedAt      time.Time
}

// ReasoningIntent is the reasoner's structured output, written exactly once.
// Valid is false iff ValidationError is set.
type ReasoningIntent struct {
	ID              string
	ConversationID  string
	MessageID       string
	Action          string
	Parameters      map[string]any
	Confidence      float64
	Valid           bool
	ValidationError string
	CreatedAt       time.Time
}

// ActionResult is the executor's output, written exactly once per intent.
type ActionResult struct {
	ID             string
	ConversationID string
	IntentID       string
	MessageID      string
	Result         map[string]any
	Success        bool
	Error          string
	ExecutedAt     time.Time
}

// EventLogEntry is an append-only audit record of a significant transition,
// keyed by the event's unique id.
type EventLogEntry struct {
	EventID        string
	ConversationID string
	EventType      string
	Producer       string
	Timestamp      time.Time
	Payload        map[string]any
}

// ReceiptStatus is the lifecycle of a delivery receipt.
// Receipts progress only processing -> completed.
type ReceiptStatus string

const (
	ReceiptProcessing ReceiptStatus = "processing"
	ReceiptCompleted  ReceiptStatus = "completed"
)

// Receipt is a per-event deduplication token, global in scope.
type Receipt struct {
	EventID        string
	Handler        string
	ConversationID string
	MessageID      string
	Status         ReceiptStatus
	ClaimedAt      time.Time
	CompletedAt    *time.Time
	RetriedAt      *time.Time
}

// ReceiptMeta identifies the handler and documents behind a receipt claim.
type ReceiptMeta struct {
	Handler        string
	ConversationID string
	MessageID      string
}

// IdempotencyClaim is the outcome of claiming a client idempotency key.
// When IsNew is false, ExistingMessageID is the message that first claimed it.
type IdempotencyClaim struct {
	IsNew             bool
	ExistingMessageID string
}

// Store defines document persistence for the pipeline. Operations that
// advance conversation state run inside a single-document transaction;
// no transaction spans unrelated roots.
type Store interface {
	// Conversations
	CreateConversation(ctx context.Context, id string) (*Conversation, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context, limit int) ([]*Conversation, error)
	TransitionState(ctx context.Context, id string, next state.State) error
	DeleteConversation(ctx context.Context, id string) error

	// Messages
	SaveMessage(ctx context.Context, msg *UserMessage) error
	ListMessages(ctx context.Context, conversationID string) ([]*UserMessage, error)

	// Intents
	SaveIntent(ctx context.Context, intent *ReasoningIntent) error
	ListIntents(ctx context.Context, conversationID string) ([]*ReasoningIntent, error)

	// Action results
	SaveActionResult(ctx context.Context, result *ActionResult) error
	FindActionResultByIntentID(ctx context.Context, conversationID, intentID string) (bool, error)
	ListActionResults(ctx context.Context, conversationID string) ([]*ActionResult, error)

	// Event log
	AppendEvent(ctx context.Context, entry *EventLogEntry) error
	ListEvents(ctx context.Context, conversationID string, limit int) ([]*EventLogEntry, error)

	// Receipts (global scope, outlive conversations)
	ClaimReceipt(ctx context.Context, eventID string, meta ReceiptMeta) (bool, error)
	CompleteReceipt(ctx context.Context, eventID string) error
	GetReceipt(ctx context.Context, eventID string) (*Receipt, error)

	// Idempotency keys (global scope, never overwritten)
	ClaimIdempotencyKey(ctx context.Context, key, messageID string) (*IdempotencyClaim, error)

	// Close releases any resources held by the store
	Close() error
}
