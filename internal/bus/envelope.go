// ABOUTME: Typed JSON envelope carried by every pipeline event
// ABOUTME: Provides encoding and strict decoding with a sentinel error for malformed payloads

package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Event types carried between pipeline stages.
const (
	EventReasoningRequested = "reasoning_requested"
	EventActionRequested    = "action_requested"
)

// Producers named in envelopes.
const (
	ProducerAPI      = "api"
	ProducerReasoner = "reasoner"
	ProducerExecutor = "executor"
)

// ErrDecode is returned when an envelope cannot be parsed or is missing
// required fields. Consumers treat these messages as poison.
var ErrDecode = errors.New("malformed envelope")

// Envelope is the wire format for every event published to the bus.
// Payload carries the event-type-specific body as a raw JSON object.
type Envelope struct {
	EventID        string         `json:"eventId"`
	EventType      string         `json:"eventType"`
	ConversationID string         `json:"conversationId"`
	MessageID      string         `json:"messageId"`
	Timestamp      time.Time      `json:"timestamp"`
	Producer       string         `json:"producer"`
	Payload        map[string]any `json:"payload"`
}

// Encode serializes the envelope to JSON.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope %s: %w", e.EventID, err)
	}
	return data, nil
}

// Decode parses an envelope from JSON and checks the fields every consumer
// relies on. Anything that fails here is wrapped in ErrDecode.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if env.EventID == "" {
		return nil, fmt.Errorf("%w: missing eventId", ErrDecode)
	}
	if env.EventType == "" {
		return nil, fmt.Errorf("%w: missing eventType", ErrDecode)
	}
	if env.ConversationID == "" {
		return nil, fmt.Errorf("%w: missing conversationId", ErrDecode)
	}
	if env.Payload == nil {
		return nil, fmt.Errorf("%w: missing payload", ErrDecode)
	}
	return &env, nil
}

// Attributes returns the envelope metadata as structured log arguments.
func (e *Envelope) Attributes() []any {
	return []any{
		"event_id", e.EventID,
		"event_type", e.EventType,
		"conversation_id", e.ConversationID,
		"message_id", e.MessageID,
		"producer", e.Producer,
	}
}
