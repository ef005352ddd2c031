// ABOUTME: Tests for envelope encoding and strict decoding
// ABOUTME: Covers round trips, malformed JSON, and missing required fields

package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelope_RoundTrip(t *testing.T) {
	env := &Envelope{
		EventID:        "evt-1",
		EventType:      EventReasoningRequested,
		ConversationID: "conv-1",
		MessageID:      "msg-1",
		Timestamp:      time.Now().UTC().Truncate(time.Millisecond),
		Producer:       "api",
		Payload:        map[string]any{"content": "search for cats"},
	}

	data, err := env.Encode()
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, env.EventID, decoded.EventID)
	assert.Equal(t, env.EventType, decoded.EventType)
	assert.Equal(t, env.ConversationID, decoded.ConversationID)
	assert.Equal(t, env.MessageID, decoded.MessageID)
	assert.True(t, env.Timestamp.Equal(decoded.Timestamp))
	assert.Equal(t, "search for cats", decoded.Payload["content"])
}

func TestDecode_MalformedJSON(t *testing.T) {
	_, err := Decode([]byte("{not json"))
	assert.ErrorIs(t, err, ErrDecode)
}

func TestDecode_MissingFields(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"no event id", `{"eventType":"reasoning_requested","conversationId":"c1"}`},
		{"no event type", `{"eventId":"e1","conversationId":"c1"}`},
		{"no conversation id", `{"eventId":"e1","eventType":"reasoning_requested"}`},
		{"no payload", `{"eventId":"e1","eventType":"reasoning_requested","conversationId":"c1"}`},
		{"null payload", `{"eventId":"e1","eventType":"reasoning_requested","conversationId":"c1","payload":null}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.raw))
			assert.ErrorIs(t, err, ErrDecode)
		})
	}
}

func TestDeadLetterTopic(t *testing.T) {
	assert.Equal(t, DeadLetterReasoning, DeadLetterTopic(TopicReasoning))
	assert.Equal(t, DeadLetterAction, DeadLetterTopic(TopicAction))
	assert.Equal(t, "custom-dead-letter", DeadLetterTopic("custom"))
}
