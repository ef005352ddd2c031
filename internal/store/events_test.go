// ABOUTME: Tests for the append-only conversation event log
// ABOUTME: Covers replay-safe appends, payload round-trips, and chronological listing

package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendEvent_AndList(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_, err := store.CreateConversation(ctx, "conv-1")
	require.NoError(t, err)

	entry := &EventLogEntry{
		EventID:        "evt-1",
		ConversationID: "conv-1",
		EventType:      "reasoning_requested",
		Producer:       "api",
		Timestamp:      time.Now().UTC(),
		Payload:        map[string]any{"content": "search for cats"},
	}
	require.NoError(t, store.AppendEvent(ctx, entry))

	events, err := store.ListEvents(ctx, "conv-1", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "evt-1", events[0].EventID)
	assert.Equal(t, "reasoning_requested", events[0].EventType)
	assert.Equal(t, "api", events[0].Producer)
	assert.Equal(t, "search for cats", events[0].Payload["content"])
}

func TestAppendEvent_ReplayIsNoOp(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_, err := store.CreateConversation(ctx, "conv-1")
	require.NoError(t, err)

	entry := &EventLogEntry{
		EventID:        "evt-1",
		ConversationID: "conv-1",
		EventType:      "action_requested",
		Producer:       "reasoner",
		Timestamp:      time.Now().UTC(),
	}
	require.NoError(t, store.AppendEvent(ctx, entry))
	// A replayed delivery appends the same event id again
	require.NoError(t, store.AppendEvent(ctx, entry))

	events, err := store.ListEvents(ctx, "conv-1", 10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestAppendEvent_NoPayload(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_, err := store.CreateConversation(ctx, "conv-1")
	require.NoError(t, err)

	require.NoError(t, store.AppendEvent(ctx, &EventLogEntry{
		EventID:        "evt-1",
		ConversationID: "conv-1",
		EventType:      "action_completed",
		Producer:       "executor",
		Timestamp:      time.Now().UTC(),
	}))

	events, err := store.ListEvents(ctx, "conv-1", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Nil(t, events[0].Payload)
}

func TestListEvents_ChronologicalAndLimited(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_, err := store.CreateConversation(ctx, "conv-1")
	require.NoError(t, err)

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		require.NoError(t, store.AppendEvent(ctx, &EventLogEntry{
			EventID:        fmt.Sprintf("evt-%d", i),
			ConversationID: "conv-1",
			EventType:      "reasoning_requested",
			Producer:       "api",
			Timestamp:      base.Add(time.Duration(i) * time.Second),
		}))
	}

	events, err := store.ListEvents(ctx, "conv-1", 100)
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i := 1; i < len(events); i++ {
		assert.False(t, events[i].Timestamp.Before(events[i-1].Timestamp))
	}

	events, err = store.ListEvents(ctx, "conv-1", 2)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}
