// ABOUTME: Append-only event log for conversation audit trails
// ABOUTME: Entries are keyed by event id so replayed deliveries append at most once

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// AppendEvent records an audit entry under its conversation. The entry is
// keyed by the event's unique id; appending the same id again (a replayed
// delivery) is a no-op rather than an error.
func (s *SQLiteStore) AppendEvent(ctx context.Context, entry *EventLogEntry) error {
	var payloadJSON *string
	if entry.Payload != nil {
		data, err := json.Marshal(entry.Payload)
		if err != nil {
			return fmt.Errorf("encoding event payload: %w", err)
		}
		str := string(data)
		payloadJSON = &str
	}

	query := `
		INSERT INTO event_log (event_id, conversation_id, event_type, producer, timestamp, payload_json)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO NOTHING
	`

	_, err := s.db.ExecContext(ctx, query,
		entry.EventID,
		entry.ConversationID,
		entry.EventType,
		entry.Producer,
		entry.Timestamp.UTC().Format(time.RFC3339Nano),
		payloadJSON,
	)
	if err != nil {
		return fmt.Errorf("appending event: %w", err)
	}

	s.logger.Debug("appended event",
		"event_id", entry.EventID,
		"conversation_id", entry.ConversationID,
		"event_type", entry.EventType,
	)
	return nil
}

// ListEvents returns a conversation's audit entries in chronological order.
func (s *SQLiteStore) ListEvents(ctx context.Context, conversationID string, limit int) ([]*EventLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT event_id, conversation_id, event_type, producer, timestamp, payload_json
		FROM event_log
		WHERE conversation_id = ?
		ORDER BY timestamp
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var entries []*EventLogEntry
	for rows.Next() {
		var entry EventLogEntry
		var timestampStr string
		var payloadJSON sql.NullString

		err := rows.Scan(
			&entry.EventID,
			&entry.ConversationID,
			&entry.EventType,
			&entry.Producer,
			&timestampStr,
			&payloadJSON,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}

		entry.Timestamp, err = time.Parse(time.RFC3339Nano, timestampStr)
		if err != nil {
			return nil, fmt.Errorf("parsing event timestamp: %w", err)
		}
		if payloadJSON.Valid {
			if err := json.Unmarshal([]byte(payloadJSON.String), &entry.Payload); err != nil {
				return nil, fmt.Errorf("decoding event payload: %w", err)
			}
		}

		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}
