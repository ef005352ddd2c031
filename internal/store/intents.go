// ABOUTME: Persistence for reasoning intents and action results
// ABOUTME: Results are unique per intent, the executor's second line of defense

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SaveIntent persists a reasoning intent under its conversation.
// Written once by the reasoner, valid or invalid; a crash-retry replaying
// the same intent ID is a no-op, the first write wins.
func (s *SQLiteStore) SaveIntent(ctx context.Context, intent *ReasoningIntent) error {
	paramsJSON, err := json.Marshal(intent.Parameters)
	if err != nil {
		return fmt.Errorf("encoding intent parameters: %w", err)
	}

	var validationError *string
	if intent.ValidationError != "" {
		validationError = &intent.ValidationError
	}

	query := `
		INSERT INTO intents (id, conversation_id, message_id, action, parameters_json, confidence, valid, validation_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`

	_, err = s.db.ExecContext(ctx, query,
		intent.ID,
		intent.ConversationID,
		intent.MessageID,
		intent.Action,
		string(paramsJSON),
		intent.Confidence,
		boolToInt(intent.Valid),
		validationError,
		intent.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting intent: %w", err)
	}

	s.logger.Debug("saved intent",
		"intent_id", intent.ID,
		"conversation_id", intent.ConversationID,
		"action", intent.Action,
		"valid", intent.Valid,
	)
	return nil
}

// ListIntents returns a conversation's intents in creation order.
func (s *SQLiteStore) ListIntents(ctx context.Context, conversationID string) ([]*ReasoningIntent, error) {
	query := `
		SELECT id, conversation_id, message_id, action, parameters_json, confidence, valid, validation_error, created_at
		FROM intents
		WHERE conversation_id = ?
		ORDER BY created_at
	`

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying intents: %w", err)
	}
	defer rows.Close()

	var intents []*ReasoningIntent
	for rows.Next() {
		var intent ReasoningIntent
		var paramsJSON, createdAtStr string
		var valid int
		var validationError sql.NullString

		err := rows.Scan(
			&intent.ID,
			&intent.ConversationID,
			&intent.MessageID,
			&intent.Action,
			&paramsJSON,
			&intent.Confidence,
			&valid,
			&validationError,
			&createdAtStr,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning intent: %w", err)
		}

		if err := json.Unmarshal([]byte(paramsJSON), &intent.Parameters); err != nil {
			return nil, fmt.Errorf("decoding intent parameters: %w", err)
		}
		intent.Valid = valid != 0
		if validationError.Valid {
			intent.ValidationError = validationError.String
		}
		intent.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing intent timestamp: %w", err)
		}

		intents = append(intents, &intent)
	}
	return intents, rows.Err()
}

// SaveActionResult persists an action result under its conversation.
// At most one result may exist per intent; a second write returns
// ErrDuplicateResult.
func (s *SQLiteStore) SaveActionResult(ctx context.Context, result *ActionResult) error {
	resultJSON, err := json.Marshal(result.Result)
	if err != nil {
		return fmt.Errorf("encoding action result: %w", err)
	}

	var errStr *string
	if result.Error != "" {
		errStr = &result.Error
	}

	query := `
		INSERT INTO action_results (id, conversation_id, intent_id, message_id, result_json, success, error, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		result.ID,
		result.ConversationID,
		result.IntentID,
		result.MessageID,
		string(resultJSON),
		boolToInt(result.Success),
		errStr,
		result.ExecutedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateResult
		}
		return fmt.Errorf("inserting action result: %w", err)
	}

	s.logger.Debug("saved action result",
		"result_id", result.ID,
		"conversation_id", result.ConversationID,
		"intent_id", result.IntentID,
		"success", result.Success,
	)
	return nil
}

// FindActionResultByIntentID reports whether a result already exists for the
// intent. Used by the executor before invoking the tool.
func (s *SQLiteStore) FindActionResultByIntentID(ctx context.Context, conversationID, intentID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM action_results WHERE conversation_id = ? AND intent_id = ?`,
		conversationID, intentID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying action result: %w", err)
	}
	return true, nil
}

// ListActionResults returns a conversation's action results in execution order.
func (s *SQLiteStore) ListActionResults(ctx context.Context, conversationID string) ([]*ActionResult, error) {
	query := `
		SELECT id, conversation_id, intent_id, message_id, result_json, success, error, executed_at
		FROM action_results
		WHERE conversation_id = ?
		ORDER BY executed_at
	`

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying action results: %w", err)
	}
	defer rows.Close()

	var results []*ActionResult
	for rows.Next() {
		var result ActionResult
		var resultJSON, executedAtStr string
		var success int
		var errStr sql.NullString

		err := rows.Scan(
			&result.ID,
			&result.ConversationID,
			&result.IntentID,
			&result.MessageID,
			&resultJSON,
			&success,
			&errStr,
			&executedAtStr,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning action result: %w", err)
		}

		if err := json.Unmarshal([]byte(resultJSON), &result.Result); err != nil {
			return nil, fmt.Errorf("decoding action result: %w", err)
		}
		result.Success = success != 0
		if errStr.Valid {
			result.Error = errStr.String
		}
		result.ExecutedAt, err = time.Parse(time.RFC3339Nano, executedAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing result timestamp: %w", err)
		}

		results = append(results, &result)
	}
	return results, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
