// ABOUTME: Event receipts and client idempotency keys, the two deduplication layers
// ABOUTME: ClaimReceipt is the central primitive that makes at-least-once delivery safe

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ClaimReceipt attempts to claim the receipt for eventID on behalf of a
// handler. In one transaction:
//
//   - no receipt: create it as processing and return true
//   - completed: return false (genuine duplicate)
//   - processing and fresh: return false (another worker is active)
//   - processing and stale: reclaim it, stamp retried_at, return true
//
// Any status outside {processing, completed} is treated as claimed and
// logged loudly; it never grants execution.
func (s *SQLiteStore) ClaimReceipt(ctx context.Context, eventID string, meta ReceiptMeta) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	var statusStr, claimedAtStr string
	err = tx.QueryRowContext(ctx,
		`SELECT status, claimed_at FROM receipts WHERE event_id = ?`, eventID,
	).Scan(&statusStr, &claimedAtStr)

	switch {
	case err == sql.ErrNoRows:
		_, err = tx.ExecContext(ctx, `
			INSERT INTO receipts (event_id, handler, conversation_id, message_id, status, claimed_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`,
			eventID,
			meta.Handler,
			meta.ConversationID,
			meta.MessageID,
			string(ReceiptProcessing),
			now.Format(time.RFC3339Nano),
		)
		if err != nil {
			return false, fmt.Errorf("inserting receipt: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("committing receipt claim: %w", err)
		}
		s.logger.Debug("claimed receipt", "event_id", eventID, "handler", meta.Handler)
		return true, nil

	case err != nil:
		return false, fmt.Errorf("reading receipt: %w", err)
	}

	switch ReceiptStatus(statusStr) {
	case ReceiptCompleted:
		return false, nil

	case ReceiptProcessing:
		claimedAt, err := time.Parse(time.RFC3339Nano, claimedAtStr)
		if err != nil {
			return false, fmt.Errorf("parsing claimed_at: %w", err)
		}
		if now.Sub(claimedAt) < s.staleThreshold {
			// Another worker holds a fresh claim
			return false, nil
		}

		// Original worker crashed; reclaim
		_, err = tx.ExecContext(ctx, `
			UPDATE receipts SET claimed_at = ?, retried_at = ? WHERE event_id = ?
		`,
			now.Format(time.RFC3339Nano),
			now.Format(time.RFC3339Nano),
			eventID,
		)
		if err != nil {
			return false, fmt.Errorf("reclaiming receipt: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("committing receipt reclaim: %w", err)
		}
		s.logger.Info("reclaimed stale receipt",
			"event_id", eventID,
			"handler", meta.Handler,
			"claimed_at", claimedAt,
		)
		return true, nil

	default:
		// Safety over liveness: never grant execution on a malformed receipt.
		s.logger.Error("receipt has unknown status, refusing claim",
			"event_id", eventID,
			"status", statusStr,
			"handler", meta.Handler,
		)
		return false, nil
	}
}

// CompleteReceipt marks the receipt for eventID completed. It is an
// idempotent upsert: completing an absent receipt writes a completed one
// rather than failing, so a transient store hiccup cannot force a
// redelivery that double-executes.
func (s *SQLiteStore) CompleteReceipt(ctx context.Context, eventID string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO receipts (event_id, handler, conversation_id, message_id, status, claimed_at, completed_at)
		VALUES (?, '', '', '', ?, ?, ?)
		ON CONFLICT(event_id) DO UPDATE SET
			status = excluded.status,
			completed_at = excluded.completed_at
	`,
		eventID,
		string(ReceiptCompleted),
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("completing receipt: %w", err)
	}

	s.logger.Debug("completed receipt", "event_id", eventID)
	return nil
}

// GetReceipt retrieves a receipt by event id.
// Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) GetReceipt(ctx context.Context, eventID string) (*Receipt, error) {
	query := `
		SELECT event_id, handler, conversation_id, message_id, status, claimed_at, completed_at, retried_at
		FROM receipts
		WHERE event_id = ?
	`

	var r Receipt
	var statusStr, claimedAtStr string
	var completedAtStr, retriedAtStr sql.NullString

	err := s.db.QueryRowContext(ctx, query, eventID).Scan(
		&r.EventID,
		&r.Handler,
		&r.ConversationID,
		&r.MessageID,
		&statusStr,
		&claimedAtStr,
		&completedAtStr,
		&retriedAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying receipt: %w", err)
	}

	r.Status = ReceiptStatus(statusStr)
	r.ClaimedAt, err = time.Parse(time.RFC3339Nano, claimedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing claimed_at: %w", err)
	}
	if completedAtStr.Valid {
		t, err := time.Parse(time.RFC3339Nano, completedAtStr.String)
		if err != nil {
			return nil, fmt.Errorf("parsing completed_at: %w", err)
		}
		r.CompletedAt = &t
	}
	if retriedAtStr.Valid {
		t, err := time.Parse(time.RFC3339Nano, retriedAtStr.String)
		if err != nil {
			return nil, fmt.Errorf("parsing retried_at: %w", err)
		}
		r.RetriedAt = &t
	}
	return &r, nil
}

// ClaimIdempotencyKey claims a client-supplied key for messageID. The
// insert-or-ignore is atomic, so two concurrent submissions with the same
// key race inside one statement and only one wins. Keys are never
// overwritten.
func (s *SQLiteStore) ClaimIdempotencyKey(ctx context.Context, key, messageID string) (*IdempotencyClaim, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, message_id, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO NOTHING
	`,
		key,
		messageID,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("claiming idempotency key: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("claiming idempotency key: %w", err)
	}
	if n == 1 {
		s.logger.Debug("claimed idempotency key", "message_id", messageID)
		return &IdempotencyClaim{IsNew: true}, nil
	}

	var existing string
	err = s.db.QueryRowContext(ctx,
		`SELECT message_id FROM idempotency_keys WHERE key = ?`, key,
	).Scan(&existing)
	if err != nil {
		return nil, fmt.Errorf("reading idempotency key: %w", err)
	}

	return &IdempotencyClaim{IsNew: false, ExistingMessageID: existing}, nil
}
