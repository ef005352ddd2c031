// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Conversation, message, and transition persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/2389/intent-pipeline/internal/state"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db             *sql.DB
	logger         *slog.Logger
	staleThreshold time.Duration
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// A staleThreshold of zero selects DefaultStaleThreshold.
func NewSQLiteStore(path string, staleThreshold time.Duration) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if staleThreshold <= 0 {
		staleThreshold = DefaultStaleThreshold
	}

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	// Immediate transactions take the write lock up front, so concurrent
	// claim transactions serialize instead of failing on snapshot upgrade.
	db, err := sql.Open("sqlite", path+"?_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Writers queue behind the lock instead of erroring immediately
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable foreign keys (child documents cascade with their conversation)
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:             db,
		logger:         logger,
		staleThreshold: staleThreshold,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path, "stale_threshold", staleThreshold)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
// Receipts and idempotency keys are global roots; everything else hangs
// off a conversation and is deleted with it.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id         TEXT PRIMARY KEY,
			state      TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,

			CHECK (state IN (
				'RECEIVED',
				'REASONING_REQUESTED',
				'INTENT_VALIDATED',
				'ACTION_REQUESTED',
				'ACTION_COMPLETED',
				'FAILED_VALIDATION',
				'FAILED_EXECUTION'
			))
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at DESC);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			content         TEXT NOT NULL,
			idempotency_key TEXT,
			created_at      TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);

		CREATE TABLE IF NOT EXISTS intents (
			id               TEXT PRIMARY KEY,
			conversation_id  TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			message_id       TEXT NOT NULL,
			action           TEXT NOT NULL,
			parameters_json  TEXT NOT NULL,
			confidence       REAL NOT NULL,
			valid            INTEGER NOT NULL,
			validation_error TEXT,
			created_at       TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_intents_conversation ON intents(conversation_id, created_at);

		CREATE TABLE IF NOT EXISTS action_results (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			intent_id       TEXT NOT NULL,
			message_id      TEXT NOT NULL,
			result_json     TEXT NOT NULL,
			success         INTEGER NOT NULL,
			error           TEXT,
			executed_at     TEXT NOT NULL,

			UNIQUE (conversation_id, intent_id)
		);

		CREATE TABLE IF NOT EXISTS event_log (
			event_id        TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			event_type      TEXT NOT NULL,
			producer        TEXT NOT NULL,
			timestamp       TEXT NOT NULL,
			payload_json    TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_event_log_conversation ON event_log(conversation_id, timestamp);

		CREATE TABLE IF NOT EXISTS receipts (
			event_id        TEXT PRIMARY KEY,
			handler         TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			message_id      TEXT NOT NULL,
			status          TEXT NOT NULL,
			claimed_at      TEXT NOT NULL,
			completed_at    TEXT,
			retried_at      TEXT
		);

		CREATE TABLE IF NOT EXISTS idempotency_keys (
			key        TEXT PRIMARY KEY,
			message_id TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// CreateConversation creates a conversation in state RECEIVED.
// Returns ErrDuplicateConversation if the id already exists.
func (s *SQLiteStore) CreateConversation(ctx context.Context, id string) (*Conversation, error) {
	now := time.Now().UTC()
	conv := &Conversation{
		ID:        id,
		State:     state.Received,
		CreatedAt: now,
		UpdatedAt: now,
	}

	query := `
		INSERT INTO conversations (id, state, created_at, updated_at)
		VALUES (?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		conv.ID,
		string(conv.State),
		conv.CreatedAt.Format(time.RFC3339Nano),
		conv.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return nil, ErrDuplicateConversation
		}
		return nil, fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation", "conversation_id", id)
	return conv, nil
}

// GetConversation retrieves a conversation by id.
// Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	query := `SELECT id, state, created_at, updated_at FROM conversations WHERE id = ?`
	return scanConversation(s.db.QueryRowContext(ctx, query, id))
}

// ListConversations returns the most recently updated conversations.
func (s *SQLiteStore) ListConversations(ctx context.Context, limit int) ([]*Conversation, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, state, created_at, updated_at
		FROM conversations
		ORDER BY updated_at DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

// TransitionState advances a conversation to next. In one transaction it
// reads the current state, checks the transition table, and writes next.
// Returns ErrInvalidTransition (wrapped with the attempted edge) on an
// illegal write, ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) TransitionState(ctx context.Context, id string, next state.State) error {
	if !state.Valid(next) {
		return fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, next)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var currentStr string
	err = tx.QueryRowContext(ctx, `SELECT state FROM conversations WHERE id = ?`, id).Scan(&currentStr)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("reading conversation state: %w", err)
	}

	current := state.State(currentStr)
	if !state.CanTransition(current, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, next)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE conversations SET state = ?, updated_at = ? WHERE id = ?`,
		string(next), time.Now().UTC().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return fmt.Errorf("writing conversation state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transition: %w", err)
	}

	s.logger.Debug("transitioned conversation", "conversation_id", id, "from", current, "to", next)
	return nil
}

// DeleteConversation removes a conversation and, via cascade, its messages,
// intents, results, and event-log entries. Receipts and idempotency keys are
// global dedup tokens and are left in place.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	s.logger.Debug("deleted conversation", "conversation_id", id)
	return nil
}

// SaveMessage persists a user message under its conversation.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *UserMessage) error {
	query := `
		INSERT INTO messages (id, conversation_id, content, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	var key *string
	if msg.IdempotencyKey != "" {
		key = &msg.IdempotencyKey
	}

	_, err := s.db.ExecContext(ctx, query,
		msg.ID,
		msg.ConversationID,
		msg.Content,
		key,
		msg.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	s.logger.Debug("saved message", "message_id", msg.ID, "conversation_id", msg.ConversationID)
	return nil
}

// ListMessages returns a conversation's messages in creation order.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string) ([]*UserMessage, error) {
	query := `
		SELECT id, conversation_id, content, idempotency_key, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at
	`

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []*UserMessage
	for rows.Next() {
		var msg UserMessage
		var key sql.NullString
		var createdAtStr string
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Content, &key, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		if key.Valid {
			msg.IdempotencyKey = key.String
		}
		msg.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing message timestamp: %w", err)
		}
		msgs = append(msgs, &msg)
	}
	return msgs, rows.Err()
}

// rowScanner abstracts *sql.Row and *sql.Rows for shared scan helpers.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var conv Conversation
	var stateStr, createdAtStr, updatedAtStr string

	err := row.Scan(&conv.ID, &stateStr, &createdAtStr, &updatedAtStr)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}

	conv.State = state.State(stateStr)
	conv.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	conv.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &conv, nil
}
