package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	_ "github.com/mattn/go-sqlite3"

	"github.com/giftswap/giftswap/go/internal/models"
)

// StaleHorizon is how long an item may sit in the outbox before
// ClearDeliveredOrExpired removes it regardless of status.
const StaleHorizon = 7 * 24 * time.Hour

// Store is the durable local queue of outbound messages. It is single-writer
// per process; no cross-tab or cross-device coordination is provided.
type Store struct {
	db    *sql.DB
	clock clockwork.Clock
}

// EnqueueInput holds the caller-supplied fields of a new outbound message.
type EnqueueInput struct {
	FromUserID     string
	ToID           string
	ConversationID string
	Content        string
}

// NewStore opens (and if needed creates) the outbox database at dbPath.
// Use ":memory:" for an ephemeral store in tests.
func NewStore(ctx context.Context, dbPath string, clock clockwork.Clock) (*Store, error) {
	if dbPath == "" {
		dbPath = "./data/outbox.db"
	}

	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	if dbPath == ":memory:" {
		// Each pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	store := &Store{db: db, clock: clock}

	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initSchema creates the outbox table if it doesn't exist.
func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS outbox_messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		client_message_id TEXT UNIQUE NOT NULL,
		from_user_id TEXT NOT NULL,
		to_id TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		next_attempt_at DATETIME,
		status TEXT NOT NULL DEFAULT 'pending',
		last_error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_outbox_user_conversation
		ON outbox_messages(from_user_id, conversation_id);
	CREATE INDEX IF NOT EXISTS idx_outbox_user_status
		ON outbox_messages(from_user_id, status);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() {
	s.db.Close()
}

// Enqueue persists a new pending message and returns the stored record so the
// caller can render an optimistic bubble immediately.
func (s *Store) Enqueue(ctx context.Context, input EnqueueInput) (*models.OutboxMessage, error) {
	now := s.clock.Now().UTC()
	msg := &models.OutboxMessage{
		ClientMessageID: uuid.New().String(),
		FromUserID:      input.FromUserID,
		ToID:            input.ToID,
		ConversationID:  input.ConversationID,
		Content:         input.Content,
		CreatedAt:       now,
		AttemptCount:    0,
		NextAttemptAt:   &now,
		Status:          models.OutboxStatusPending,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO outbox_messages
			(client_message_id, from_user_id, to_id, conversation_id, content, created_at, attempt_count, next_attempt_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ClientMessageID, msg.FromUserID, msg.ToID, msg.ConversationID, msg.Content,
		msg.CreatedAt, msg.AttemptCount, msg.NextAttemptAt, string(msg.Status))
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue outbox message: %w", err)
	}

	return msg, nil
}

// ListForConversation returns all queued items for a (user, conversation)
// pair in insertion order.
func (s *Store) ListForConversation(ctx context.Context, fromUserID, conversationID string) ([]models.OutboxMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT client_message_id, from_user_id, to_id, conversation_id, content,
		       created_at, attempt_count, next_attempt_at, status, last_error
		FROM outbox_messages
		WHERE from_user_id = ? AND conversation_id = ?
		ORDER BY seq
	`, fromUserID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list outbox messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// DueItems returns pending items whose next attempt time has arrived, in
// insertion order. Items scheduled in the future are not returned.
func (s *Store) DueItems(ctx context.Context, fromUserID string, now time.Time) ([]models.OutboxMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT client_message_id, from_user_id, to_id, conversation_id, content,
		       created_at, attempt_count, next_attempt_at, status, last_error
		FROM outbox_messages
		WHERE from_user_id = ? AND status = 'pending' AND next_attempt_at <= ?
		ORDER BY seq
	`, fromUserID, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to fetch due outbox messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// PendingCount returns how many pending items exist for the user, due or not.
func (s *Store) PendingCount(ctx context.Context, fromUserID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM outbox_messages WHERE from_user_id = ? AND status = 'pending'
	`, fromUserID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending outbox messages: %w", err)
	}
	return n, nil
}

// FailedCount returns how many items await a manual retry for the user.
func (s *Store) FailedCount(ctx context.Context, fromUserID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM outbox_messages WHERE from_user_id = ? AND status = 'failed'
	`, fromUserID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count failed outbox messages: %w", err)
	}
	return n, nil
}

// Get returns a single item by client message id, or nil if absent.
func (s *Store) Get(ctx context.Context, clientMessageID string) (*models.OutboxMessage, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT client_message_id, from_user_id, to_id, conversation_id, content,
		       created_at, attempt_count, next_attempt_at, status, last_error
		FROM outbox_messages
		WHERE client_message_id = ?
	`, clientMessageID)

	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get outbox message: %w", err)
	}
	return msg, nil
}

// Delete removes a delivered item. Deleting an absent id is not an error.
func (s *Store) Delete(ctx context.Context, clientMessageID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM outbox_messages WHERE client_message_id = ?
	`, clientMessageID)
	if err != nil {
		return fmt.Errorf("failed to delete outbox message: %w", err)
	}
	return nil
}

// MarkFailed moves an item to the failed state. Failed items have no next
// attempt time and re-enter the queue only through Retry.
func (s *Store) MarkFailed(ctx context.Context, clientMessageID, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox_messages
		SET status = 'failed', next_attempt_at = NULL, last_error = ?
		WHERE client_message_id = ?
	`, lastError, clientMessageID)
	if err != nil {
		return fmt.Errorf("failed to mark outbox message failed: %w", err)
	}
	return nil
}

// RescheduleTransient records a failed attempt and schedules the next one.
// The item stays pending.
func (s *Store) RescheduleTransient(ctx context.Context, clientMessageID string, attemptCount int, nextAttemptAt time.Time, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox_messages
		SET attempt_count = ?, next_attempt_at = ?, last_error = ?
		WHERE client_message_id = ? AND status = 'pending'
	`, attemptCount, nextAttemptAt.UTC(), lastError, clientMessageID)
	if err != nil {
		return fmt.Errorf("failed to reschedule outbox message: %w", err)
	}
	return nil
}

// Retry resets a failed item to pending with an immediate next attempt.
// Returns whether a failed item was found to reset.
func (s *Store) Retry(ctx context.Context, clientMessageID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox_messages
		SET status = 'pending', next_attempt_at = ?, last_error = NULL
		WHERE client_message_id = ? AND status = 'failed'
	`, s.clock.Now().UTC(), clientMessageID)
	if err != nil {
		return false, fmt.Errorf("failed to retry outbox message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ClearDeliveredOrExpired purges items older than the staleness horizon
// regardless of status. A safety valve against unbounded growth from
// abandoned retries.
func (s *Store) ClearDeliveredOrExpired(ctx context.Context, fromUserID string) (int64, error) {
	cutoff := s.clock.Now().UTC().Add(-StaleHorizon)
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM outbox_messages WHERE from_user_id = ? AND created_at < ?
	`, fromUserID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clear stale outbox messages: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*models.OutboxMessage, error) {
	var msg models.OutboxMessage
	var status string
	var nextAttemptAt sql.NullTime
	var lastError sql.NullString

	err := row.Scan(
		&msg.ClientMessageID,
		&msg.FromUserID,
		&msg.ToID,
		&msg.ConversationID,
		&msg.Content,
		&msg.CreatedAt,
		&msg.AttemptCount,
		&nextAttemptAt,
		&status,
		&lastError,
	)
	if err != nil {
		return nil, err
	}

	msg.Status = models.OutboxStatus(status)
	if nextAttemptAt.Valid {
		t := nextAttemptAt.Time
		msg.NextAttemptAt = &t
	}
	if lastError.Valid {
		e := lastError.String
		msg.LastError = &e
	}
	return &msg, nil
}

func scanMessages(rows *sql.Rows) ([]models.OutboxMessage, error) {
	var msgs []models.OutboxMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *msg)
	}
	return msgs, rows.Err()
}
