package watermark

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists read watermarks in the shared backend database,
// one row per (user, conversation) pair.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a watermark store over an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// InitSchema creates the read_watermarks table if it doesn't exist.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS read_watermarks (
			user_id TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			last_read_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (user_id, conversation_id)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create read_watermarks table: %w", err)
	}
	return nil
}

// Get returns the stored watermark for the pair, reporting whether a record
// exists.
func (s *PostgresStore) Get(ctx context.Context, userID, conversationID string) (time.Time, bool, error) {
	var t time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT last_read_at FROM read_watermarks
		WHERE user_id = $1 AND conversation_id = $2
	`, userID, conversationID).Scan(&t)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("failed to get read watermark: %w", err)
	}
	return t, true, nil
}

// Upsert writes the watermark for the pair. The stored value never moves
// backwards, so concurrent writers from stale debounce windows cannot regress
// the read position.
func (s *PostgresStore) Upsert(ctx context.Context, userID, conversationID string, lastReadAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO read_watermarks (user_id, conversation_id, last_read_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, conversation_id)
		DO UPDATE SET last_read_at = GREATEST(read_watermarks.last_read_at, EXCLUDED.last_read_at)
	`, userID, conversationID, lastReadAt)
	if err != nil {
		return fmt.Errorf("failed to upsert read watermark: %w", err)
	}
	return nil
}
