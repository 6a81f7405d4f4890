package models

import (
	"time"
)

// Message is a delivered chat message owned by the backend store.
// This layer only ever reads it.
type Message struct {
	ID             string    `json:"id"`
	FromID         string    `json:"from_id"`
	ToID           string    `json:"to_id"`
	ConversationID string    `json:"conversation_id"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
}

// OutboxStatus defines the delivery state of a queued outbound message.
type OutboxStatus string

const (
	// OutboxStatusPending means the item is awaiting delivery or retry.
	OutboxStatusPending OutboxStatus = "pending"
	// OutboxStatusFailed means delivery was rejected permanently and only a
	// manual retry can re-enter the queue.
	OutboxStatusFailed OutboxStatus = "failed"
)

// OutboxMessage is a not-yet-confirmed outbound message. Delivered items are
// deleted from the outbox, never kept with a terminal status.
type OutboxMessage struct {
	ClientMessageID string       `json:"client_message_id"`
	FromUserID      string       `json:"from_user_id"`
	ToID            string       `json:"to_id"`
	ConversationID  string       `json:"conversation_id"`
	Content         string       `json:"content"`
	CreatedAt       time.Time    `json:"created_at"`
	AttemptCount    int          `json:"attempt_count"`
	NextAttemptAt   *time.Time   `json:"next_attempt_at,omitempty"`
	Status          OutboxStatus `json:"status"`
	LastError       *string      `json:"last_error,omitempty"`
}

// ReadWatermark marks how far a user has read a conversation. A missing
// record is equivalent to a zero LastReadAt (never read).
type ReadWatermark struct {
	UserID         string    `json:"user_id"`
	ConversationID string    `json:"conversation_id"`
	LastReadAt     time.Time `json:"last_read_at"`
}
