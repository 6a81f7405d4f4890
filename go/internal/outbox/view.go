package outbox

import (
	"github.com/giftswap/giftswap/go/internal/models"
)

// DisplayMessage is one row of a conversation view: either a confirmed
// message from the durable store or an optimistic outbox bubble.
type DisplayMessage struct {
	Message models.Message `json:"message"`
	Pending bool           `json:"pending"`
	Failed  bool           `json:"failed"`
	Error   *string        `json:"error,omitempty"`
}

// MergedView combines durable messages with queued outbox items into a single
// display list. Durable messages come first in their given order, then outbox
// items in insertion order. An outbox item whose client message id already
// appears durably is suppressed: delivery was confirmed and the local delete
// simply has not landed yet.
func MergedView(durable []models.Message, queued []models.OutboxMessage) []DisplayMessage {
	confirmed := make(map[string]bool, len(durable))
	for _, m := range durable {
		confirmed[m.ID] = true
	}

	out := make([]DisplayMessage, 0, len(durable)+len(queued))
	for _, m := range durable {
		out = append(out, DisplayMessage{Message: m})
	}

	for _, q := range queued {
		if confirmed[q.ClientMessageID] {
			continue
		}
		out = append(out, DisplayMessage{
			Message: models.Message{
				ID:             q.ClientMessageID,
				FromID:         q.FromUserID,
				ToID:           q.ToID,
				ConversationID: q.ConversationID,
				Content:        q.Content,
				Timestamp:      q.CreatedAt,
			},
			Pending: q.Status == models.OutboxStatusPending,
			Failed:  q.Status == models.OutboxStatusFailed,
			Error:   q.LastError,
		})
	}

	return out
}
