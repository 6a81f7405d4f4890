package unread

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/giftswap/giftswap/go/internal/models"
)

// Counter derives per-conversation unread counts from the shared live stream
// and the read watermarks. It consumes one subscription and recomputes on new
// messages or watermark changes; changing a watermark never touches the
// subscription.
type Counter struct {
	selfID string

	// OnChange, if set before Run, is invoked whenever a conversation's
	// unread count changes.
	OnChange func(conversationID string, count int)

	mu         sync.Mutex
	arrivals   map[string][]time.Time
	watermarks map[string]time.Time
	counts     map[string]int
}

// NewCounter creates a counter for the given user.
func NewCounter(selfID string) *Counter {
	return &Counter{
		selfID:     selfID,
		arrivals:   make(map[string][]time.Time),
		watermarks: make(map[string]time.Time),
		counts:     make(map[string]int),
	}
}

// Run consumes the live stream until ctx is cancelled or the channel closes.
func (c *Counter) Run(ctx context.Context, messages <-chan models.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			c.observe(msg)
		}
	}
}

// observe records a live message and recomputes its conversation.
func (c *Counter) observe(msg models.Message) {
	if msg.FromID == c.selfID {
		// Own messages never count as unread.
		return
	}

	c.mu.Lock()
	c.arrivals[msg.ConversationID] = append(c.arrivals[msg.ConversationID], msg.Timestamp)
	changed, count := c.recomputeLocked(msg.ConversationID)
	c.mu.Unlock()

	if changed {
		c.notify(msg.ConversationID, count)
	}
}

// SetWatermark applies a watermark change and recomputes the conversation.
func (c *Counter) SetWatermark(conversationID string, lastReadAt time.Time) {
	c.mu.Lock()
	c.watermarks[conversationID] = lastReadAt
	changed, count := c.recomputeLocked(conversationID)
	c.mu.Unlock()

	if changed {
		c.notify(conversationID, count)
	}
}

// Counts returns a snapshot of the current unread counts.
func (c *Counter) Counts() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]int, len(c.counts))
	for conv, n := range c.counts {
		out[conv] = n
	}
	return out
}

// recomputeLocked counts counterpart messages newer than the watermark.
// Caller holds c.mu. Returns whether the count changed and its new value.
func (c *Counter) recomputeLocked(conversationID string) (bool, int) {
	mark := c.watermarks[conversationID]

	count := 0
	for _, ts := range c.arrivals[conversationID] {
		if ts.After(mark) {
			count++
		}
	}

	if c.counts[conversationID] == count {
		return false, count
	}
	c.counts[conversationID] = count
	return true, count
}

func (c *Counter) notify(conversationID string, count int) {
	log.Debug().
		Str("conversation_id", conversationID).
		Int("unread", count).
		Msg("unread count changed")
	if c.OnChange != nil {
		c.OnChange(conversationID, count)
	}
}
