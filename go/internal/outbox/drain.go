package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/giftswap/giftswap/go/internal/models"
	"github.com/giftswap/giftswap/go/internal/send"
)

// Sender delivers one outbound message to the send endpoint.
type Sender interface {
	Send(ctx context.Context, req send.Request, forceRefresh bool) (*send.Response, error)
}

// Counts reports the outcome of one drain pass.
type Counts struct {
	Delivered int `json:"delivered"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// DrainConfig holds retry policy for the drain engine.
type DrainConfig struct {
	BackoffBase time.Duration
	BackoffCap  time.Duration
	MaxAttempts int
}

// DefaultDrainConfig returns the default retry policy.
func DefaultDrainConfig() DrainConfig {
	return DrainConfig{
		BackoffBase: 2 * time.Second,
		BackoffCap:  5 * time.Minute,
		MaxAttempts: 8,
	}
}

// Drainer attempts delivery for due outbox items, classifies failures and
// schedules retries. At most one drain runs per user at a time.
type Drainer struct {
	store  *Store
	sender Sender
	config DrainConfig
	clock  clockwork.Clock

	mu       sync.Mutex
	inFlight map[string]bool
}

// NewDrainer creates a drain engine over the given store and sender.
func NewDrainer(store *Store, sender Sender, cfg DrainConfig, clock clockwork.Clock) *Drainer {
	return &Drainer{
		store:    store,
		sender:   sender,
		config:   cfg,
		clock:    clock,
		inFlight: make(map[string]bool),
	}
}

// Drain runs one delivery pass for the user's due items. It never fails on
// per-item errors; outcomes are reported via Counts. If a drain for the same
// user is already running, the call returns zero counts immediately.
func (d *Drainer) Drain(ctx context.Context, fromUserID string) (Counts, error) {
	if !d.begin(fromUserID) {
		log.Debug().Str("from_user_id", fromUserID).Msg("drain already in flight, skipping")
		return Counts{}, nil
	}
	defer d.end(fromUserID)

	now := d.clock.Now()

	due, err := d.store.DueItems(ctx, fromUserID, now)
	if err != nil {
		return Counts{}, err
	}

	pending, err := d.store.PendingCount(ctx, fromUserID)
	if err != nil {
		return Counts{}, err
	}

	counts := Counts{Skipped: pending - len(due)}

	for _, item := range due {
		d.drainItem(ctx, &item, &counts)
	}

	if counts != (Counts{}) {
		log.Info().
			Str("from_user_id", fromUserID).
			Int("delivered", counts.Delivered).
			Int("retried", counts.Retried).
			Int("failed", counts.Failed).
			Int("skipped", counts.Skipped).
			Msg("drained outbox")
	}

	return counts, nil
}

func (d *Drainer) drainItem(ctx context.Context, item *models.OutboxMessage, counts *Counts) {
	req := send.Request{
		ToID:            item.ToID,
		Content:         item.Content,
		ConversationID:  item.ConversationID,
		ClientMessageID: item.ClientMessageID,
		ClientCreatedAt: item.CreatedAt,
	}

	_, err := d.sender.Send(ctx, req, false)

	var apiErr *send.APIError
	if errors.As(err, &apiErr) && apiErr.Status == 401 {
		// Token likely expired while the message sat queued. Force one
		// refresh and retry inline; a second failure of any kind is
		// treated as transient from then on.
		log.Debug().
			Str("client_message_id", item.ClientMessageID).
			Msg("send unauthorized, retrying with forced token refresh")
		_, err = d.sender.Send(ctx, req, true)
		if err != nil {
			d.rescheduleTransient(ctx, item, err, counts)
			return
		}
	}

	if err == nil {
		if derr := d.store.Delete(ctx, item.ClientMessageID); derr != nil {
			log.Error().Err(derr).
				Str("client_message_id", item.ClientMessageID).
				Msg("delivered but failed to remove from outbox")
			return
		}
		counts.Delivered++
		return
	}

	if errors.As(err, &apiErr) && apiErr.Status >= 400 && apiErr.Status < 500 {
		// Validation or idempotency conflict. The server will never
		// accept this request; auto-retrying would loop forever.
		if merr := d.store.MarkFailed(ctx, item.ClientMessageID, err.Error()); merr != nil {
			log.Error().Err(merr).
				Str("client_message_id", item.ClientMessageID).
				Msg("failed to mark outbox message failed")
			return
		}
		counts.Failed++
		log.Warn().
			Str("client_message_id", item.ClientMessageID).
			Int("status", apiErr.Status).
			Msg("permanent send failure, manual retry required")
		return
	}

	// 5xx or network-level failure.
	d.rescheduleTransient(ctx, item, err, counts)
}

func (d *Drainer) rescheduleTransient(ctx context.Context, item *models.OutboxMessage, sendErr error, counts *Counts) {
	attempts := item.AttemptCount + 1

	if attempts >= d.config.MaxAttempts {
		if err := d.store.MarkFailed(ctx, item.ClientMessageID, sendErr.Error()); err != nil {
			log.Error().Err(err).
				Str("client_message_id", item.ClientMessageID).
				Msg("failed to mark exhausted outbox message failed")
			return
		}
		counts.Failed++
		log.Warn().
			Str("client_message_id", item.ClientMessageID).
			Int("attempts", attempts).
			Msg("retry attempts exhausted, manual retry required")
		return
	}

	next := d.clock.Now().Add(d.backoffDelay(attempts))
	if err := d.store.RescheduleTransient(ctx, item.ClientMessageID, attempts, next, sendErr.Error()); err != nil {
		log.Error().Err(err).
			Str("client_message_id", item.ClientMessageID).
			Msg("failed to reschedule outbox message")
		return
	}
	counts.Retried++
	log.Debug().
		Str("client_message_id", item.ClientMessageID).
		Int("attempts", attempts).
		Time("next_attempt_at", next).
		Msg("transient send failure, rescheduled")
}

// backoffDelay returns base * 2^attempt capped, so retries spread out after
// an outage instead of storming the endpoint in lockstep.
func (d *Drainer) backoffDelay(attempt int) time.Duration {
	delay := d.config.BackoffBase
	for i := 0; i < attempt && delay < d.config.BackoffCap; i++ {
		delay *= 2
	}
	if delay > d.config.BackoffCap {
		delay = d.config.BackoffCap
	}
	return delay
}

func (d *Drainer) begin(fromUserID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inFlight[fromUserID] {
		return false
	}
	d.inFlight[fromUserID] = true
	return true
}

func (d *Drainer) end(fromUserID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inFlight, fromUserID)
}
