package outbox_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giftswap/giftswap/go/internal/models"
	"github.com/giftswap/giftswap/go/internal/outbox"
	"github.com/giftswap/giftswap/go/internal/send"
)

// scriptedSender returns one scripted outcome per call and records every
// request and force-refresh flag it sees.
type scriptedSender struct {
	mu       sync.Mutex
	script   []error
	requests []send.Request
	forces   []bool
	block    chan struct{}
	entered  chan struct{}
}

func (s *scriptedSender) Send(ctx context.Context, req send.Request, forceRefresh bool) (*send.Response, error) {
	if s.entered != nil {
		s.entered <- struct{}{}
	}
	if s.block != nil {
		<-s.block
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, req)
	s.forces = append(s.forces, forceRefresh)

	var err error
	if len(s.script) > 0 {
		err = s.script[0]
		s.script = s.script[1:]
	}
	if err != nil {
		return nil, err
	}
	return &send.Response{Success: true}, nil
}

func (s *scriptedSender) calls() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bool(nil), s.forces...)
}

func newDrainer(store *outbox.Store, sender outbox.Sender, clock clockwork.Clock) *outbox.Drainer {
	return outbox.NewDrainer(store, sender, outbox.DefaultDrainConfig(), clock)
}

func TestDrainDeliversAndRemovesItem(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	store := newTestStore(t, clock)
	sender := &scriptedSender{}
	drainer := newDrainer(store, sender, clock)

	msg, err := store.Enqueue(ctx, outbox.EnqueueInput{
		FromUserID: "alice", ToID: "bob", ConversationID: "alice_bob", Content: "hi",
	})
	require.NoError(t, err)

	counts, err := drainer.Drain(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, outbox.Counts{Delivered: 1}, counts)

	stored, err := store.Get(ctx, msg.ClientMessageID)
	require.NoError(t, err)
	assert.Nil(t, stored, "delivered items are deleted, never kept")

	require.Len(t, sender.requests, 1)
	assert.Equal(t, msg.ClientMessageID, sender.requests[0].ClientMessageID)
}

func TestDrainTransientFailureBacksOff(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	store := newTestStore(t, clock)
	sender := &scriptedSender{script: []error{&send.APIError{Status: 503, Message: "unavailable"}}}
	drainer := newDrainer(store, sender, clock)

	msg, err := store.Enqueue(ctx, outbox.EnqueueInput{
		FromUserID: "alice", ToID: "bob", ConversationID: "alice_bob", Content: "hi",
	})
	require.NoError(t, err)

	counts, err := drainer.Drain(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, outbox.Counts{Retried: 1}, counts)

	stored, err := store.Get(ctx, msg.ClientMessageID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, models.OutboxStatusPending, stored.Status)
	assert.Equal(t, 1, stored.AttemptCount)
	require.NotNil(t, stored.NextAttemptAt)
	assert.True(t, stored.NextAttemptAt.After(clock.Now()))
}

func TestDrainRetryKeepsClientMessageID(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	store := newTestStore(t, clock)
	sender := &scriptedSender{script: []error{errors.New("connection reset")}}
	drainer := newDrainer(store, sender, clock)

	msg, err := store.Enqueue(ctx, outbox.EnqueueInput{
		FromUserID: "alice", ToID: "bob", ConversationID: "alice_bob", Content: "hi",
	})
	require.NoError(t, err)

	_, err = drainer.Drain(ctx, "alice")
	require.NoError(t, err)

	// Let the backoff elapse, then drain again: the resend must reuse the
	// same idempotency key so the server recognizes the duplicate.
	clock.Advance(time.Hour)
	counts, err := drainer.Drain(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, outbox.Counts{Delivered: 1}, counts)

	require.Len(t, sender.requests, 2)
	assert.Equal(t, msg.ClientMessageID, sender.requests[0].ClientMessageID)
	assert.Equal(t, msg.ClientMessageID, sender.requests[1].ClientMessageID)
}

func TestDrainPermanentFailureRequiresManualRetry(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	store := newTestStore(t, clock)
	sender := &scriptedSender{script: []error{&send.APIError{Status: 409, Message: "duplicate"}}}
	drainer := newDrainer(store, sender, clock)

	msg, err := store.Enqueue(ctx, outbox.EnqueueInput{
		FromUserID: "alice", ToID: "bob", ConversationID: "alice_bob", Content: "hi",
	})
	require.NoError(t, err)

	counts, err := drainer.Drain(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, outbox.Counts{Failed: 1}, counts)

	stored, err := store.Get(ctx, msg.ClientMessageID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, models.OutboxStatusFailed, stored.Status)
	assert.Nil(t, stored.NextAttemptAt)
	require.NotNil(t, stored.LastError)

	// Still visible to the conversation view for a manual retry.
	items, err := store.ListForConversation(ctx, "alice", "alice_bob")
	require.NoError(t, err)
	require.Len(t, items, 1)

	// Another drain must not touch it.
	counts, err = drainer.Drain(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, outbox.Counts{}, counts)
	require.Len(t, sender.requests, 1)
}

func TestDrainRecoversFromExpiredToken(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	store := newTestStore(t, clock)
	sender := &scriptedSender{script: []error{&send.APIError{Status: 401, Message: "token expired"}, nil}}
	drainer := newDrainer(store, sender, clock)

	_, err := store.Enqueue(ctx, outbox.EnqueueInput{
		FromUserID: "alice", ToID: "bob", ConversationID: "alice_bob", Content: "hi",
	})
	require.NoError(t, err)

	counts, err := drainer.Drain(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, outbox.Counts{Delivered: 1}, counts)

	// First attempt without a forced refresh, the inline retry with one.
	assert.Equal(t, []bool{false, true}, sender.calls())
}

func TestDrain401ThenFailureIsTransient(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	store := newTestStore(t, clock)
	sender := &scriptedSender{script: []error{
		&send.APIError{Status: 401, Message: "token expired"},
		&send.APIError{Status: 401, Message: "still expired"},
	}}
	drainer := newDrainer(store, sender, clock)

	msg, err := store.Enqueue(ctx, outbox.EnqueueInput{
		FromUserID: "alice", ToID: "bob", ConversationID: "alice_bob", Content: "hi",
	})
	require.NoError(t, err)

	counts, err := drainer.Drain(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, outbox.Counts{Retried: 1}, counts)

	stored, err := store.Get(ctx, msg.ClientMessageID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, models.OutboxStatusPending, stored.Status)
}

func TestDrainSkipsItemsNotYetDue(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	store := newTestStore(t, clock)
	sender := &scriptedSender{}
	drainer := newDrainer(store, sender, clock)

	future, err := store.Enqueue(ctx, outbox.EnqueueInput{
		FromUserID: "alice", ToID: "bob", ConversationID: "alice_bob", Content: "later",
	})
	require.NoError(t, err)
	require.NoError(t, store.RescheduleTransient(ctx, future.ClientMessageID, 1, clock.Now().Add(time.Minute), "503"))

	counts, err := drainer.Drain(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, outbox.Counts{Skipped: 1}, counts)
	assert.Empty(t, sender.calls())
}

func TestDrainExhaustedAttemptsConvertToFailed(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	store := newTestStore(t, clock)
	sender := &scriptedSender{script: []error{errors.New("connection reset")}}
	cfg := outbox.DefaultDrainConfig()
	cfg.MaxAttempts = 3
	drainer := outbox.NewDrainer(store, sender, cfg, clock)

	msg, err := store.Enqueue(ctx, outbox.EnqueueInput{
		FromUserID: "alice", ToID: "bob", ConversationID: "alice_bob", Content: "hi",
	})
	require.NoError(t, err)
	require.NoError(t, store.RescheduleTransient(ctx, msg.ClientMessageID, 2, clock.Now(), "503"))

	counts, err := drainer.Drain(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, outbox.Counts{Failed: 1}, counts)

	stored, err := store.Get(ctx, msg.ClientMessageID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, models.OutboxStatusFailed, stored.Status)
	assert.Nil(t, stored.NextAttemptAt)
}

func TestDrainSingleFlightPerUser(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	store := newTestStore(t, clock)
	sender := &scriptedSender{block: make(chan struct{}), entered: make(chan struct{})}
	drainer := newDrainer(store, sender, clock)

	_, err := store.Enqueue(ctx, outbox.EnqueueInput{
		FromUserID: "alice", ToID: "bob", ConversationID: "alice_bob", Content: "hi",
	})
	require.NoError(t, err)

	done := make(chan outbox.Counts, 1)
	go func() {
		counts, _ := drainer.Drain(ctx, "alice")
		done <- counts
	}()

	// Wait until the first drain is inside the sender.
	<-sender.entered

	// Focus and online firing together: the overlapping drain is a no-op.
	counts, err := drainer.Drain(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, outbox.Counts{}, counts)

	close(sender.block)
	assert.Equal(t, outbox.Counts{Delivered: 1}, <-done)
	assert.Len(t, sender.calls(), 1, "no duplicate send from overlapping drains")
}
