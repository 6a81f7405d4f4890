package driver

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/giftswap/giftswap/go/internal/outbox"
)

// Event is a platform transition that should trigger a drain.
type Event string

const (
	EventFocus   Event = "focus"
	EventOnline  Event = "online"
	EventVisible Event = "visible"
)

// EventSource delivers platform events to the driver. Tests and embedders
// trigger drains through a ChannelEventSource instead of synthesizing
// platform events.
type EventSource interface {
	Events() <-chan Event
}

// ChannelEventSource is a buffered, manually triggered EventSource.
type ChannelEventSource struct {
	ch chan Event
}

// NewChannelEventSource creates an event source with a small buffer.
func NewChannelEventSource() *ChannelEventSource {
	return &ChannelEventSource{ch: make(chan Event, 16)}
}

// Trigger enqueues an event without blocking; when the buffer is full the
// event is dropped (a drain is already due).
func (s *ChannelEventSource) Trigger(e Event) {
	select {
	case s.ch <- e:
	default:
	}
}

// Events returns the event channel.
func (s *ChannelEventSource) Events() <-chan Event {
	return s.ch
}

// Config holds driver scheduling settings.
type Config struct {
	DrainInterval time.Duration
	SweepInterval time.Duration
}

// DefaultConfig returns the default driver schedule.
func DefaultConfig() Config {
	return Config{
		DrainInterval: 30 * time.Second,
		SweepInterval: 24 * time.Hour,
	}
}

// Driver triggers outbox drains on start, on a fixed interval and on platform
// events, plus a periodic stale-item sweep. Drain failures are logged, never
// propagated; the loop must survive them.
type Driver struct {
	drainer    *outbox.Drainer
	store      *outbox.Store
	fromUserID string
	events     EventSource
	config     Config
	clock      clockwork.Clock
}

// New creates a runtime driver for one user's outbox.
func New(drainer *outbox.Drainer, store *outbox.Store, fromUserID string, events EventSource, cfg Config, clock clockwork.Clock) *Driver {
	return &Driver{
		drainer:    drainer,
		store:      store,
		fromUserID: fromUserID,
		events:     events,
		config:     cfg,
		clock:      clock,
	}
}

// Run drives drains until ctx is cancelled.
func (d *Driver) Run(ctx context.Context) {
	log.Info().
		Str("from_user_id", d.fromUserID).
		Dur("drain_interval", d.config.DrainInterval).
		Msg("runtime driver started")

	// Drain and sweep immediately on start.
	d.drain(ctx, "start")
	d.sweep(ctx)

	drainTicker := d.clock.NewTicker(d.config.DrainInterval)
	defer drainTicker.Stop()
	sweepTicker := d.clock.NewTicker(d.config.SweepInterval)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("from_user_id", d.fromUserID).Msg("runtime driver stopped")
			return
		case <-drainTicker.Chan():
			d.drain(ctx, "interval")
		case e := <-d.events.Events():
			d.drain(ctx, string(e))
		case <-sweepTicker.Chan():
			d.sweep(ctx)
		}
	}
}

func (d *Driver) drain(ctx context.Context, trigger string) {
	counts, err := d.drainer.Drain(ctx, d.fromUserID)
	if err != nil {
		log.Error().Err(err).
			Str("from_user_id", d.fromUserID).
			Str("trigger", trigger).
			Msg("drain pass failed")
		return
	}
	if counts != (outbox.Counts{}) {
		log.Debug().
			Str("trigger", trigger).
			Int("delivered", counts.Delivered).
			Msg("drain pass completed")
	}
}

func (d *Driver) sweep(ctx context.Context) {
	removed, err := d.store.ClearDeliveredOrExpired(ctx, d.fromUserID)
	if err != nil {
		log.Error().Err(err).Str("from_user_id", d.fromUserID).Msg("stale outbox sweep failed")
		return
	}
	if removed > 0 {
		log.Info().
			Str("from_user_id", d.fromUserID).
			Int64("removed", removed).
			Msg("cleared stale outbox items")
	}
}
