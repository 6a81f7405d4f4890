package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/giftswap/giftswap/go/internal/models"
)

// ErrPermissionDenied is reported by openers when the backing store rejects
// the subscription, typically because a fresh token has not propagated yet.
// The registry treats it as "auth not ready", not as a fatal error.
var ErrPermissionDenied = errors.New("stream permission denied")

// IsPermissionDenied reports whether err is a permission-denied condition.
func IsPermissionDenied(err error) bool {
	return errors.Is(err, ErrPermissionDenied)
}

// AuthState is the session state gating live subscriptions.
type AuthState string

const (
	AuthLoading   AuthState = "loading"
	AuthSignedOut AuthState = "signed_out"
	AuthReady     AuthState = "ready"
)

// Stream is one live underlying subscription. Close must be safe to call
// more than once.
type Stream interface {
	Close() error
}

// Opener creates the underlying transport stream for a key. Open must not
// invoke the callbacks before returning; after that they may fire from any
// goroutine.
type Opener interface {
	Open(ctx context.Context, key string, onMessage func(models.Message), onError func(error)) (Stream, error)
}

// Subscription is one consumer's handle on a shared stream. Release is
// idempotent; the last release tears down the underlying stream.
type Subscription struct {
	id       uuid.UUID
	key      string
	ch       chan models.Message
	registry *Registry
	once     sync.Once
}

// Messages returns the channel this consumer receives live messages on.
func (s *Subscription) Messages() <-chan models.Message {
	return s.ch
}

// Release detaches this consumer. Safe to call multiple times.
func (s *Subscription) Release() {
	s.once.Do(func() {
		s.registry.release(s)
	})
}

// Stats counts underlying stream lifecycle events. Every create must have a
// matching destroy once the last consumer detaches; a growing gap indicates
// a leak.
type Stats struct {
	Created   int `json:"created"`
	Destroyed int `json:"destroyed"`
	Active    int `json:"active"`
}

// Registry manages exactly one underlying live stream per key, shared by all
// concurrent consumers via reference counting, and gated by auth state.
type Registry struct {
	opener Opener

	mu        sync.Mutex
	auth      AuthState
	streams   map[string]*managedStream
	created   int
	destroyed int
}

type managedStream struct {
	key       string
	refs      int
	consumers map[*Subscription]struct{}
	live      Stream
	// deferred is set after a permission-denied failure; the stream is not
	// reopened until the next auth-state transition.
	deferred bool
}

// NewRegistry creates a registry over the given opener. Auth starts in the
// loading state, so no streams are opened until SetAuthState(AuthReady).
func NewRegistry(opener Opener) *Registry {
	return &Registry{
		opener:  opener,
		auth:    AuthLoading,
		streams: make(map[string]*managedStream),
	}
}

// Acquire attaches a consumer to the shared stream for key, creating the
// underlying stream if this is the first consumer and auth is ready.
func (r *Registry) Acquire(key string) *Subscription {
	sub := &Subscription{
		id:       uuid.New(),
		key:      key,
		ch:       make(chan models.Message, 256),
		registry: r,
	}

	r.mu.Lock()
	ms, ok := r.streams[key]
	if !ok {
		ms = &managedStream{
			key:       key,
			consumers: make(map[*Subscription]struct{}),
		}
		r.streams[key] = ms
	}
	ms.refs++
	ms.consumers[sub] = struct{}{}
	refs := ms.refs
	needOpen := r.auth == AuthReady && ms.live == nil && !ms.deferred
	r.mu.Unlock()

	log.Debug().
		Str("stream_key", key).
		Str("subscription_id", sub.id.String()).
		Int("refs", refs).
		Msg("stream consumer attached")

	if needOpen {
		r.openStream(key)
	}

	return sub
}

// SetAuthState applies an auth transition. Entering AuthReady opens streams
// that have waiting consumers (including ones deferred by a previous
// permission-denied failure); leaving it tears down all live streams.
func (r *Registry) SetAuthState(state AuthState) {
	r.mu.Lock()
	prev := r.auth
	r.auth = state

	var toOpen []string
	for key, ms := range r.streams {
		// Any transition resets the permission-denied deferral.
		ms.deferred = false
		if state == AuthReady {
			if ms.live == nil && ms.refs > 0 {
				toOpen = append(toOpen, key)
			}
		} else {
			r.closeLiveLocked(ms)
		}
	}
	r.mu.Unlock()

	log.Info().
		Str("from", string(prev)).
		Str("to", string(state)).
		Msg("stream auth state changed")

	for _, key := range toOpen {
		r.openStream(key)
	}
}

// openStream opens the underlying stream for key if it is still wanted.
func (r *Registry) openStream(key string) {
	live, err := r.opener.Open(
		context.Background(),
		key,
		func(msg models.Message) { r.dispatch(key, msg) },
		func(err error) { r.handleStreamError(key, err) },
	)

	r.mu.Lock()
	defer r.mu.Unlock()

	ms, ok := r.streams[key]
	if err != nil {
		if IsPermissionDenied(err) {
			if ok {
				ms.deferred = true
			}
			log.Warn().Str("stream_key", key).
				Msg("stream open denied, waiting for next auth transition")
			return
		}
		log.Error().Err(err).Str("stream_key", key).Msg("failed to open stream")
		return
	}

	if !ok || ms.refs == 0 || r.auth != AuthReady {
		// Everyone left (or auth flipped) while the open was in flight.
		_ = live.Close()
		return
	}
	if ms.live != nil {
		_ = live.Close()
		return
	}

	ms.live = live
	r.created++
	log.Info().Str("stream_key", key).Int("refs", ms.refs).Msg("stream created")
}

// dispatch fans one message out to all consumers of key. A consumer with a
// full buffer has the message dropped rather than blocking the stream.
func (r *Registry) dispatch(key string, msg models.Message) {
	r.mu.Lock()
	ms, ok := r.streams[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	targets := make([]*Subscription, 0, len(ms.consumers))
	for sub := range ms.consumers {
		targets = append(targets, sub)
	}
	r.mu.Unlock()

	for _, sub := range targets {
		select {
		case sub.ch <- msg:
		default:
			log.Warn().
				Str("stream_key", key).
				Str("subscription_id", sub.id.String()).
				Msg("consumer buffer full, dropping message")
		}
	}
}

// handleStreamError reacts to an error reported by a live stream.
func (r *Registry) handleStreamError(key string, err error) {
	if !IsPermissionDenied(err) {
		log.Error().Err(err).Str("stream_key", key).Msg("stream error")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ms, ok := r.streams[key]
	if !ok {
		return
	}
	r.closeLiveLocked(ms)
	ms.deferred = true
	log.Warn().Str("stream_key", key).
		Msg("stream permission denied, treating as auth not ready")
}

// release detaches one consumer; the last one out destroys the stream.
func (r *Registry) release(sub *Subscription) {
	r.mu.Lock()
	ms, ok := r.streams[sub.key]
	if !ok {
		r.mu.Unlock()
		return
	}
	if _, attached := ms.consumers[sub]; !attached {
		r.mu.Unlock()
		return
	}
	delete(ms.consumers, sub)
	ms.refs--
	refs := ms.refs
	if ms.refs == 0 {
		r.closeLiveLocked(ms)
		delete(r.streams, sub.key)
	}
	r.mu.Unlock()

	log.Debug().
		Str("stream_key", sub.key).
		Str("subscription_id", sub.id.String()).
		Int("refs", refs).
		Msg("stream consumer detached")
}

// closeLiveLocked closes a managed stream's underlying stream if open.
// Caller holds r.mu.
func (r *Registry) closeLiveLocked(ms *managedStream) {
	if ms.live == nil {
		return
	}
	if err := ms.live.Close(); err != nil {
		log.Error().Err(err).Str("stream_key", ms.key).Msg("failed to close stream")
	}
	ms.live = nil
	r.destroyed++
	log.Info().Str("stream_key", ms.key).Msg("stream destroyed")
}

// Stats returns lifecycle counters for leak diagnosis.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	active := 0
	for _, ms := range r.streams {
		if ms.live != nil {
			active++
		}
	}
	return Stats{Created: r.created, Destroyed: r.destroyed, Active: active}
}

// UserMessagesKey is the logical stream key for all messages touching a user.
func UserMessagesKey(userID string) string {
	return fmt.Sprintf("messages.%s", userID)
}
