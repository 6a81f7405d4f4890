package watermark

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// DebounceWindow is the quiet period after the last Update call before the
// durable write fires (trailing-edge debounce).
const DebounceWindow = 2 * time.Second

// Store is the durable backing for read watermarks.
type Store interface {
	Get(ctx context.Context, userID, conversationID string) (time.Time, bool, error)
	Upsert(ctx context.Context, userID, conversationID string, lastReadAt time.Time) error
}

type key struct {
	userID         string
	conversationID string
}

type pendingWrite struct {
	timer  clockwork.Timer
	gen    uint64
	at     time.Time
	cancel chan struct{}
}

// Synchronizer debounces read-watermark writes and caches reads. Repeated
// Update calls for the same pair within the debounce window collapse into a
// single durable write of the latest "now"; a later call resets the window.
type Synchronizer struct {
	store Store
	clock clockwork.Clock

	// OnFlush, if set before first use, is invoked after a durable write
	// lands. The unread counter hooks in here so watermark changes never
	// touch the live subscription.
	OnFlush func(userID, conversationID string, lastReadAt time.Time)

	mu      sync.Mutex
	cache   map[key]time.Time
	pending map[key]*pendingWrite
	gen     uint64
}

// NewSynchronizer creates a synchronizer over the given store and clock.
func NewSynchronizer(store Store, clock clockwork.Clock) *Synchronizer {
	return &Synchronizer{
		store:   store,
		clock:   clock,
		cache:   make(map[key]time.Time),
		pending: make(map[key]*pendingWrite),
	}
}

// Update marks the conversation read "now". The cache reflects the new value
// immediately; the durable write fires once the pair has been quiet for the
// debounce window. Missing ids are ignored.
func (s *Synchronizer) Update(userID, conversationID string) {
	if userID == "" || conversationID == "" {
		return
	}

	k := key{userID, conversationID}
	now := s.clock.Now()

	s.mu.Lock()
	s.cache[k] = now

	if prev, ok := s.pending[k]; ok {
		cancelWrite(prev)
	}

	s.gen++
	p := &pendingWrite{
		timer:  s.clock.NewTimer(DebounceWindow),
		gen:    s.gen,
		at:     now,
		cancel: make(chan struct{}),
	}
	s.pending[k] = p
	s.mu.Unlock()

	go s.await(k, p)
}

// await blocks until the debounce timer fires, then performs the durable
// write if this write is still the current one for the pair.
func (s *Synchronizer) await(k key, p *pendingWrite) {
	select {
	case <-p.timer.Chan():
	case <-p.cancel:
		return
	}

	s.mu.Lock()
	current, ok := s.pending[k]
	if !ok || current.gen != p.gen {
		// Superseded by a later Update or cancelled by Clear.
		s.mu.Unlock()
		return
	}
	delete(s.pending, k)
	s.mu.Unlock()

	if err := s.store.Upsert(context.Background(), k.userID, k.conversationID, p.at); err != nil {
		log.Error().Err(err).
			Str("user_id", k.userID).
			Str("conversation_id", k.conversationID).
			Msg("failed to persist read watermark")
		return
	}

	log.Debug().
		Str("user_id", k.userID).
		Str("conversation_id", k.conversationID).
		Time("last_read_at", p.at).
		Msg("read watermark persisted")

	if s.OnFlush != nil {
		s.OnFlush(k.userID, k.conversationID, p.at)
	}
}

// Read returns the watermark for the pair: the cached value if present,
// otherwise a durable fetch whose result is cached. A missing record or
// missing ids yield the zero time (never read), the latter without any I/O.
func (s *Synchronizer) Read(ctx context.Context, userID, conversationID string) (time.Time, error) {
	if userID == "" || conversationID == "" {
		return time.Time{}, nil
	}

	k := key{userID, conversationID}

	s.mu.Lock()
	if t, ok := s.cache[k]; ok {
		s.mu.Unlock()
		return t, nil
	}
	s.mu.Unlock()

	t, found, err := s.store.Get(ctx, userID, conversationID)
	if err != nil {
		return time.Time{}, err
	}
	if !found {
		t = time.Time{}
	}

	s.mu.Lock()
	// A concurrent Update wins over the fetched value.
	if cached, ok := s.cache[k]; ok {
		t = cached
	} else {
		s.cache[k] = t
	}
	s.mu.Unlock()

	return t, nil
}

// Clear empties the cache and cancels all pending debounce timers. No stale
// write fires after Clear returns.
func (s *Synchronizer) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, p := range s.pending {
		cancelWrite(p)
		delete(s.pending, k)
	}
	s.cache = make(map[key]time.Time)
}

// cancelWrite stops a pending write's timer and releases its awaiting
// goroutine. Follows the stop-then-drain pattern from time.Timer.Stop docs.
func cancelWrite(p *pendingWrite) {
	if !p.timer.Stop() {
		select {
		case <-p.timer.Chan():
		default:
		}
	}
	close(p.cancel)
}
