package diag

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/giftswap/giftswap/go/internal/outbox"
	"github.com/giftswap/giftswap/go/internal/stream"
	"github.com/giftswap/giftswap/go/internal/unread"
)

// Snapshot is the diagnostics view served to the local UI.
type Snapshot struct {
	OutboxPending int            `json:"outbox_pending"`
	OutboxFailed  int            `json:"outbox_failed"`
	Stream        stream.Stats   `json:"stream"`
	Unread        map[string]int `json:"unread"`
}

// Handler serves a JSON snapshot of the messaging layer's internal state.
type Handler struct {
	store      *outbox.Store
	registry   *stream.Registry
	counter    *unread.Counter
	fromUserID string
}

// NewHandler creates a diagnostics handler.
func NewHandler(store *outbox.Store, registry *stream.Registry, counter *unread.Counter, fromUserID string) *Handler {
	return &Handler{
		store:      store,
		registry:   registry,
		counter:    counter,
		fromUserID: fromUserID,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	pending, err := h.store.PendingCount(ctx, h.fromUserID)
	if err != nil {
		log.Error().Err(err).Msg("failed to count pending outbox items")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	failed, err := h.store.FailedCount(ctx, h.fromUserID)
	if err != nil {
		log.Error().Err(err).Msg("failed to count failed outbox items")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	snapshot := Snapshot{
		OutboxPending: pending,
		OutboxFailed:  failed,
		Stream:        h.registry.Stats(),
		Unread:        h.counter.Counts(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snapshot); err != nil {
		log.Error().Err(err).Msg("failed to encode diagnostics snapshot")
	}
}
