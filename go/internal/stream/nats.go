package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/giftswap/giftswap/go/internal/models"
)

// NATSOpenerConfig holds connection settings for the NATS opener.
type NATSOpenerConfig struct {
	URL           string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultNATSOpenerConfig returns default NATS connection settings.
func DefaultNATSOpenerConfig() NATSOpenerConfig {
	return NATSOpenerConfig{
		URL:           nats.DefaultURL,
		SubjectPrefix: "giftswap.messages",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
	}
}

// NATSOpener opens live message streams over a shared NATS connection. The
// server publishes each message on a per-user subject, already filtered by
// participant.
type NATSOpener struct {
	nc     *nats.Conn
	config NATSOpenerConfig

	mu       sync.Mutex
	onErrors map[string]func(error)
}

// NewNATSOpener connects to NATS and returns an opener.
func NewNATSOpener(cfg NATSOpenerConfig) (*NATSOpener, error) {
	o := &NATSOpener{
		config:   cfg,
		onErrors: make(map[string]func(error)),
	}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			o.routeAsyncError(sub, err)
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	o.nc = nc

	return o, nil
}

// Open subscribes to the subject for key and decodes messages as they arrive.
func (o *NATSOpener) Open(ctx context.Context, key string, onMessage func(models.Message), onError func(error)) (Stream, error) {
	subject := fmt.Sprintf("%s.%s", o.config.SubjectPrefix, key)

	sub, err := o.nc.Subscribe(subject, func(m *nats.Msg) {
		var msg models.Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			log.Error().Err(err).Str("subject", subject).Msg("failed to decode stream message")
			return
		}
		onMessage(msg)
	})
	if err != nil {
		if isNATSPermissionError(err) {
			return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		return nil, fmt.Errorf("subscribe to %s: %w", subject, err)
	}

	o.mu.Lock()
	o.onErrors[subject] = onError
	o.mu.Unlock()

	return &natsStream{opener: o, subject: subject, sub: sub}, nil
}

// routeAsyncError forwards a connection-level async error to the stream it
// belongs to. Server-side permission violations arrive this way.
func (o *NATSOpener) routeAsyncError(sub *nats.Subscription, err error) {
	if sub == nil {
		log.Error().Err(err).Msg("NATS error")
		return
	}

	o.mu.Lock()
	onError := o.onErrors[sub.Subject]
	o.mu.Unlock()

	if onError == nil {
		log.Error().Err(err).Str("subject", sub.Subject).Msg("NATS error on unknown subject")
		return
	}

	if isNATSPermissionError(err) {
		onError(fmt.Errorf("%w: %v", ErrPermissionDenied, err))
		return
	}
	onError(err)
}

// Close tears down the shared connection.
func (o *NATSOpener) Close() {
	o.nc.Close()
}

func isNATSPermissionError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "permissions violation") ||
		strings.Contains(strings.ToLower(err.Error()), "authorization violation")
}

type natsStream struct {
	opener  *NATSOpener
	subject string
	sub     *nats.Subscription
	once    sync.Once
}

func (s *natsStream) Close() error {
	var err error
	s.once.Do(func() {
		s.opener.mu.Lock()
		delete(s.opener.onErrors, s.subject)
		s.opener.mu.Unlock()
		err = s.sub.Unsubscribe()
	})
	return err
}
