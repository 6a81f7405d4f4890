package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/giftswap/giftswap/go/internal/models"
	"github.com/giftswap/giftswap/go/internal/send"
)

// WebSocketOpenerConfig holds dial settings for the WebSocket opener.
type WebSocketOpenerConfig struct {
	URL          string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultWebSocketOpenerConfig returns default WebSocket dial settings.
func DefaultWebSocketOpenerConfig(url string) WebSocketOpenerConfig {
	return WebSocketOpenerConfig{
		URL:          url,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// WebSocketOpener opens live message streams by dialing the chat backend's
// stream endpoint, one connection per stream key.
type WebSocketOpener struct {
	config WebSocketOpenerConfig
	tokens send.TokenSource
	dialer *websocket.Dialer
}

// NewWebSocketOpener creates a WebSocket opener authenticating with tokens.
func NewWebSocketOpener(cfg WebSocketOpenerConfig, tokens send.TokenSource) *WebSocketOpener {
	return &WebSocketOpener{
		config: cfg,
		tokens: tokens,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// Open dials the stream endpoint for key and pumps decoded messages until the
// connection closes. A 401/403 handshake rejection maps to permission denied.
func (o *WebSocketOpener) Open(ctx context.Context, key string, onMessage func(models.Message), onError func(error)) (Stream, error) {
	token, err := o.tokens.Token(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain auth token: %w", err)
	}

	u, err := url.Parse(o.config.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid stream URL: %w", err)
	}
	q := u.Query()
	q.Set("key", key)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := o.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake rejected with status %d", ErrPermissionDenied, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial stream endpoint: %w", err)
	}

	ws := &wsStream{conn: conn}
	go ws.readPump(o.config.ReadTimeout, onMessage, onError)

	return ws, nil
}

type wsStream struct {
	conn *websocket.Conn
	once sync.Once
}

func (s *wsStream) readPump(readTimeout time.Duration, onMessage func(models.Message), onError func(error)) {
	defer s.Close()

	s.conn.SetReadDeadline(time.Now().Add(readTimeout))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
				onError(fmt.Errorf("%w: %v", ErrPermissionDenied, err))
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				onError(err)
			}
			return
		}

		var msg models.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Error().Err(err).Msg("failed to decode stream message")
			continue
		}
		onMessage(msg)
		s.conn.SetReadDeadline(time.Now().Add(readTimeout))
	}
}

func (s *wsStream) Close() error {
	var err error
	s.once.Do(func() {
		err = s.conn.Close()
	})
	return err
}
