package send

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/giftswap/giftswap/go/internal/models"
)

// TokenSource yields a bearer token for the delivery endpoint. forceRefresh
// asks the session layer to mint a fresh token instead of a cached one.
type TokenSource interface {
	Token(ctx context.Context, forceRefresh bool) (string, error)
}

// Request is the wire body of a delivery attempt. ClientMessageID is the
// idempotency key; the server treats a resend with the same key as a no-op
// duplicate.
type Request struct {
	ToID            string    `json:"toId"`
	Content         string    `json:"content"`
	ConversationID  string    `json:"conversationId"`
	ClientMessageID string    `json:"clientMessageId"`
	ClientCreatedAt time.Time `json:"clientCreatedAt"`
}

// Response is the 2xx body of a delivery attempt.
type Response struct {
	Success bool            `json:"success"`
	Message *models.Message `json:"message,omitempty"`
}

// APIError is a non-2xx response from the send endpoint. Its status code
// drives drain classification.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("send endpoint returned status %d: %s", e.Status, e.Message)
}

// Client posts outbound messages to the delivery endpoint.
type Client struct {
	endpoint string
	tokens   TokenSource
	client   *http.Client
}

// NewClient creates a delivery client for the given endpoint URL.
func NewClient(endpoint string, tokens TokenSource) *Client {
	return &Client{
		endpoint: endpoint,
		tokens:   tokens,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Send delivers one message. A nil error means the server confirmed the
// message. A *APIError carries the HTTP status for classification; any other
// error is network-level.
func (c *Client) Send(ctx context.Context, req Request, forceRefresh bool) (*Response, error) {
	token, err := c.tokens.Token(ctx, forceRefresh)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain auth token: %w", err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal send request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create send request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to reach send endpoint: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read send response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errBody struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &errBody)
		return nil, &APIError{Status: resp.StatusCode, Message: errBody.Error}
	}

	var out Response
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("failed to decode send response: %w", err)
	}
	return &out, nil
}
