package send_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giftswap/giftswap/go/internal/send"
)

// countingTokenSource records every Token call and its force flag.
type countingTokenSource struct {
	mu     sync.Mutex
	forces []bool
}

func (s *countingTokenSource) Token(ctx context.Context, forceRefresh bool) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forces = append(s.forces, forceRefresh)
	if forceRefresh {
		return "fresh-token", nil
	}
	return "cached-token", nil
}

func TestSendPostsIdempotentRequest(t *testing.T) {
	var gotAuth string
	var gotBody send.Request

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"success": true})
	}))
	defer server.Close()

	tokens := &countingTokenSource{}
	client := send.NewClient(server.URL, tokens)

	req := send.Request{
		ToID:            "bob",
		Content:         "hello",
		ConversationID:  "alice_bob",
		ClientMessageID: "cmid-1",
		ClientCreatedAt: time.Now().UTC(),
	}
	resp, err := client.Send(context.Background(), req, false)
	require.NoError(t, err)
	assert.True(t, resp.Success)

	assert.Equal(t, "Bearer cached-token", gotAuth)
	assert.Equal(t, "cmid-1", gotBody.ClientMessageID)
	assert.Equal(t, []bool{false}, tokens.forces)
}

func TestSendForceRefreshFetchesFreshToken(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(map[string]any{"success": true})
	}))
	defer server.Close()

	tokens := &countingTokenSource{}
	client := send.NewClient(server.URL, tokens)

	_, err := client.Send(context.Background(), send.Request{ClientMessageID: "cmid-1"}, true)
	require.NoError(t, err)
	assert.Equal(t, "Bearer fresh-token", gotAuth)
	assert.Equal(t, []bool{true}, tokens.forces)
}

func TestSendSurfacesAPIErrorWithStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{"error": "duplicate clientMessageId"})
	}))
	defer server.Close()

	client := send.NewClient(server.URL, &countingTokenSource{})

	_, err := client.Send(context.Background(), send.Request{ClientMessageID: "cmid-1"}, false)
	require.Error(t, err)

	var apiErr *send.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Equal(t, "duplicate clientMessageId", apiErr.Message)
}

func TestSendNetworkFailureIsNotAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // refuse connections

	client := send.NewClient(server.URL, &countingTokenSource{})

	_, err := client.Send(context.Background(), send.Request{ClientMessageID: "cmid-1"}, false)
	require.Error(t, err)

	var apiErr *send.APIError
	assert.False(t, errors.As(err, &apiErr))
}
