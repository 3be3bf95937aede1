package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient(t *testing.T) {
	var lastAuth, lastQuery string
	var lastBody map[string]string

	mux := http.NewServeMux()
	mux.HandleFunc("/conversations", func(w http.ResponseWriter, r *http.Request) {
		lastAuth = r.Header.Get("Authorization")
		if r.Method == http.MethodPost {
			_ = json.NewDecoder(r.Body).Decode(&lastBody)
			_ = json.NewEncoder(w).Encode(Conversation{ID: 7, ParticipantAID: "alice", ParticipantBID: lastBody["otherUserId"]})
			return
		}
		_ = json.NewEncoder(w).Encode([]Conversation{{ID: 7}, {ID: 3}})
	})
	mux.HandleFunc("/conversations/7/messages", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			_ = json.NewDecoder(r.Body).Decode(&lastBody)
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(Message{ServerID: 11, CorrelationID: lastBody["correlationId"], Body: lastBody["body"]})
			return
		}
		lastQuery = r.URL.RawQuery
		_ = json.NewEncoder(w).Encode([]Message{{ServerID: 1}, {ServerID: 2}})
	})
	mux.HandleFunc("/conversations/7/read", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"upToServerId":11}`))
	})
	mux.HandleFunc("/conversations/99/messages", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":"not_found","message":"conversation not found"}}`))
	})
	mux.HandleFunc("/conversations/98/messages", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(srv.URL+"/", WithToken("alice"))
	ctx := context.Background()

	t.Run("create conversation", func(t *testing.T) {
		conv, err := c.CreateConversation(ctx, "bob")
		require.NoError(t, err)
		assert.Equal(t, int64(7), conv.ID)
		assert.Equal(t, "bob", lastBody["otherUserId"])
		assert.Equal(t, "Bearer alice", lastAuth)
	})

	t.Run("list conversations", func(t *testing.T) {
		convs, err := c.ListConversations(ctx)
		require.NoError(t, err)
		assert.Len(t, convs, 2)
	})

	t.Run("list messages sends page", func(t *testing.T) {
		msgs, err := c.ListMessages(ctx, 7, 3)
		require.NoError(t, err)
		assert.Len(t, msgs, 2)
		assert.Equal(t, "page=3", lastQuery)
	})

	t.Run("send message carries correlation id", func(t *testing.T) {
		msg, err := c.SendMessage(ctx, 7, "hello", "c1")
		require.NoError(t, err)
		assert.Equal(t, int64(11), msg.ServerID)
		assert.Equal(t, "c1", msg.CorrelationID)
		assert.Equal(t, "hello", lastBody["body"])
	})

	t.Run("mark read", func(t *testing.T) {
		upTo, err := c.MarkRead(ctx, 7)
		require.NoError(t, err)
		assert.Equal(t, int64(11), upTo)
	})

	t.Run("api error", func(t *testing.T) {
		_, err := c.ListMessages(ctx, 99, 1)
		var apiErr *APIError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, http.StatusNotFound, apiErr.Status)
		assert.Equal(t, "not_found", apiErr.Code)
	})

	t.Run("api error without body", func(t *testing.T) {
		_, err := c.ListMessages(ctx, 98, 1)
		var apiErr *APIError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, http.StatusText(http.StatusBadGateway), apiErr.Message)
	})
}
