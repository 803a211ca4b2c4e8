package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifications(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "GET", r.Method)
		assert.Equal(t, "/api/notifications", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"notifications":[
			{"id":"n1","type":"drift_detected","title":"Drift detected","read":false},
			{"id":"n2","type":"job_complete","title":"Documentation updated","read":true}
		]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "test-token")
	notifications, err := c.Notifications(context.Background())
	require.NoError(t, err)

	require.Len(t, notifications, 2)
	assert.Equal(t, "n1", notifications[0].ID)
	assert.False(t, notifications[0].Read)
	assert.True(t, notifications[1].Read)
}

func TestChatComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/api/chat/complete", r.URL.Path)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"c1","session_id":"sess-1","content":"Deploy with the release workflow."}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "test-token")
	completion, err := c.ChatComplete(context.Background(), "sess-1", "how do I deploy?")
	require.NoError(t, err)

	assert.Equal(t, "sess-1", completion.SessionID)
	assert.Equal(t, "Deploy with the release workflow.", completion.Content)
}

func TestMarkNotificationRead(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/api/notifications/n%201/read", r.URL.EscapedPath())
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := New(srv.URL, "test-token")
	require.NoError(t, c.MarkNotificationRead(context.Background(), "n 1"))
}

func TestErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid token"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "bad-token")
	_, err := c.Notifications(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid token")
	assert.Contains(t, err.Error(), "401")
}

func TestErrorResponseWithoutBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, "test-token")
	_, err := c.Notifications(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}
