package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josedab/docsynth-realtime/internal/config"
	"github.com/josedab/docsynth-realtime/internal/conn"
	"github.com/josedab/docsynth-realtime/pkg/wire"
)

func testAgent(t *testing.T, backendURL string) *Agent {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Backend.BaseURL = backendURL
	cfg.Backend.AuthToken = "test-token"
	cfg.State.DataDir = t.TempDir()
	cfg.Server.Enabled = false

	a, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		a.conn.Disconnect()
		a.feed.Close()
		a.router.Shutdown()
		a.state.Close()
	})
	return a
}

func TestPushedFramesBecomeNotifications(t *testing.T) {
	a := testAgent(t, "http://127.0.0.1:1")
	go a.consumeNotifications()

	data, _ := json.Marshal(wire.EventPayload{
		ID:         "n1",
		Repository: "api-gateway",
		Message:    "Schema drift in openapi.yaml",
	})
	a.router.Dispatch(&wire.Frame{Type: wire.EventDriftDetected, Data: data})

	require.Eventually(t, func() bool { return a.Notifications().Len() == 1 },
		2*time.Second, 10*time.Millisecond)

	n := a.Notifications().List()[0]
	assert.Equal(t, wire.NotificationDriftDetected, n.Type)
	assert.Equal(t, 1, a.Notifications().Unread())
}

func TestHydrationFailureIsSwallowed(t *testing.T) {
	// Backend is unreachable; hydration must not disturb local state
	a := testAgent(t, "http://127.0.0.1:1")

	a.Notifications().Add(wire.Notification{ID: "local-1", Type: wire.NotificationInfo})
	a.hydrateNotifications(context.Background())

	assert.Equal(t, 1, a.Notifications().Len())
	assert.Equal(t, "local-1", a.Notifications().List()[0].ID)
}

func TestHydrationMergesHistory(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"notifications":[
			{"id":"n1","type":"job_complete","title":"Documentation updated","read":true,"timestamp":"2026-08-30T10:00:00Z"},
			{"id":"n2","type":"drift_detected","title":"Drift detected","read":false,"timestamp":"2026-08-30T11:00:00Z"}
		]}`))
	}))
	defer backend.Close()

	a := testAgent(t, backend.URL)
	a.hydrateNotifications(context.Background())

	require.Equal(t, 2, a.Notifications().Len())
	assert.Equal(t, 1, a.Notifications().Unread())
	assert.Equal(t, "n2", a.Notifications().List()[0].ID, "newest first")
}

func TestHTTPSurface(t *testing.T) {
	a := testAgent(t, "http://127.0.0.1:1")

	a.Notifications().Add(wire.Notification{ID: "n1", Type: wire.NotificationInfo, Title: "hello"})

	srv := httptest.NewServer(a.routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/notifications")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Notifications []wire.Notification `json:"notifications"`
		Unread        int                 `json:"unread"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Notifications, 1)
	assert.Equal(t, 1, body.Unread)

	req, _ := http.NewRequest("POST", srv.URL+"/api/notifications/n1/read", nil)
	markResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	markResp.Body.Close()
	assert.Equal(t, http.StatusNoContent, markResp.StatusCode)
	assert.Equal(t, 0, a.Notifications().Unread())

	req, _ = http.NewRequest("DELETE", srv.URL+"/api/notifications", nil)
	clearResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	clearResp.Body.Close()
	assert.Equal(t, 0, a.Notifications().Len())
}

func TestMarkReadPropagatesToBackend(t *testing.T) {
	marked := make(chan string, 1)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "POST" && r.URL.Path == "/api/notifications/n1/read" {
			marked <- r.Header.Get("Authorization")
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer backend.Close()

	a := testAgent(t, backend.URL)
	a.Notifications().Add(wire.Notification{ID: "n1", Type: wire.NotificationInfo})

	srv := httptest.NewServer(a.routes())
	defer srv.Close()

	req, _ := http.NewRequest("POST", srv.URL+"/api/notifications/n1/read", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, 0, a.Notifications().Unread())

	select {
	case auth := <-marked:
		assert.Equal(t, "Bearer test-token", auth)
	case <-time.After(2 * time.Second):
		t.Fatal("read state never reached the backend")
	}
}

func TestStatusEndpoint(t *testing.T) {
	a := testAgent(t, "http://127.0.0.1:1")

	srv := httptest.NewServer(a.routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Connection string `json:"connection"`
		Unread     int    `json:"unread"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, string(conn.StateDisconnected), body.Connection)
}

func TestStreamURL(t *testing.T) {
	assert.Equal(t, "ws://api.docsynth.dev/ws", streamURL("http://api.docsynth.dev", "/ws"))
	assert.Equal(t, "wss://api.docsynth.dev/ws", streamURL("https://api.docsynth.dev", "/ws"))
	assert.Equal(t, "wss://api.docsynth.dev/realtime", streamURL("https://api.docsynth.dev/", "/realtime"))
	assert.Equal(t, "wss://api.docsynth.dev/ws", streamURL("https://api.docsynth.dev", ""))
}
