package api

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/quantumlife/pulse/internal/core"
	"github.com/quantumlife/pulse/internal/notifications"
)

func startHub(t *testing.T) (*WebSocketHub, string) {
	t.Helper()
	hub := NewWebSocketHub()
	go hub.Run()
	ts := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		ts.Close()
	})
	return hub, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, hub *WebSocketHub, url string) *websocket.Conn {
	t.Helper()
	before := hub.ClientCount()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return hub.ClientCount() == before+1 },
		time.Second, 5*time.Millisecond)
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) (string, json.RawMessage) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	return msg.Type, msg.Data
}

func TestWebSocketHub_Broadcast(t *testing.T) {
	hub, url := startHub(t)
	a := dial(t, hub, url)
	b := dial(t, hub, url)

	require.NoError(t, hub.Broadcast(WebSocketMessage{Type: "conversation.signals", Data: map[string]int{"n": 3}}))

	for _, conn := range []*websocket.Conn{a, b} {
		typ, data := readMessage(t, conn)
		assert.Equal(t, "conversation.signals", typ)
		assert.JSONEq(t, `{"n":3}`, string(data))
	}

	a.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestWebSocketHub_CloseReleasesClients(t *testing.T) {
	ignore := goleak.IgnoreCurrent()

	hub := NewWebSocketHub()
	go hub.Run()
	ts := httptest.NewServer(hub)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	hub.Close()
	assert.Equal(t, 0, hub.ClientCount())

	// The server side closed the connection
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)

	conn.Close()
	ts.Close()
	goleak.VerifyNone(t, ignore)
}

func TestWebSocketHub_NoClients(t *testing.T) {
	hub := NewWebSocketHub()
	go hub.Run()
	defer hub.Close()

	// Nothing listening is not an error
	assert.NoError(t, hub.Broadcast(WebSocketMessage{Type: "test", Data: "data"}))
}

func TestWebSocketHub_Closed(t *testing.T) {
	hub := NewWebSocketHub()
	go hub.Run()
	hub.Close()
	hub.Close()

	assert.ErrorIs(t, hub.Broadcast(WebSocketMessage{Type: "test"}), core.ErrServiceClosed)
	assert.ErrorIs(t, hub.Send(notifications.Notification{}), core.ErrServiceClosed)
}

func TestWebSocketHub_DeliversNotifications(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, hub, url)

	svc := notifications.NewService(nil)
	svc.Subscribe(hub)
	require.NoError(t, svc.PushNotification(context.Background(), core.Notification{
		ConversationID: "c1",
		Title:          "Conflict rising",
		Urgency:        core.UrgencyHigh,
	}))

	typ, data := readMessage(t, conn)
	assert.Equal(t, "notification", typ)

	var n notifications.Notification
	require.NoError(t, json.Unmarshal(data, &n))
	assert.Equal(t, "Conflict rising", n.Title)
	assert.Equal(t, core.UrgencyHigh, n.Urgency)
}

func TestMessenger(t *testing.T) {
	hub, url := startHub(t)
	m := NewMessenger(hub)
	ctx := context.Background()

	assert.ErrorIs(t, m.SendReply(ctx, "c1", "hi", 0), ErrNoClients)

	conn := dial(t, hub, url)

	tests := []struct {
		name string
		send func() error
		typ  string
		want string
	}{
		{"reply", func() error { return m.SendReply(ctx, "c1", "on my way", 5) }, "action.reply",
			`{"conversation_id":"c1","text":"on my way","delay_seconds":5}`},
		{"forward", func() error { return m.ForwardMessage(ctx, "c1", "m1", "sam", "") }, "action.forward",
			`{"conversation_id":"c1","message_id":"m1","to":"sam"}`},
		{"label", func() error { return m.ApplyLabel(ctx, "c1", "work") }, "action.label",
			`{"conversation_id":"c1","label":"work"}`},
		{"archive", func() error { return m.ArchiveConversation(ctx, "c1") }, "action.archive",
			`{"conversation_id":"c1"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, tt.send())
			typ, data := readMessage(t, conn)
			assert.Equal(t, tt.typ, typ)
			assert.JSONEq(t, tt.want, string(data))
		})
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, m.ApplyLabel(cancelled, "c1", "x"), context.Canceled)
}

func TestOriginAllowed(t *testing.T) {
	tests := []struct {
		name     string
		patterns []string
		origin   string
		want     bool
	}{
		{"no patterns", nil, "http://evil.example", true},
		{"star", []string{"*"}, "http://evil.example", true},
		{"exact", []string{"https://app.example"}, "https://app.example", true},
		{"port wildcard", []string{"http://localhost:*"}, "http://localhost:5173", true},
		{"wildcard mismatch", []string{"http://localhost:*"}, "http://example.com:80", false},
		{"no origin header", []string{"https://app.example"}, "", true},
		{"not listed", []string{"https://app.example"}, "https://other.example", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, originAllowed(tt.patterns, tt.origin))
		})
	}
}
