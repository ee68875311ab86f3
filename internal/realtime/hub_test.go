package realtime

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialHub(t *testing.T, hub *Hub, room string) *websocket.Conn {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, hub.Serve(w, r, room))
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitConnected(t *testing.T, hub *Hub, room string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !hub.IsConnected(room) {
		if time.Now().After(deadline) {
			t.Fatalf("room %s never connected", room)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubSend(t *testing.T) {
	hub := NewHub(slog.New(slog.DiscardHandler))
	room := Room("env-1", "sub-1")

	conn := dialHub(t, hub, room)
	waitConnected(t, hub, room)

	require.NoError(t, hub.Send(room, EventUnseen, map[string]int{"count": 3}))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)

	var envelope struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(frame, &envelope))
	assert.Equal(t, EventUnseen, envelope.Event)
	assert.JSONEq(t, `{"count":3}`, string(envelope.Data))
}

func TestHubSendWithoutConnection(t *testing.T) {
	hub := NewHub(slog.New(slog.DiscardHandler))

	err := hub.Send(Room("env-1", "sub-absent"), EventUnread, nil)
	assert.Error(t, err)
}

func TestHubDisconnectEmptiesRoom(t *testing.T) {
	hub := NewHub(slog.New(slog.DiscardHandler))
	room := Room("env-1", "sub-1")

	conn := dialHub(t, hub, room)
	waitConnected(t, hub, room)

	conn.Close()

	deadline := time.Now().Add(time.Second)
	for hub.IsConnected(room) {
		if time.Now().After(deadline) {
			t.Fatal("room still connected after close")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
