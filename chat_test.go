package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"realtime-chat/internal/config"
	"realtime-chat/internal/socket"
)

func newChatServer(t *testing.T, token string) (*httptest.Server, *socket.Service) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := socket.NewService("/ws", socket.WithLogger(logger))
	NewChatManager(svc, token, logger)

	router := socket.NewRouter(nil, logger)
	require.NoError(t, router.Handle(svc))
	router.SetNext(newAPI(svc))

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = router.Shutdown(ctx)
	})
	return srv, svc
}

func connect(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestChat_Conversation(t *testing.T) {
	srv, svc := newChatServer(t, "")

	alice := connect(t, srv, "")
	require.Eventually(t, func() bool { return svc.Len() == 1 }, time.Second, 5*time.Millisecond)

	bob := connect(t, srv, "")
	assert.Equal(t, Message{Content: joinedNotice}, readMessage(t, alice), "existing clients hear about joins")

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("hello")))

	fromAlice := readMessage(t, bob)
	assert.Equal(t, "hello", fromAlice.Content)
	require.NotEmpty(t, fromAlice.Sender)
	assert.Equal(t, fromAlice, readMessage(t, alice), "relay includes the sender")
	aliceID := fromAlice.Sender

	require.NoError(t, bob.WriteJSON(Message{Recipient: aliceID, Content: "psst"}))
	direct := readMessage(t, alice)
	assert.Equal(t, aliceID, direct.Recipient)
	assert.Equal(t, "psst", direct.Content)
	assert.NotEqual(t, aliceID, direct.Sender)

	require.NoError(t, bob.WriteJSON(Message{Recipient: "nobody", Content: "hi"}))
	assert.Equal(t, Message{Content: "recipient not found: nobody"}, readMessage(t, bob))

	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	require.NoError(t, bob.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second)))

	assert.Equal(t, Message{Content: leftNotice}, readMessage(t, alice))
	require.Eventually(t, func() bool { return svc.Len() == 1 }, time.Second, 5*time.Millisecond)
}

func TestChat_Token(t *testing.T) {
	srv, svc := newChatServer(t, "secret")

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=guess"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	connect(t, srv, "?token=secret")
	require.Eventually(t, func() bool { return svc.Len() == 1 }, time.Second, 5*time.Millisecond)
}

func TestAPI_HealthAndStats(t *testing.T) {
	srv, svc := newChatServer(t, "")

	connect(t, srv, "")
	require.Eventually(t, func() bool { return svc.Len() == 1 }, time.Second, 5*time.Millisecond)

	var stats struct {
		Path        string `json:"path"`
		Connections int    `json:"connections"`
	}
	status := getJSON(t, srv.URL+"/stats", &stats)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "/ws", stats.Path)
	assert.Equal(t, 1, stats.Connections)

	var health struct {
		Disposed bool `json:"disposed"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/health", &health))
	assert.False(t, health.Disposed)

	svc.Dispose()
	assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, srv.URL+"/health", &health))
	assert.True(t, health.Disposed)
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()

	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	return resp.StatusCode
}

func TestSetupLogger(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger := setupLogger(tt.level, "json")
			assert.True(t, logger.Enabled(context.Background(), tt.want))
			assert.False(t, logger.Enabled(context.Background(), tt.want-1))
		})
	}
}

func TestNewUpgrader_ReadLimit(t *testing.T) {
	cfg := config.Default()
	cfg.Socket.MaxMessageSize = 4096

	up, ok := newUpgrader(cfg).(*socket.GorillaUpgrader)
	require.True(t, ok)
	assert.Equal(t, int64(4096), up.ReadLimit)

	cfg.Socket.Transport = config.TransportFrame
	assert.Equal(t, socket.FrameUpgrader{ReadLimit: 4096}, newUpgrader(cfg))
}
