// manager.go
// Connection lifecycle of the chat: authorization, join and leave announcements and
// error reporting.

package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"

	"realtime-chat/internal/socket"
)

const (
	joinedNotice = "New client connected"
	leftNotice   = "/A socket disconnected."
)

// Authorize checks the token query parameter.
func (m *ChatManager) Authorize(r *http.Request) (bool, error) {
	if m.token == "" {
		return true, nil
	}
	given := r.URL.Query().Get("token")
	return subtle.ConstantTimeCompare([]byte(given), []byte(m.token)) == 1, nil
}

// OnOpen tells everyone else that a client joined.
func (m *ChatManager) OnOpen(ctx context.Context, e socket.OpenEvent) error {
	m.logger.Info("client connected", "conn_id", e.Conn.ID(), "remote_addr", e.Conn.RemoteAddr())
	return m.send(ctx, Message{Content: joinedNotice}, e.Conn.ID())
}

// OnDisconnected tells the remaining clients that one left.
func (m *ChatManager) OnDisconnected(ctx context.Context, e socket.DisconnectEvent) error {
	m.logger.Info("client disconnected",
		"conn_id", e.Conn.ID(),
		"status", int(e.Status),
		"reason", e.Reason)
	return m.send(ctx, Message{Content: leftNotice}, e.Conn.ID())
}

// OnError logs failures; nothing is retried.
func (m *ChatManager) OnError(_ context.Context, e socket.ErrorEvent) error {
	if e.Conn == nil {
		m.logger.Error("chat error", "error", e.Err)
		return nil
	}
	m.logger.Error("chat error", "conn_id", e.Conn.ID(), "error", e.Err)
	return nil
}

// send broadcasts to all except the ignored client.
func (m *ChatManager) send(ctx context.Context, msg Message, ignore string) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notice: %w", err)
	}
	m.svc.BroadcastExcept(ctx, ignore, socket.MessageText, data)
	return nil
}
