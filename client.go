// client.go
// Every message a client sends is wrapped with its sender id. Plain text goes to
// everyone; a JSON Message with a recipient goes only to that client.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"realtime-chat/internal/socket"
)

// OnMessage relays one client message.
func (m *ChatManager) OnMessage(ctx context.Context, e socket.MessageEvent) error {
	msg := Message{Sender: e.Conn.ID(), Content: e.Text()}

	var addressed Message
	if err := json.Unmarshal(e.Data, &addressed); err == nil && addressed.Recipient != "" {
		msg.Recipient = addressed.Recipient
		msg.Content = addressed.Content
		return m.direct(ctx, e.Conn, msg)
	}

	if err := m.svc.BroadcastJSON(ctx, msg); err != nil {
		return fmt.Errorf("relay message: %w", err)
	}
	return nil
}

// direct delivers msg to its recipient and tells the sender when nobody is there.
func (m *ChatManager) direct(ctx context.Context, from *socket.Connection, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal direct message: %w", err)
	}

	err = m.svc.Send(ctx, msg.Recipient, socket.MessageText, data)
	if errors.Is(err, socket.ErrConnectionNotFound) {
		return from.SendJSON(ctx, Message{Content: "recipient not found: " + msg.Recipient})
	}
	return err
}
