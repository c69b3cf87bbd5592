// client_manager.go
package main

import (
	"log/slog"

	"realtime-chat/internal/socket"
)

// ChatManager is the chat application on top of a socket service: it announces
// joins and leaves and relays every message, either to everyone or to one recipient.
type ChatManager struct {
	svc    *socket.Service
	token  string
	logger *slog.Logger
}

// Message is the JSON payload exchanged between server and UI.
type Message struct {
	Sender    string `json:"sender,omitempty"`
	Recipient string `json:"recipient,omitempty"`
	Content   string `json:"content,omitempty"`
}

// NewChatManager registers the chat hooks on svc. An empty token disables
// authorization.
func NewChatManager(svc *socket.Service, token string, logger *slog.Logger) *ChatManager {
	m := &ChatManager{svc: svc, token: token, logger: logger}
	svc.Use(m)
	return m
}
