// events.go
// Lifecycle hooks. Each event kind keeps an ordered list of handlers; a failing
// handler never reaches the read loop. Open, message and disconnect failures are
// turned into error events, and error handler failures are only logged.

package socket

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
)

// OpenEvent is dispatched once a connection is registered.
type OpenEvent struct {
	Conn *Connection
}

// MessageEvent carries one reassembled text or binary message.
type MessageEvent struct {
	Conn *Connection
	Type MessageType
	Data []byte
}

// Text returns the payload as a string.
func (e MessageEvent) Text() string { return string(e.Data) }

// DisconnectEvent carries the close frame observed from the peer, unmodified.
type DisconnectEvent struct {
	Conn   *Connection
	Status CloseStatus
	Reason string
}

// ErrorEvent reports a transport or handler failure. Conn is nil for failures that
// happen before a connection exists (authorization, upgrade).
type ErrorEvent struct {
	Conn *Connection
	Err  error
}

type (
	OpenHandler       func(ctx context.Context, e OpenEvent) error
	MessageHandler    func(ctx context.Context, e MessageEvent) error
	DisconnectHandler func(ctx context.Context, e DisconnectEvent) error
	ErrorHandler      func(ctx context.Context, e ErrorEvent) error
)

// Hook interfaces. A type passed to Service.Use gets registered for every hook it
// implements; the rest default to doing nothing.
type (
	OpenHook interface {
		OnOpen(ctx context.Context, e OpenEvent) error
	}
	MessageHook interface {
		OnMessage(ctx context.Context, e MessageEvent) error
	}
	DisconnectHook interface {
		OnDisconnected(ctx context.Context, e DisconnectEvent) error
	}
	ErrorHook interface {
		OnError(ctx context.Context, e ErrorEvent) error
	}
	Authorizer interface {
		Authorize(r *http.Request) (bool, error)
	}
)

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(r *http.Request) (bool, error)

func (f AuthorizerFunc) Authorize(r *http.Request) (bool, error) { return f(r) }

// dispatcher holds the registered handlers of one service.
type dispatcher struct {
	mu         sync.RWMutex
	open       []OpenHandler
	message    []MessageHandler
	disconnect []DisconnectHandler
	errors     []ErrorHandler
	logger     *slog.Logger
}

func (d *dispatcher) onOpen(h OpenHandler) {
	d.mu.Lock()
	d.open = append(d.open, h)
	d.mu.Unlock()
}

func (d *dispatcher) onMessage(h MessageHandler) {
	d.mu.Lock()
	d.message = append(d.message, h)
	d.mu.Unlock()
}

func (d *dispatcher) onDisconnected(h DisconnectHandler) {
	d.mu.Lock()
	d.disconnect = append(d.disconnect, h)
	d.mu.Unlock()
}

func (d *dispatcher) onError(h ErrorHandler) {
	d.mu.Lock()
	d.errors = append(d.errors, h)
	d.mu.Unlock()
}

func (d *dispatcher) dispatchOpen(ctx context.Context, e OpenEvent) {
	d.mu.RLock()
	handlers := d.open
	d.mu.RUnlock()

	for _, h := range handlers {
		if err := safeCall(func() error { return h(ctx, e) }); err != nil {
			d.dispatchError(ctx, ErrorEvent{Conn: e.Conn, Err: &HandlerError{Event: "open", Err: err}})
		}
	}
}

func (d *dispatcher) dispatchMessage(ctx context.Context, e MessageEvent) {
	d.mu.RLock()
	handlers := d.message
	d.mu.RUnlock()

	for _, h := range handlers {
		if err := safeCall(func() error { return h(ctx, e) }); err != nil {
			d.dispatchError(ctx, ErrorEvent{Conn: e.Conn, Err: &HandlerError{Event: "message", Err: err}})
		}
	}
}

func (d *dispatcher) dispatchDisconnected(ctx context.Context, e DisconnectEvent) {
	d.mu.RLock()
	handlers := d.disconnect
	d.mu.RUnlock()

	for _, h := range handlers {
		if err := safeCall(func() error { return h(ctx, e) }); err != nil {
			d.dispatchError(ctx, ErrorEvent{Conn: e.Conn, Err: &HandlerError{Event: "disconnected", Err: err}})
		}
	}
}

// dispatchError is the last stop: failures here are logged and dropped.
func (d *dispatcher) dispatchError(ctx context.Context, e ErrorEvent) {
	d.mu.RLock()
	handlers := d.errors
	d.mu.RUnlock()

	attrs := []any{"error", e.Err}
	if e.Conn != nil {
		attrs = append(attrs, "conn_id", e.Conn.ID())
	}

	if len(handlers) == 0 {
		d.logger.Warn("unhandled socket error", attrs...)
		return
	}

	for _, h := range handlers {
		if err := safeCall(func() error { return h(ctx, e) }); err != nil {
			d.logger.Error("error handler failed", append(attrs, "handler_error", err)...)
		}
	}
}

// safeCall runs fn and converts a panic into an error.
func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
