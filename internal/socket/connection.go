// connection.go
// A Connection owns one accepted socket for its whole life. Receiving belongs to the
// read loop in service.go; sends may come from anywhere (broadcast, direct send, the
// close acknowledgement) and are serialized here.

package socket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Connection is one live socket registered with a Service.
type Connection struct {
	id        string
	transport Transport
	ctx       context.Context
	cancel    context.CancelFunc

	sendMu      sync.Mutex
	releaseOnce sync.Once
}

func newConnection(parent context.Context, t Transport) *Connection {
	ctx, cancel := context.WithCancel(parent)
	return &Connection{
		id:        uuid.NewString(),
		transport: t,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// ID is the opaque identifier assigned at acceptance.
func (c *Connection) ID() string { return c.id }

// Context is cancelled when the connection is released or its service shuts down.
func (c *Connection) Context() context.Context { return c.ctx }

// State reports the state of the underlying transport.
func (c *Connection) State() State { return c.transport.State() }

// RemoteAddr of the peer, if the transport knows it.
func (c *Connection) RemoteAddr() string { return c.transport.RemoteAddr() }

// Send writes one complete message. It fails with ErrConnectionClosed when the
// transport is no longer open.
func (c *Connection) Send(ctx context.Context, typ MessageType, payload []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.transport.State() != StateOpen {
		return ErrConnectionClosed
	}

	ctx, stop := c.link(ctx)
	defer stop()

	if err := c.transport.Send(ctx, typ, payload); err != nil {
		return fmt.Errorf("send to %s: %w", c.id, err)
	}
	return nil
}

// SendText sends message as a text frame.
func (c *Connection) SendText(ctx context.Context, message string) error {
	return c.Send(ctx, MessageText, []byte(message))
}

// SendJSON serializes v and sends it as a text frame.
func (c *Connection) SendJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return c.Send(ctx, MessageText, data)
}

// Close starts the close handshake. It is a no-op when the transport is not open.
func (c *Connection) Close(ctx context.Context, status CloseStatus, reason string) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	switch c.transport.State() {
	case StateOpen, StateCloseReceived:
	default:
		return nil
	}

	ctx, stop := c.link(ctx)
	defer stop()

	if err := c.transport.Close(ctx, status, reason); err != nil {
		return fmt.Errorf("close %s: %w", c.id, err)
	}
	return nil
}

// link derives a context that is also cancelled with the connection's own scope.
func (c *Connection) link(ctx context.Context) (context.Context, func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// release cancels the connection scope and drops the transport. Safe to call from
// both the read loop and Dispose; only the first call has any effect.
func (c *Connection) release() error {
	var err error
	c.releaseOnce.Do(func() {
		c.cancel()
		err = c.transport.Abort()
	})
	return err
}
