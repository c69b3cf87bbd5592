// service.go
// A Service owns every connection accepted on one path: it registers them, runs one
// read loop each, fans broadcasts out and tears everything down on Dispose.

package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	// Reason sent with the acknowledgement of a peer-initiated close.
	remoteCloseReason = "Closed by remote"

	defaultCloseTimeout = 5 * time.Second

	// Concurrent sends of one broadcast.
	defaultBroadcastConcurrency = 64
)

// Service manages the connections of one endpoint.
type Service struct {
	path           string
	logger         *slog.Logger
	bufferSize     int
	maxMessageSize int
	closeTimeout   time.Duration
	fanOut         int
	authorizer     Authorizer

	registry *Registry
	events   *dispatcher

	// Shutdown scope; every connection scope derives from it.
	ctx    context.Context
	cancel context.CancelFunc

	// acceptMu orders Accept against Dispose so that no connection is registered,
	// and no loop is added to loops, after disposal.
	acceptMu sync.RWMutex
	disposed bool
	loops    sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithBufferSize sets the per-connection receive buffer size.
func WithBufferSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.bufferSize = size
		}
	}
}

// WithMaxMessageSize caps one reassembled message. Larger messages end the connection
// with 1009. A size below 1 removes the cap.
func WithMaxMessageSize(size int) Option {
	return func(s *Service) { s.maxMessageSize = max(size, 0) }
}

// WithBroadcastConcurrency bounds the sends one broadcast runs at a time.
func WithBroadcastConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.fanOut = n
		}
	}
}

// WithCloseTimeout bounds the close acknowledgement sent after a peer close.
func WithCloseTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.closeTimeout = d
		}
	}
}

// WithAuthorizer sets the policy consulted before upgrading a request.
func WithAuthorizer(a Authorizer) Option {
	return func(s *Service) { s.authorizer = a }
}

// NewService creates a service bound to path.
func NewService(path string, opts ...Option) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		path:           path,
		logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		bufferSize:     DefaultBufferSize,
		maxMessageSize: DefaultMaxMessageSize,
		closeTimeout:   defaultCloseTimeout,
		fanOut:         defaultBroadcastConcurrency,
		registry:       NewRegistry(),
		ctx:            ctx,
		cancel:         cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("path", path)
	s.events = &dispatcher{logger: s.logger}
	return s
}

// Path the service is routed on.
func (s *Service) Path() string { return s.path }

// OnOpen registers a handler for newly opened connections.
func (s *Service) OnOpen(h OpenHandler) { s.events.onOpen(h) }

// OnMessage registers a handler for reassembled messages.
func (s *Service) OnMessage(h MessageHandler) { s.events.onMessage(h) }

// OnDisconnected registers a handler for peer-initiated closes.
func (s *Service) OnDisconnected(h DisconnectHandler) { s.events.onDisconnected(h) }

// OnError registers a handler for transport and handler failures.
func (s *Service) OnError(h ErrorHandler) { s.events.onError(h) }

// Use registers every hook v implements, including Authorizer.
func (s *Service) Use(v any) {
	if h, ok := v.(OpenHook); ok {
		s.OnOpen(h.OnOpen)
	}
	if h, ok := v.(MessageHook); ok {
		s.OnMessage(h.OnMessage)
	}
	if h, ok := v.(DisconnectHook); ok {
		s.OnDisconnected(h.OnDisconnected)
	}
	if h, ok := v.(ErrorHook); ok {
		s.OnError(h.OnError)
	}
	if a, ok := v.(Authorizer); ok {
		s.authorizer = a
	}
}

// Authorize applies the configured policy. Without one every request is allowed.
func (s *Service) Authorize(r *http.Request) (bool, error) {
	if s.authorizer == nil {
		return true, nil
	}
	var ok bool
	err := safeCall(func() error {
		var err error
		ok, err = s.authorizer.Authorize(r)
		return err
	})
	return ok, err
}

// Accept registers t, dispatches the open event and runs the read loop until the
// socket closes or the service shuts down. Cancelling ctx aborts the connection.
func (s *Service) Accept(ctx context.Context, t Transport) error {
	conn, err := s.register(t)
	if err != nil {
		_ = t.Abort()
		return err
	}
	defer s.loops.Done()

	stop := context.AfterFunc(ctx, conn.cancel)
	defer stop()

	s.logger.Debug("connection opened", "conn_id", conn.ID(), "remote_addr", conn.RemoteAddr())
	s.events.dispatchOpen(conn.ctx, OpenEvent{Conn: conn})

	s.serve(conn)
	return nil
}

func (s *Service) register(t Transport) (*Connection, error) {
	s.acceptMu.RLock()
	defer s.acceptMu.RUnlock()

	if s.disposed {
		return nil, ErrServiceUnavailable
	}

	conn := newConnection(s.ctx, t)
	if !s.registry.Add(conn) {
		conn.cancel()
		return nil, fmt.Errorf("register %s: duplicate connection id", conn.ID())
	}
	s.loops.Add(1)
	return conn, nil
}

// serve is the read loop: Open -> Open on every message, Open -> Closing on a close
// frame or cancellation, then Closed once the transport is released.
func (s *Service) serve(conn *Connection) {
	defer func() {
		s.registry.Remove(conn.ID())
		_ = conn.release()
		s.logger.Debug("connection closed", "conn_id", conn.ID())
	}()

	reader := newFrameReader(conn.transport, s.bufferSize)
	reader.limit = s.maxMessageSize

	for {
		msg, err := reader.Next(conn.ctx)
		switch {
		case err == nil:
		case errors.Is(err, errTransportNotOpen):
			return
		case conn.ctx.Err() != nil || errors.Is(err, context.Canceled):
			// Shutdown or the caller went away: not an error, and no handshake.
			return
		case errors.Is(err, ErrMessageTooBig):
			s.events.dispatchError(conn.ctx, ErrorEvent{Conn: conn, Err: err})
			s.closeConn(conn, CloseMessageTooBig, "message too big")
			return
		default:
			s.events.dispatchError(conn.ctx, ErrorEvent{Conn: conn, Err: err})
			return
		}

		if msg.Type == MessageClose {
			s.handleRemoteClose(conn, msg)
			return
		}

		s.events.dispatchMessage(conn.ctx, MessageEvent{Conn: conn, Type: msg.Type, Data: msg.Data})
	}
}

func (s *Service) handleRemoteClose(conn *Connection, msg Message) {
	s.logger.Debug("connection disconnected",
		"conn_id", conn.ID(),
		"status", int(msg.CloseStatus),
		"reason", msg.CloseReason)

	s.events.dispatchDisconnected(conn.ctx, DisconnectEvent{
		Conn:   conn,
		Status: msg.CloseStatus,
		Reason: msg.CloseReason,
	})
	s.registry.Remove(conn.ID())
	s.closeConn(conn, CloseNormalClosure, remoteCloseReason)
}

// closeConn sends a close frame bounded by the close timeout.
func (s *Service) closeConn(conn *Connection, status CloseStatus, reason string) {
	ctx, cancel := context.WithTimeout(conn.ctx, s.closeTimeout)
	defer cancel()
	if err := conn.Close(ctx, status, reason); err != nil && conn.ctx.Err() == nil {
		s.events.dispatchError(conn.ctx, ErrorEvent{Conn: conn, Err: err})
	}
}

// Send delivers payload to one connection.
func (s *Service) Send(ctx context.Context, id string, typ MessageType, payload []byte) error {
	conn, ok := s.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, id)
	}
	return conn.Send(ctx, typ, payload)
}

// Broadcast sends payload to every connection registered at the time of the call.
// Each failure goes to the error hook of its connection; the caller never sees one.
func (s *Service) Broadcast(ctx context.Context, typ MessageType, payload []byte) {
	s.BroadcastExcept(ctx, "", typ, payload)
}

// BroadcastExcept is Broadcast skipping the connection with id ignore. Connections
// that close or are released while the broadcast runs are skipped without an error
// event, as is a cancelled ctx.
func (s *Service) BroadcastExcept(ctx context.Context, ignore string, typ MessageType, payload []byte) {
	var g errgroup.Group
	g.SetLimit(s.fanOut)

	for _, conn := range s.registry.Snapshot() {
		if conn.ID() == ignore {
			continue
		}
		conn := conn
		g.Go(func() error {
			err := conn.Send(ctx, typ, payload)
			switch {
			case err == nil:
			case conn.ctx.Err() != nil, errors.Is(err, context.Canceled), errors.Is(err, ErrConnectionClosed):
				s.logger.Debug("broadcast skipped", "conn_id", conn.ID(), "error", err)
			default:
				s.events.dispatchError(conn.ctx, ErrorEvent{Conn: conn, Err: err})
			}
			return nil
		})
	}
	_ = g.Wait()
}

// BroadcastText broadcasts message as a text frame.
func (s *Service) BroadcastText(ctx context.Context, message string) {
	s.Broadcast(ctx, MessageText, []byte(message))
}

// BroadcastJSON serializes v once and broadcasts it as a text frame.
func (s *Service) BroadcastJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal broadcast: %w", err)
	}
	s.Broadcast(ctx, MessageText, data)
	return nil
}

// Connection looks up a live connection.
func (s *Service) Connection(id string) (*Connection, bool) {
	return s.registry.Get(id)
}

// Connections returns a snapshot of the live connections.
func (s *Service) Connections() []*Connection {
	return s.registry.Snapshot()
}

// Len returns the number of live connections.
func (s *Service) Len() int { return s.registry.Len() }

// Disposed reports whether Dispose has run.
func (s *Service) Disposed() bool {
	s.acceptMu.RLock()
	defer s.acceptMu.RUnlock()
	return s.disposed
}

// Dispose aborts every connection, empties the registry and cancels the shutdown
// scope. Further calls do nothing. It does not wait for read loops; use Shutdown.
func (s *Service) Dispose() {
	s.acceptMu.Lock()
	if s.disposed {
		s.acceptMu.Unlock()
		return
	}
	s.disposed = true
	s.acceptMu.Unlock()

	conns := s.registry.Drain()
	for _, conn := range conns {
		if err := conn.release(); err != nil {
			s.logger.Debug("abort connection", "conn_id", conn.ID(), "error", err)
		}
	}
	s.cancel()

	s.logger.Info("service disposed", "aborted", len(conns))
}

// Shutdown disposes the service and waits for every read loop to return, or for ctx.
func (s *Service) Shutdown(ctx context.Context) error {
	s.Dispose()

	done := make(chan struct{})
	go func() {
		s.loops.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown %s: %w", s.path, ctx.Err())
	}
}
