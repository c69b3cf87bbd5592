package socket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Time allowed to write a message to the peer when the caller sets no deadline.
const writeWait = 10 * time.Second

// GorillaTransport adapts a *websocket.Conn. Messages are handed out in buffer-sized
// chunks from NextReader; the last chunk of each message is marked EndOfMessage.
type GorillaTransport struct {
	conn  *websocket.Conn
	state atomic.Int32

	reader     io.Reader
	readerType MessageType
}

// NewGorillaTransport wraps conn. The library's automatic close reply is disabled:
// the service acknowledges peer closes itself.
func NewGorillaTransport(conn *websocket.Conn) *GorillaTransport {
	conn.SetCloseHandler(func(int, string) error { return nil })
	return &GorillaTransport{conn: conn}
}

func (t *GorillaTransport) Receive(ctx context.Context, buf []byte) (ReceiveResult, error) {
	if err := ctx.Err(); err != nil {
		return ReceiveResult{}, err
	}

	// Unblock a pending read when ctx is cancelled.
	stop := context.AfterFunc(ctx, func() {
		_ = t.conn.NetConn().SetReadDeadline(time.Now())
	})
	defer stop()

	if t.reader == nil {
		typ, r, err := t.conn.NextReader()
		if err != nil {
			return t.readError(ctx, err)
		}
		t.reader, t.readerType = r, MessageType(typ)
	}

	n, err := io.ReadFull(t.reader, buf)
	switch {
	case err == nil:
		return ReceiveResult{Count: n, Type: t.readerType}, nil
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		t.reader = nil
		return ReceiveResult{Count: n, Type: t.readerType, EndOfMessage: true}, nil
	default:
		t.reader = nil
		return t.readError(ctx, err)
	}
}

func (t *GorillaTransport) readError(ctx context.Context, err error) (ReceiveResult, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ReceiveResult{}, ctxErr
	}

	// 1006 is synthesized by the library for a dropped connection, not sent by a peer.
	var ce *websocket.CloseError
	if errors.As(err, &ce) && ce.Code != websocket.CloseAbnormalClosure {
		t.state.CompareAndSwap(int32(StateOpen), int32(StateCloseReceived))
		return ReceiveResult{
			Type:         MessageClose,
			EndOfMessage: true,
			CloseStatus:  CloseStatus(ce.Code),
			CloseReason:  ce.Text,
		}, nil
	}

	markClosed(&t.state)
	// gorilla has already sent the 1009 close.
	if errors.Is(err, websocket.ErrReadLimit) {
		return ReceiveResult{}, fmt.Errorf("receive: %w", ErrMessageTooBig)
	}
	return ReceiveResult{}, fmt.Errorf("receive: %w", err)
}

func (t *GorillaTransport) Send(ctx context.Context, typ MessageType, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.conn.SetWriteDeadline(writeDeadline(ctx)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}

	// Only the net.Conn deadline may be touched while WriteMessage runs. gorilla
	// re-arms it before each frame, so a cancel that lands before that is bounded by
	// writeDeadline.
	stop := context.AfterFunc(ctx, func() {
		_ = t.conn.NetConn().SetWriteDeadline(time.Now())
	})
	defer stop()

	if err := t.conn.WriteMessage(int(typ), payload); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	return nil
}

func (t *GorillaTransport) Close(ctx context.Context, status CloseStatus, reason string) error {
	msg := websocket.FormatCloseMessage(int(status), reason)
	err := t.conn.WriteControl(websocket.CloseMessage, msg, writeDeadline(ctx))

	if !t.state.CompareAndSwap(int32(StateCloseReceived), int32(StateClosed)) {
		t.state.CompareAndSwap(int32(StateOpen), int32(StateCloseSent))
	}
	return err
}

func (t *GorillaTransport) Abort() error {
	t.state.Store(int32(StateAborted))
	return t.conn.Close()
}

func (t *GorillaTransport) State() State { return State(t.state.Load()) }

func (t *GorillaTransport) RemoteAddr() string { return t.conn.RemoteAddr().String() }

func writeDeadline(ctx context.Context) time.Time {
	if deadline, ok := ctx.Deadline(); ok {
		return deadline
	}
	return time.Now().Add(writeWait)
}

// GorillaUpgrader upgrades requests with gorilla/websocket.
type GorillaUpgrader struct {
	Upgrader websocket.Upgrader

	// ReadLimit caps the size of one incoming message. Zero means no limit.
	ReadLimit int64
}

// NewGorillaUpgrader returns an upgrader using the given buffer sizes. Origins are not
// checked; authorization belongs to the service.
func NewGorillaUpgrader(readBufferSize, writeBufferSize int) *GorillaUpgrader {
	return &GorillaUpgrader{Upgrader: websocket.Upgrader{
		ReadBufferSize:  readBufferSize,
		WriteBufferSize: writeBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}}
}

func (u *GorillaUpgrader) Upgrade(w http.ResponseWriter, r *http.Request) (Transport, error) {
	conn, err := u.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("upgrade: %w", err)
	}
	if u.ReadLimit > 0 {
		conn.SetReadLimit(u.ReadLimit)
	}
	return NewGorillaTransport(conn), nil
}
