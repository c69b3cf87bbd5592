package socket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
)

// Maximum payload of a control frame (RFC 6455 section 5.5).
const maxControlPayload = 125

var errProtocol = errors.New("socket: protocol error")

// FrameTransport reads raw RFC 6455 frames off a hijacked connection. Unlike the
// gorilla adapter it exposes real frame boundaries: EndOfMessage is the FIN bit of the
// last frame of a message.
type FrameTransport struct {
	conn    net.Conn
	r       io.Reader
	writeMu sync.Mutex
	state   atomic.Int32
	limit   int64

	// Current data frame, owned by the read loop.
	hdr       ws.Header
	remaining int64
	offset    int
	inFrame   bool
	msgType   MessageType
	msgLen    int64
}

// NewFrameTransport wraps conn. r may carry bytes buffered during the handshake; nil
// means read straight from conn.
func NewFrameTransport(conn net.Conn, r io.Reader) *FrameTransport {
	if r == nil {
		r = conn
	}
	return &FrameTransport{conn: conn, r: r}
}

// SetReadLimit caps the size of one incoming message. Zero means no limit.
func (t *FrameTransport) SetReadLimit(limit int64) { t.limit = limit }

func (t *FrameTransport) Receive(ctx context.Context, buf []byte) (ReceiveResult, error) {
	if err := ctx.Err(); err != nil {
		return ReceiveResult{}, err
	}

	stop := context.AfterFunc(ctx, func() {
		_ = t.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for !t.inFrame {
		hdr, err := ws.ReadHeader(t.r)
		if err != nil {
			return t.readError(ctx, err)
		}

		// Clients must mask every frame (RFC 6455 section 5.1).
		if !hdr.Masked {
			markClosed(&t.state)
			return ReceiveResult{}, fmt.Errorf("%w: unmasked client frame", errProtocol)
		}

		if hdr.OpCode.IsControl() {
			res, done, err := t.control(ctx, hdr)
			if err != nil || done {
				return res, err
			}
			continue
		}

		switch hdr.OpCode {
		case ws.OpText:
			t.msgType, t.msgLen = MessageText, 0
		case ws.OpBinary:
			t.msgType, t.msgLen = MessageBinary, 0
		case ws.OpContinuation:
		default:
			markClosed(&t.state)
			return ReceiveResult{}, fmt.Errorf("%w: opcode %#x", errProtocol, hdr.OpCode)
		}

		// Rejected before the payload is read; the socket stays open for a 1009 close.
		t.msgLen += hdr.Length
		if t.limit > 0 && t.msgLen > t.limit {
			return ReceiveResult{}, fmt.Errorf("receive %d bytes: %w", t.msgLen, ErrMessageTooBig)
		}
		t.hdr, t.remaining, t.offset, t.inFrame = hdr, hdr.Length, 0, true
	}

	n := len(buf)
	if int64(n) > t.remaining {
		n = int(t.remaining)
	}
	if n > 0 {
		if _, err := io.ReadFull(t.r, buf[:n]); err != nil {
			t.inFrame = false
			return t.readError(ctx, err)
		}
		if t.hdr.Masked {
			ws.Cipher(buf[:n], t.hdr.Mask, t.offset)
		}
	}
	t.offset += n
	t.remaining -= int64(n)

	if t.remaining > 0 {
		return ReceiveResult{Count: n, Type: t.msgType}, nil
	}
	t.inFrame = false
	return ReceiveResult{Count: n, Type: t.msgType, EndOfMessage: t.hdr.Fin}, nil
}

// control consumes one control frame. done is true when the frame ends receiving.
func (t *FrameTransport) control(ctx context.Context, hdr ws.Header) (res ReceiveResult, done bool, err error) {
	if hdr.Length > maxControlPayload || !hdr.Fin {
		markClosed(&t.state)
		return ReceiveResult{}, true, fmt.Errorf("%w: malformed control frame", errProtocol)
	}

	payload := make([]byte, hdr.Length)
	if _, err := io.ReadFull(t.r, payload); err != nil {
		res, err := t.readError(ctx, err)
		return res, true, err
	}
	if hdr.Masked {
		ws.Cipher(payload, hdr.Mask, 0)
	}

	switch hdr.OpCode {
	case ws.OpPing:
		if err := t.write(ctx, ws.NewPongFrame(payload)); err != nil {
			return ReceiveResult{}, true, fmt.Errorf("pong: %w", err)
		}
		return ReceiveResult{}, false, nil
	case ws.OpClose:
		code, reason := ws.ParseCloseFrameData(payload)
		status := CloseStatus(code)
		if code == 0 {
			status = CloseNoStatusReceived
		}
		t.state.CompareAndSwap(int32(StateOpen), int32(StateCloseReceived))
		return ReceiveResult{
			Type:         MessageClose,
			EndOfMessage: true,
			CloseStatus:  status,
			CloseReason:  reason,
		}, true, nil
	default:
		return ReceiveResult{}, false, nil
	}
}

func (t *FrameTransport) readError(ctx context.Context, err error) (ReceiveResult, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ReceiveResult{}, ctxErr
	}
	markClosed(&t.state)
	return ReceiveResult{}, fmt.Errorf("receive: %w", err)
}

func (t *FrameTransport) write(ctx context.Context, f ws.Frame) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := t.conn.SetWriteDeadline(writeDeadline(ctx)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = t.conn.SetWriteDeadline(time.Now())
	})
	defer stop()

	if err := ws.WriteFrame(t.conn, f); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	return nil
}

func (t *FrameTransport) Send(ctx context.Context, typ MessageType, payload []byte) error {
	var op ws.OpCode
	switch typ {
	case MessageText:
		op = ws.OpText
	case MessageBinary:
		op = ws.OpBinary
	default:
		return fmt.Errorf("send: unsupported message type %s", typ)
	}
	return t.write(ctx, ws.NewFrame(op, true, payload))
}

func (t *FrameTransport) Close(ctx context.Context, status CloseStatus, reason string) error {
	body := ws.NewCloseFrameBody(ws.StatusCode(status), reason)
	err := t.write(ctx, ws.NewCloseFrame(body))

	if !t.state.CompareAndSwap(int32(StateCloseReceived), int32(StateClosed)) {
		t.state.CompareAndSwap(int32(StateOpen), int32(StateCloseSent))
	}
	return err
}

func (t *FrameTransport) Abort() error {
	t.state.Store(int32(StateAborted))
	return t.conn.Close()
}

func (t *FrameTransport) State() State { return State(t.state.Load()) }

func (t *FrameTransport) RemoteAddr() string {
	if addr := t.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// FrameUpgrader upgrades requests with gobwas/ws.
type FrameUpgrader struct {
	// ReadLimit caps the size of one incoming message. Zero means no limit.
	ReadLimit int64
}

func (u FrameUpgrader) Upgrade(w http.ResponseWriter, r *http.Request) (Transport, error) {
	conn, rw, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		return nil, fmt.Errorf("upgrade: %w", err)
	}
	// Clear deadlines set by the HTTP server.
	_ = conn.SetDeadline(time.Time{})
	var t *FrameTransport
	if rw == nil {
		t = NewFrameTransport(conn, nil)
	} else {
		t = NewFrameTransport(conn, rw.Reader)
	}
	t.SetReadLimit(u.ReadLimit)
	return t, nil
}
