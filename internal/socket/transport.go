// transport.go
// Transport is the boundary between the service and a live socket. The service never
// touches a websocket library directly; gorilla.go and frame.go adapt one each.

package socket

import (
	"context"
	"sync/atomic"
)

// MessageType classifies a frame. Values match the RFC 6455 opcodes.
type MessageType int

const (
	MessageText   MessageType = 1
	MessageBinary MessageType = 2
	MessageClose  MessageType = 8
)

func (t MessageType) String() string {
	switch t {
	case MessageText:
		return "text"
	case MessageBinary:
		return "binary"
	case MessageClose:
		return "close"
	default:
		return "unknown"
	}
}

// CloseStatus is a close code from the standard close-status vocabulary.
type CloseStatus int

const (
	CloseNormalClosure           CloseStatus = 1000
	CloseGoingAway               CloseStatus = 1001
	CloseProtocolError           CloseStatus = 1002
	CloseUnsupportedData         CloseStatus = 1003
	CloseNoStatusReceived        CloseStatus = 1005
	CloseAbnormalClosure         CloseStatus = 1006
	CloseInvalidFramePayloadData CloseStatus = 1007
	ClosePolicyViolation         CloseStatus = 1008
	CloseMessageTooBig           CloseStatus = 1009
	CloseMandatoryExtension      CloseStatus = 1010
	CloseInternalServerErr       CloseStatus = 1011
)

// State of the underlying socket.
type State int32

const (
	StateOpen State = iota
	StateCloseReceived
	StateCloseSent
	StateClosed
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateCloseReceived:
		return "close_received"
	case StateCloseSent:
		return "close_sent"
	case StateClosed:
		return "closed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// markClosed moves state to StateClosed unless the socket was already aborted.
func markClosed(state *atomic.Int32) {
	for {
		cur := state.Load()
		if State(cur) == StateAborted || state.CompareAndSwap(cur, int32(StateClosed)) {
			return
		}
	}
}

// ReceiveResult describes one chunk written into the caller's buffer.
type ReceiveResult struct {
	Count        int
	Type         MessageType
	EndOfMessage bool

	// Set only when Type is MessageClose.
	CloseStatus CloseStatus
	CloseReason string
}

// Transport is a live bidirectional socket.
//
// Receive is only ever called from the connection's read loop. Send and Close may be
// called from any goroutine but the Connection serializes them, so implementations
// may assume one outstanding write at a time. Receive, Send and Close must return
// ctx.Err() promptly once ctx is cancelled.
type Transport interface {
	Receive(ctx context.Context, buf []byte) (ReceiveResult, error)
	Send(ctx context.Context, typ MessageType, payload []byte) error
	Close(ctx context.Context, status CloseStatus, reason string) error
	// Abort releases the socket without a close handshake.
	Abort() error
	State() State
	RemoteAddr() string
}
