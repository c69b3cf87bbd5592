package socket

import (
	"bytes"
	"context"
	"fmt"
)

const (
	// DefaultBufferSize is the receive buffer size of each connection.
	DefaultBufferSize = 512

	// DefaultMaxMessageSize caps one reassembled message.
	DefaultMaxMessageSize = 1 << 20
)

// Message is one reassembled logical message.
type Message struct {
	Type MessageType
	Data []byte

	CloseStatus CloseStatus
	CloseReason string
}

// frameReader reassembles frames for a single connection. Its buffers belong to the
// read loop that created it and are never shared.
type frameReader struct {
	transport Transport
	buf       []byte
	msg       bytes.Buffer
	limit     int // zero means unlimited
}

func newFrameReader(t Transport, size int) *frameReader {
	if size < 1 {
		size = DefaultBufferSize
	}
	return &frameReader{transport: t, buf: make([]byte, size)}
}

// Next blocks until a full message or a close frame arrives. It returns
// errTransportNotOpen once the transport has left the open state.
func (r *frameReader) Next(ctx context.Context) (Message, error) {
	r.msg.Reset()

	for {
		if r.transport.State() != StateOpen {
			return Message{}, errTransportNotOpen
		}

		res, err := r.transport.Receive(ctx, r.buf)
		if err != nil {
			return Message{}, err
		}

		if res.Type == MessageClose {
			return Message{
				Type:        MessageClose,
				CloseStatus: res.CloseStatus,
				CloseReason: res.CloseReason,
			}, nil
		}

		if r.limit > 0 && r.msg.Len()+res.Count > r.limit {
			return Message{}, fmt.Errorf("message over %d bytes: %w", r.limit, ErrMessageTooBig)
		}

		// Only the bytes actually received count; the rest of buf is stale.
		r.msg.Write(r.buf[:res.Count])
		if !res.EndOfMessage {
			continue
		}

		data := make([]byte, r.msg.Len())
		copy(data, r.msg.Bytes())
		return Message{Type: res.Type, Data: data}, nil
	}
}
