package socket

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameReader_Reassembly(t *testing.T) {
	const bufSize = 8

	tests := []struct {
		name   string
		length int
		chunk  int
	}{
		{"empty", 0, bufSize},
		{"single byte", 1, bufSize},
		{"just under buffer", bufSize - 1, bufSize},
		{"exactly buffer", bufSize, bufSize},
		{"one past buffer", bufSize + 1, bufSize},
		{"many fragments", 5*bufSize + 3, bufSize},
		{"small fragments", 20, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ft := newFakeTransport()
			r := newFrameReader(ft, bufSize)

			payload := []byte(strings.Repeat("a", tt.length))
			ft.push(MessageText, payload, tt.chunk)

			msg, err := r.Next(context.Background())
			require.NoError(t, err)

			assert.Equal(t, MessageText, msg.Type)
			assert.Len(t, msg.Data, tt.length)
			assert.Equal(t, payload, msg.Data)
			assert.NotContains(t, string(msg.Data), "\x00")
		})
	}
}

func TestFrameReader_NoStaleBytes(t *testing.T) {
	ft := newFakeTransport()
	r := newFrameReader(ft, 8)

	ft.push(MessageText, []byte("abcdefgh"), 8)
	ft.push(MessageBinary, []byte("xy"), 8)

	first, err := r.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abcdefgh", string(first.Data))

	second, err := r.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, MessageBinary, second.Type)
	assert.Equal(t, "xy", string(second.Data))
	assert.Equal(t, "abcdefgh", string(first.Data), "earlier payloads are not reused")
}

func TestFrameReader_Close(t *testing.T) {
	ft := newFakeTransport()
	r := newFrameReader(ft, 8)

	ft.pushClose(CloseNormalClosure, "bye")

	msg, err := r.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, MessageClose, msg.Type)
	assert.Equal(t, CloseNormalClosure, msg.CloseStatus)
	assert.Equal(t, "bye", msg.CloseReason)
}

func TestFrameReader_NotOpen(t *testing.T) {
	ft := newFakeTransport()
	ft.setState(StateClosed)
	r := newFrameReader(ft, 8)

	_, err := r.Next(context.Background())
	assert.ErrorIs(t, err, errTransportNotOpen)
}

func TestFrameReader_Cancelled(t *testing.T) {
	ft := newFakeTransport()
	r := newFrameReader(ft, 8)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFrameReader_DefaultBufferSize(t *testing.T) {
	r := newFrameReader(newFakeTransport(), 0)
	assert.Len(t, r.buf, DefaultBufferSize)
}

func TestFrameReader_BuffersArePrivate(t *testing.T) {
	a := newFrameReader(newFakeTransport(), 8)
	b := newFrameReader(newFakeTransport(), 8)

	a.buf[0] = 'x'
	assert.False(t, bytes.Equal(a.buf, b.buf))
}

func TestFrameReader_Limit(t *testing.T) {
	ft := newFakeTransport()
	r := newFrameReader(ft, 4)
	r.limit = 10

	ft.push(MessageBinary, []byte(strings.Repeat("a", 10)), 4)
	msg, err := r.Next(context.Background())
	require.NoError(t, err)
	assert.Len(t, msg.Data, 10, "exactly at the limit")

	ft.push(MessageBinary, []byte(strings.Repeat("a", 11)), 4)
	_, err = r.Next(context.Background())
	assert.ErrorIs(t, err, ErrMessageTooBig)
}
