package socket

import (
	"context"
	"errors"
	"sync"
	"time"
)

var errBroken = errors.New("broken pipe")

type fakeFrame struct {
	typ    MessageType
	data   []byte
	end    bool
	status CloseStatus
	reason string
	err    error
}

type closeCall struct {
	status CloseStatus
	reason string
}

// fakeTransport replays scripted frames and records everything written to it.
type fakeTransport struct {
	frames chan fakeFrame
	done   chan struct{}

	mu       sync.Mutex
	state    State
	sent     [][]byte
	closes   []closeCall
	aborts   int
	sendErr  error
	inflight int
	overlap  bool

	// stall blocks every Send until ctx is done or the transport is aborted.
	stall bool
	gauge *sendGauge

	abortOnce sync.Once
}

// sendGauge tracks concurrent sends across several transports.
type sendGauge struct {
	mu       sync.Mutex
	cur, max int
}

func (g *sendGauge) enter() {
	g.mu.Lock()
	g.cur++
	g.max = max(g.max, g.cur)
	g.mu.Unlock()
}

func (g *sendGauge) leave() {
	g.mu.Lock()
	g.cur--
	g.mu.Unlock()
}

func (g *sendGauge) peak() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.max
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		frames: make(chan fakeFrame, 256),
		done:   make(chan struct{}),
	}
}

// push queues data as one message split into frames of at most chunk bytes.
func (f *fakeTransport) push(typ MessageType, data []byte, chunk int) {
	if len(data) == 0 {
		f.frames <- fakeFrame{typ: typ, data: nil, end: true}
		return
	}
	for start := 0; start < len(data); start += chunk {
		end := min(start+chunk, len(data))
		f.frames <- fakeFrame{typ: typ, data: data[start:end], end: end == len(data)}
	}
}

func (f *fakeTransport) pushClose(status CloseStatus, reason string) {
	f.frames <- fakeFrame{typ: MessageClose, end: true, status: status, reason: reason}
}

func (f *fakeTransport) pushError(err error) {
	f.frames <- fakeFrame{err: err}
}

func (f *fakeTransport) Receive(ctx context.Context, buf []byte) (ReceiveResult, error) {
	select {
	case <-ctx.Done():
		return ReceiveResult{}, ctx.Err()
	case <-f.done:
		return ReceiveResult{}, errors.New("use of aborted transport")
	case fr := <-f.frames:
		if fr.err != nil {
			f.setState(StateClosed)
			return ReceiveResult{}, fr.err
		}
		if fr.typ == MessageClose {
			f.setState(StateCloseReceived)
			return ReceiveResult{
				Type:         MessageClose,
				EndOfMessage: true,
				CloseStatus:  fr.status,
				CloseReason:  fr.reason,
			}, nil
		}
		n := copy(buf, fr.data)
		return ReceiveResult{Count: n, Type: fr.typ, EndOfMessage: fr.end}, nil
	}
}

func (f *fakeTransport) Send(ctx context.Context, typ MessageType, payload []byte) error {
	f.mu.Lock()
	f.inflight++
	if f.inflight > 1 {
		f.overlap = true
	}
	stall, gauge := f.stall, f.gauge
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inflight--
		f.mu.Unlock()
	}()

	if gauge != nil {
		gauge.enter()
		defer gauge.leave()
		// Give other senders a chance to overlap.
		time.Sleep(2 * time.Millisecond)
	}

	if stall {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return errors.New("use of aborted transport")
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, append([]byte(nil), payload...))
	return nil
}

func (f *fakeTransport) Close(_ context.Context, status CloseStatus, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closes = append(f.closes, closeCall{status: status, reason: reason})
	if f.state == StateCloseReceived {
		f.state = StateClosed
	} else {
		f.state = StateCloseSent
	}
	return nil
}

func (f *fakeTransport) Abort() error {
	f.mu.Lock()
	f.aborts++
	f.state = StateAborted
	f.mu.Unlock()

	f.abortOnce.Do(func() { close(f.done) })
	return nil
}

func (f *fakeTransport) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) RemoteAddr() string { return "fake" }

func (f *fakeTransport) setState(s State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func (f *fakeTransport) sentMessages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]string, len(f.sent))
	for i, b := range f.sent {
		out[i] = string(b)
	}
	return out
}

func (f *fakeTransport) closeCalls() []closeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]closeCall(nil), f.closes...)
}

func (f *fakeTransport) inflightSends() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inflight
}

func (f *fakeTransport) abortCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.aborts
}
