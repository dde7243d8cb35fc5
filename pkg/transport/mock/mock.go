// Package mock provides test doubles for the transport package interfaces.
//
// Use Transport to control the handshake outcome and Conn to drive the
// inbound event stream and inspect outbound packets.
//
// Example:
//
//	conn := mock.NewConn()
//	tr := &mock.Transport{Conn: conn}
//	c, _ := tr.Connect(ctx, cfg)
//	conn.Push(transport.AudioEvent{Packet: pkt})
//	conn.Finish(transport.ClosedEvent{})
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/livecore/pkg/audio"
	"github.com/MrWong99/livecore/pkg/transport"
)

var (
	_ transport.Transport = (*Transport)(nil)
	_ transport.Conn      = (*Conn)(nil)
)

// ConnectCall records a single invocation of Transport.Connect.
type ConnectCall struct {
	Ctx context.Context
	Cfg transport.SessionConfig
}

// Transport is a mock implementation of [transport.Transport].
type Transport struct {
	mu sync.Mutex

	// Conn is returned by Connect. If nil, Connect returns a new Conn.
	Conn *Conn

	// ConnectErr, if non-nil, is returned by Connect.
	ConnectErr error

	// ConnectDelay, if positive, makes Connect wait before returning (or
	// until ctx is done).
	ConnectDelay time.Duration

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Connect records the call and returns Conn, ConnectErr.
func (t *Transport) Connect(ctx context.Context, cfg transport.SessionConfig) (transport.Conn, error) {
	t.mu.Lock()
	t.ConnectCalls = append(t.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	delay := t.ConnectDelay
	connectErr := t.ConnectErr
	if t.Conn == nil {
		t.Conn = NewConn()
	}
	c := t.Conn
	t.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if connectErr != nil {
		return nil, connectErr
	}
	return c, nil
}

// Calls returns the number of Connect invocations.
func (t *Transport) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ConnectCalls)
}

// Conn is a mock implementation of [transport.Conn].
type Conn struct {
	mu sync.Mutex

	// SendErr, if non-nil, is returned by Send.
	SendErr error

	events     chan transport.Event
	sent       []audio.EncodedPacket
	sentSignal chan struct{}
	closed     bool
	finished   bool
	closeCalls int
}

// NewConn returns a Conn with a buffered event channel.
func NewConn() *Conn {
	return &Conn{
		events:     make(chan transport.Event, 64),
		sentSignal: make(chan struct{}, 1),
	}
}

// Send records pkt.
func (c *Conn) Send(pkt audio.EncodedPacket) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	if c.SendErr != nil {
		return c.SendErr
	}
	c.sent = append(c.sent, pkt)
	select {
	case c.sentSignal <- struct{}{}:
	default:
	}
	return nil
}

// Events implements [transport.Conn].
func (c *Conn) Events() <-chan transport.Event { return c.events }

// Push delivers ev to the consumer. It reports false if the stream has
// already finished.
func (c *Conn) Push(ev transport.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return false
	}
	c.events <- ev
	return true
}

// Finish delivers the terminal event ev (if non-nil) and closes the stream.
func (c *Conn) Finish(ev transport.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return
	}
	c.finished = true
	if ev != nil {
		c.events <- ev
	}
	close(c.events)
}

// Close marks the connection closed and finishes the event stream.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.closeCalls++
	c.closed = true
	c.mu.Unlock()
	c.Finish(nil)
	return nil
}

// Sent returns a copy of all packets passed to Send.
func (c *Conn) Sent() []audio.EncodedPacket {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]audio.EncodedPacket(nil), c.sent...)
}

// WaitSent blocks until at least n packets were sent or timeout elapses. It
// returns the packets sent so far.
func (c *Conn) WaitSent(n int, timeout time.Duration) []audio.EncodedPacket {
	deadline := time.After(timeout)
	for {
		if sent := c.Sent(); len(sent) >= n {
			return sent
		}
		select {
		case <-c.sentSignal:
		case <-deadline:
			return c.Sent()
		}
	}
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// CloseCalls returns the number of Close invocations.
func (c *Conn) CloseCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls
}
