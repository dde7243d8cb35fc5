package transport

import "context"

// DefaultEventBuffer is the event channel depth used by the bundled
// transports.
const DefaultEventBuffer = 64

// Stream is the producer side of a [Conn.Events] channel. It is used by
// transport implementations: the receive goroutine calls Emit for each
// inbound event and Finish exactly once when it exits.
type Stream struct {
	ch       chan Event
	finished bool
}

// NewStream returns a Stream whose channel has capacity buf.
func NewStream(buf int) *Stream {
	if buf < 0 {
		buf = 0
	}
	return &Stream{ch: make(chan Event, buf)}
}

// Events returns the consumer side of the stream.
func (s *Stream) Events() <-chan Event { return s.ch }

// Emit delivers ev, blocking while the channel is full. It returns false if
// ctx is done before the event could be delivered.
func (s *Stream) Emit(ctx context.Context, ev Event) bool {
	select {
	case s.ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// Finish delivers the terminal event ev (if non-nil) and closes the channel.
// Delivery is abandoned when ctx is done, so a local Close never blocks on
// a consumer that has stopped reading. Finish must be called at most once,
// from the same goroutine that calls Emit.
func (s *Stream) Finish(ctx context.Context, ev Event) {
	if s.finished {
		return
	}
	s.finished = true
	if ev != nil && ctx.Err() == nil {
		select {
		case s.ch <- ev:
		case <-ctx.Done():
		}
	}
	close(s.ch)
}
