// Package transcript records the role-tagged utterances of a live session.
//
// A [Log] is append-only: entries are numbered in arrival order starting at 1
// and are never modified or removed. Observers either read a snapshot with
// [Log.Entries] or follow new entries through [Log.Subscribe]. A [Sink] can be
// attached to persist every entry as it is appended.
package transcript

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Role identifies the speaker of an entry.
type Role string

const (
	// RoleUser marks speech transcribed from the microphone.
	RoleUser Role = "user"

	// RoleAssistant marks speech synthesised by the remote model.
	RoleAssistant Role = "assistant"
)

// Entry is one transcript fragment.
type Entry struct {
	// Role is who spoke.
	Role Role

	// Text is the transcribed or synthesised text.
	Text string

	// Sequence is the 1-based arrival position within the log.
	Sequence uint64

	// Timestamp is the wall-clock time the entry was appended.
	Timestamp time.Time
}

// Sink receives every appended entry, e.g. for persistence. Implementations
// must be safe for concurrent use.
type Sink interface {
	Write(ctx context.Context, e Entry) error
}

// Option configures a [Log].
type Option func(*Log)

// WithSink attaches a sink. Sink errors are logged and otherwise ignored so
// that a slow or failing store cannot stall the session.
func WithSink(s Sink) Option {
	return func(l *Log) { l.sink = s }
}

// WithClock overrides the time source used for Entry.Timestamp.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// Log is an ordered, append-only transcript. All methods are safe for
// concurrent use.
type Log struct {
	mu      sync.Mutex
	entries []Entry
	subs    map[int]chan Entry
	nextSub int

	sink Sink
	now  func() time.Time
}

// New creates an empty Log.
func New(opts ...Option) *Log {
	l := &Log{
		subs: make(map[int]chan Entry),
		now:  time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Append records text spoken by role and returns the new entry.
//
// Subscribers whose buffer is full miss the entry; the log itself never
// blocks on a reader.
func (l *Log) Append(ctx context.Context, role Role, text string) Entry {
	l.mu.Lock()
	e := Entry{
		Role:      role,
		Text:      text,
		Sequence:  uint64(len(l.entries)) + 1,
		Timestamp: l.now(),
	}
	l.entries = append(l.entries, e)
	for id, ch := range l.subs {
		select {
		case ch <- e:
		default:
			slog.Warn("transcript: subscriber lagging, entry skipped", "subscriber", id, "sequence", e.Sequence)
		}
	}
	sink := l.sink
	l.mu.Unlock()

	if sink != nil {
		if err := sink.Write(ctx, e); err != nil {
			slog.Warn("transcript: sink write failed", "sequence", e.Sequence, "err", err)
		}
	}
	return e
}

// Entries returns a copy of all entries in order.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...)
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Subscribe returns a channel that receives every entry appended after the
// call, and a cancel function that closes it. buf is the channel capacity.
func (l *Log) Subscribe(buf int) (<-chan Entry, func()) {
	if buf < 0 {
		buf = 0
	}
	ch := make(chan Entry, buf)

	l.mu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = ch
	l.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, id)
			l.mu.Unlock()
			close(ch)
		})
	}
}
