package app

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/livecore/internal/observe"
	"github.com/MrWong99/livecore/internal/resilience"
	"github.com/MrWong99/livecore/internal/transcript"
)

// sinkQueueDepth bounds the entries waiting for the store.
const sinkQueueDepth = 256

// storeTimeout bounds a single store write.
const storeTimeout = 5 * time.Second

var _ transcript.Sink = (*asyncSink)(nil)

// asyncSink hands entries to a writer goroutine so the session's event loop
// never waits on the database. When the queue is full the entry is dropped
// from persistence; it stays in the in-memory log. Writes pass through a
// circuit breaker so an unreachable store is skipped instead of costing a
// timeout per entry.
type asyncSink struct {
	store     TranscriptStore
	sessionID string
	queue     chan transcript.Entry
	breaker   *resilience.Breaker
	metrics   *observe.Metrics
	dropped   atomic.Int64
	skipped   atomic.Int64
	closeOnce sync.Once
}

func newAsyncSink(store TranscriptStore, sessionID string, depth int, m *observe.Metrics) *asyncSink {
	return &asyncSink{
		store:     store,
		sessionID: sessionID,
		queue:     make(chan transcript.Entry, depth),
		breaker:   resilience.New(resilience.Config{Name: "transcript-store"}),
		metrics:   m,
	}
}

func (s *asyncSink) Write(ctx context.Context, e transcript.Entry) error {
	select {
	case s.queue <- e:
	default:
		s.metrics.RecordUnpersisted(ctx, "queue_full")
		if s.dropped.Add(1) == 1 {
			slog.Warn("transcript store lagging, entries not persisted", "session_id", s.sessionID)
		}
	}
	return nil
}

// run writes queued entries until close is called and the queue is drained.
func (s *asyncSink) run() {
	for e := range s.queue {
		err := s.breaker.Do(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
			defer cancel()
			return s.store.Append(ctx, s.sessionID, e)
		})
		switch {
		case errors.Is(err, resilience.ErrOpen):
			s.skipped.Add(1)
			s.metrics.RecordUnpersisted(context.Background(), "circuit_open")
		case err != nil:
			s.metrics.RecordUnpersisted(context.Background(), "store_error")
			slog.Warn("failed to persist transcript entry",
				"session_id", s.sessionID,
				"sequence", e.Sequence,
				"err", err,
			)
		}
	}
	if n := s.dropped.Load() + s.skipped.Load(); n > 0 {
		slog.Warn("transcript entries not persisted", "session_id", s.sessionID, "count", n)
	}
}

// close stops accepting entries. No Write may follow.
func (s *asyncSink) close() {
	s.closeOnce.Do(func() { close(s.queue) })
}
