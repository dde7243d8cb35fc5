package transcript_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/livecore/internal/transcript"
)

type recordingSink struct {
	mu      sync.Mutex
	entries []transcript.Entry
	err     error
}

func (s *recordingSink) Write(_ context.Context, e transcript.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return s.err
}

func TestAppend_Ordering(t *testing.T) {
	t.Parallel()

	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	l := transcript.New(transcript.WithClock(func() time.Time { return fixed }))
	ctx := context.Background()

	l.Append(ctx, transcript.RoleUser, "hello")
	l.Append(ctx, transcript.RoleAssistant, "hi there")
	last := l.Append(ctx, transcript.RoleUser, "bye")

	if last.Sequence != 3 {
		t.Errorf("last.Sequence = %d, want 3", last.Sequence)
	}
	if l.Len() != 3 {
		t.Fatalf("Len = %d, want 3", l.Len())
	}
	want := []struct {
		role transcript.Role
		text string
	}{
		{transcript.RoleUser, "hello"},
		{transcript.RoleAssistant, "hi there"},
		{transcript.RoleUser, "bye"},
	}
	for i, e := range l.Entries() {
		if e.Role != want[i].role || e.Text != want[i].text {
			t.Errorf("entry %d = %s/%q, want %s/%q", i, e.Role, e.Text, want[i].role, want[i].text)
		}
		if e.Sequence != uint64(i+1) {
			t.Errorf("entry %d sequence = %d", i, e.Sequence)
		}
		if !e.Timestamp.Equal(fixed) {
			t.Errorf("entry %d timestamp = %v", i, e.Timestamp)
		}
	}
}

func TestEntries_IsCopy(t *testing.T) {
	t.Parallel()

	l := transcript.New()
	l.Append(context.Background(), transcript.RoleUser, "a")
	got := l.Entries()
	got[0].Text = "mutated"
	if l.Entries()[0].Text != "a" {
		t.Error("Entries exposed internal storage")
	}
}

func TestSubscribe(t *testing.T) {
	t.Parallel()

	l := transcript.New()
	ctx := context.Background()
	l.Append(ctx, transcript.RoleUser, "before")

	ch, cancel := l.Subscribe(4)
	l.Append(ctx, transcript.RoleAssistant, "after")

	select {
	case e := <-ch:
		if e.Text != "after" || e.Sequence != 2 {
			t.Errorf("got %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no entry delivered")
	}

	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Error("channel not closed after cancel")
	}
	// Appending after cancel must not panic on the closed channel.
	l.Append(ctx, transcript.RoleUser, "later")
}

func TestSubscribe_SlowReaderDoesNotBlock(t *testing.T) {
	t.Parallel()

	l := transcript.New()
	ch, cancel := l.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for range 5 {
			l.Append(context.Background(), transcript.RoleUser, "x")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Append blocked on a full subscriber")
	}
	if e := <-ch; e.Sequence != 1 {
		t.Errorf("first buffered entry sequence = %d, want 1", e.Sequence)
	}
}

func TestSink(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{err: errors.New("db down")}
	l := transcript.New(transcript.WithSink(sink))
	l.Append(context.Background(), transcript.RoleAssistant, "kept")

	if l.Len() != 1 {
		t.Error("sink failure dropped the entry")
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.entries) != 1 || sink.entries[0].Text != "kept" {
		t.Errorf("sink entries = %+v", sink.entries)
	}
}
