package resilience_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/livecore/internal/resilience"
)

var errDown = errors.New("connection refused")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newBreaker(clock *fakeClock, probes int) *resilience.Breaker {
	return resilience.New(resilience.Config{
		Name:        "test",
		MaxFailures: 3,
		Cooldown:    10 * time.Second,
		Probes:      probes,
		Now:         clock.Now,
	})
}

func fail() error { return errDown }
func ok() error   { return nil }

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	b := newBreaker(&fakeClock{now: time.Unix(0, 0)}, 1)

	_ = b.Do(fail)
	_ = b.Do(fail)
	_ = b.Do(ok) // resets the streak
	_ = b.Do(fail)
	_ = b.Do(fail)
	if b.State() != resilience.Closed {
		t.Fatalf("state = %s, want closed after an interrupted streak", b.State())
	}
	if err := b.Do(fail); !errors.Is(err, errDown) {
		t.Fatalf("Do = %v, want the call's own error", err)
	}
	if b.State() != resilience.Open {
		t.Fatalf("state = %s, want open", b.State())
	}

	called := false
	err := b.Do(func() error { called = true; return nil })
	if !errors.Is(err, resilience.ErrOpen) || called {
		t.Errorf("open breaker: err = %v, called = %v", err, called)
	}
}

func TestBreaker_HalfOpenProbeCloses(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Unix(0, 0)}
	b := newBreaker(clock, 2)
	for range 3 {
		_ = b.Do(fail)
	}

	clock.Advance(10 * time.Second)
	if b.State() != resilience.HalfOpen {
		t.Fatalf("state = %s, want half-open after cool-down", b.State())
	}
	if err := b.Do(ok); err != nil {
		t.Fatal(err)
	}
	if b.State() != resilience.HalfOpen {
		t.Fatalf("closed after 1 of 2 probes")
	}
	if err := b.Do(ok); err != nil {
		t.Fatal(err)
	}
	if b.State() != resilience.Closed {
		t.Errorf("state = %s, want closed", b.State())
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Unix(0, 0)}
	b := newBreaker(clock, 1)
	for range 3 {
		_ = b.Do(fail)
	}
	clock.Advance(10 * time.Second)

	_ = b.Do(fail)
	if b.State() != resilience.Open {
		t.Fatalf("state = %s, want open", b.State())
	}
	clock.Advance(9 * time.Second)
	if err := b.Do(ok); !errors.Is(err, resilience.ErrOpen) {
		t.Errorf("cool-down restarted at the failed probe, got %v", err)
	}
}

func TestBreaker_LimitsConcurrentProbes(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Unix(0, 0)}
	b := newBreaker(clock, 1)
	for range 3 {
		_ = b.Do(fail)
	}
	clock.Advance(10 * time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = b.Do(func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	if err := b.Do(ok); !errors.Is(err, resilience.ErrOpen) {
		t.Errorf("second probe admitted: %v", err)
	}
	close(release)
}

func TestState_String(t *testing.T) {
	t.Parallel()
	for s, want := range map[resilience.State]string{
		resilience.Closed:   "closed",
		resilience.Open:     "open",
		resilience.HalfOpen: "half-open",
		resilience.State(9): "unknown",
	} {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", int(s), s.String(), want)
		}
	}
}
