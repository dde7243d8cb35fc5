// Package resilience provides a circuit breaker for calls to external
// dependencies that are allowed to fail, such as transcript persistence.
//
// A [Breaker] moves closed → open after consecutive failures, rejects calls
// while open, and after a cool-down lets a bounded number of probe calls
// through (half-open) before closing again.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Do] while calls are being rejected.
var ErrOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config tunes a [Breaker]. Zero fields take the defaults noted.
type Config struct {
	// Name labels log lines.
	Name string

	// MaxFailures consecutive failures open the breaker. Default: 5.
	MaxFailures int

	// Cooldown is how long the breaker stays open. Default: 30s.
	Cooldown time.Duration

	// Probes successful half-open calls close the breaker. Default: 1.
	Probes int

	// Now is the clock. Default: time.Now.
	Now func() time.Time
}

// Breaker is a three-state circuit breaker. It is safe for concurrent use.
type Breaker struct {
	cfg Config

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	inFlight int // half-open probes admitted
	passed   int // half-open probes succeeded
}

// New creates a closed [Breaker].
func New(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Probes <= 0 {
		cfg.Probes = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{cfg: cfg}
}

// Do calls fn unless the breaker is open, in which case it returns [ErrOpen]
// without calling fn. fn's error counts as a failure.
func (b *Breaker) Do(fn func() error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}
	err = fn()
	b.record(probe, err)
	return err
}

func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Open {
		if b.cfg.Now().Sub(b.openedAt) < b.cfg.Cooldown {
			return false, ErrOpen
		}
		b.state = HalfOpen
		b.inFlight, b.passed = 0, 0
		slog.Info("circuit half-open", "name", b.cfg.Name)
	}
	if b.state == HalfOpen {
		if b.inFlight >= b.cfg.Probes {
			return false, ErrOpen
		}
		b.inFlight++
		return true, nil
	}
	return false, nil
}

func (b *Breaker) record(probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case err != nil && (probe || b.state == HalfOpen):
		b.trip()
	case err != nil:
		b.failures++
		if b.failures >= b.cfg.MaxFailures {
			b.trip()
		}
	case probe:
		b.passed++
		if b.passed >= b.cfg.Probes {
			b.state = Closed
			b.failures = 0
			slog.Info("circuit closed", "name", b.cfg.Name)
		}
	default:
		b.failures = 0
	}
}

// trip opens the breaker. b.mu must be held.
func (b *Breaker) trip() {
	if b.state != Open {
		slog.Warn("circuit opened", "name", b.cfg.Name, "failures", b.failures)
	}
	b.state = Open
	b.openedAt = b.cfg.Now()
}

// State returns the current state. An open breaker whose cool-down has
// elapsed reports [HalfOpen].
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.cfg.Now().Sub(b.openedAt) >= b.cfg.Cooldown {
		return HalfOpen
	}
	return b.state
}
