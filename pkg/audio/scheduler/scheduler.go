// Package scheduler provides the playback scheduler for decoded assistant
// audio. It places frames back-to-back on a [audio.PlaybackDevice] output
// clock so that consecutive frames play without gaps or overlaps, and
// cancels everything at once when the user barges in.
//
// A [Scheduler] is not safe for concurrent use. It is owned by a single
// goroutine (the session event loop) which also drains [Scheduler.Completions]
// and passes each handle to [Scheduler.Complete].
package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/livecore/pkg/audio"
)

// defaultCompletionBuf is the buffer depth of the completion channel.
const defaultCompletionBuf = 64

// ErrClosed is returned by [Scheduler.Schedule] after [Scheduler.Clear].
var ErrClosed = errors.New("scheduler: closed")

// Handle represents one frame scheduled for output. It is owned by the
// [Scheduler] from creation until natural completion or cancellation.
type Handle struct {
	// ID is unique per scheduler and increases with every scheduled frame.
	ID uint64

	// Start is the output clock time at which the frame begins.
	Start time.Duration

	// Duration is the nominal length of the frame.
	Duration time.Duration

	// Underrun is true when previously scheduled audio ran out before this
	// frame arrived, so Start was clamped forward to the clock. It is never
	// set on the first frame or the first frame after an interrupt.
	Underrun bool

	voice     audio.Voice
	cancelled chan struct{}
}

// End returns Start + Duration.
func (h *Handle) End() time.Duration { return h.Start + h.Duration }

// Option configures a [Scheduler] during construction.
type Option func(*Scheduler)

// WithCompletionBuffer sets the buffer depth of the channel returned by
// [Scheduler.Completions].
func WithCompletionBuffer(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.completionBuf = n
		}
	}
}

// Scheduler maintains the nextFreeTime cursor and the active handle set for
// one output device.
type Scheduler struct {
	device        audio.PlaybackDevice
	completionBuf int

	nextFree time.Duration
	primed   bool
	active   map[uint64]*Handle
	seq      uint64

	completions chan *Handle
	quit        chan struct{}
	closed      bool
}

// New creates a Scheduler writing to device.
func New(device audio.PlaybackDevice, opts ...Option) *Scheduler {
	s := &Scheduler{
		device:        device,
		completionBuf: defaultCompletionBuf,
		active:        make(map[uint64]*Handle),
		quit:          make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.completions = make(chan *Handle, s.completionBuf)
	return s
}

// Schedule places frame at max(clock, nextFreeTime), submits it to the
// device, adds it to the active set, and advances the cursor by the frame's
// duration. On a submit error the scheduler state is unchanged.
func (s *Scheduler) Schedule(frame audio.AudioFrame) (*Handle, error) {
	if s.closed {
		return nil, ErrClosed
	}

	now := s.device.Now()
	start := s.nextFree
	underrun := false
	if start < now {
		underrun = s.primed
		start = now
	}
	dur := frame.Duration()

	voice, err := s.device.Submit(frame, start)
	if err != nil {
		return nil, fmt.Errorf("scheduler: submit: %w", err)
	}

	s.seq++
	h := &Handle{
		ID:        s.seq,
		Start:     start,
		Duration:  dur,
		Underrun:  underrun,
		voice:     voice,
		cancelled: make(chan struct{}),
	}
	s.active[h.ID] = h
	s.nextFree = start + dur
	s.primed = true

	go s.watch(h)
	return h, nil
}

// watch forwards natural completion of h to the completions channel.
func (s *Scheduler) watch(h *Handle) {
	select {
	case <-h.voice.Done():
	case <-h.cancelled:
		return
	case <-s.quit:
		return
	}
	select {
	case <-h.cancelled:
		return
	default:
	}
	select {
	case s.completions <- h:
	case <-h.cancelled:
	case <-s.quit:
	}
}

// Completions delivers handles whose playback ended naturally. The owner
// must pass each one to [Scheduler.Complete].
func (s *Scheduler) Completions() <-chan *Handle { return s.completions }

// Complete removes h from the active set. The cursor is not touched.
// Completing a handle that was already removed (e.g., by an interrupt that
// raced with the natural end) is a no-op. It reports whether h was removed.
func (s *Scheduler) Complete(h *Handle) bool {
	if h == nil {
		return false
	}
	if cur, ok := s.active[h.ID]; !ok || cur != h {
		return false
	}
	delete(s.active, h.ID)
	return true
}

// Interrupt stops every active handle, playing or still pending, clears the
// active set, and resets the cursor to the current clock time so the next
// frame starts immediately. It returns the number of handles stopped.
func (s *Scheduler) Interrupt() int {
	n := s.stopAll()
	s.nextFree = s.device.Now()
	s.primed = false
	return n
}

func (s *Scheduler) stopAll() int {
	n := len(s.active)
	for id, h := range s.active {
		close(h.cancelled)
		h.voice.Stop()
		delete(s.active, id)
	}
	return n
}

// Clear stops all active handles and the completion watchers. Schedule
// fails with [ErrClosed] afterwards. Clear is idempotent.
func (s *Scheduler) Clear() {
	if s.closed {
		return
	}
	s.closed = true
	s.stopAll()
	close(s.quit)
}

// Active returns the number of handles in the active set.
func (s *Scheduler) Active() int { return len(s.active) }

// NextFreeTime returns the output clock time at which the next frame would
// start if the clock has not passed it.
func (s *Scheduler) NextFreeTime() time.Duration { return s.nextFree }
