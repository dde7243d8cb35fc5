// Package mock provides in-memory mock implementations of the
// [audio.CaptureDevice] and [audio.PlaybackDevice] interfaces for use in unit
// tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	mic := &mock.CaptureDevice{}
//	speaker := mock.NewPlaybackDevice()
//	...
//	mic.Stream().Emit(make([]float32, 4096)) // drive the capture callback
//	speaker.Advance(100 * time.Millisecond)  // move the output clock
//	speaker.Submissions()[0].Voice.Finish()  // end a voice naturally
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/livecore/pkg/audio"
)

// ─── Capture ──────────────────────────────────────────────────────────────────

// CaptureDevice is a mock implementation of [audio.CaptureDevice].
type CaptureDevice struct {
	mu sync.Mutex

	// AcquireErr, if non-nil, is returned by Acquire.
	AcquireErr error

	// AcquireDelay, if positive, makes Acquire wait before returning (or
	// until ctx is done).
	AcquireDelay time.Duration

	// StreamFormat overrides the format reported by acquired streams. When
	// zero, the requested format is echoed back.
	StreamFormat audio.Format

	// StartErr, if non-nil, is set as StartErr on every acquired stream.
	StartErr error

	// AcquireCalls counts Acquire invocations.
	AcquireCalls int

	streams []*CaptureStream
}

// Acquire implements [audio.CaptureDevice].
func (d *CaptureDevice) Acquire(ctx context.Context, format audio.Format, blockSize int) (audio.CaptureStream, error) {
	d.mu.Lock()
	d.AcquireCalls++
	delay := d.AcquireDelay
	acquireErr := d.AcquireErr
	startErr := d.StartErr
	if d.StreamFormat != (audio.Format{}) {
		format = d.StreamFormat
	}
	d.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if acquireErr != nil {
		return nil, acquireErr
	}

	s := &CaptureStream{format: format, BlockSize: blockSize, StartErr: startErr, errc: make(chan error, 1)}
	d.mu.Lock()
	d.streams = append(d.streams, s)
	d.mu.Unlock()
	return s, nil
}

// Stream returns the most recently acquired stream, or nil.
func (d *CaptureDevice) Stream() *CaptureStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.streams) == 0 {
		return nil
	}
	return d.streams[len(d.streams)-1]
}

// Held returns the number of acquired streams that have not been closed.
func (d *CaptureDevice) Held() int {
	d.mu.Lock()
	streams := append([]*CaptureStream(nil), d.streams...)
	d.mu.Unlock()

	n := 0
	for _, s := range streams {
		if !s.Closed() {
			n++
		}
	}
	return n
}

// CaptureStream is a mock implementation of [audio.CaptureStream]. Blocks are
// delivered only when the test calls Emit.
type CaptureStream struct {
	mu sync.Mutex

	// BlockSize records the block size requested at acquisition.
	BlockSize int

	// StartErr, if non-nil, is returned by Start.
	StartErr error

	format     audio.Format
	fn         audio.BlockFunc
	closed     bool
	errc       chan error
	CloseCalls int
}

// Format implements [audio.CaptureStream].
func (s *CaptureStream) Format() audio.Format { return s.format }

// Start implements [audio.CaptureStream].
func (s *CaptureStream) Start(fn audio.BlockFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.StartErr != nil {
		return s.StartErr
	}
	if s.closed {
		return audio.ErrDeviceClosed
	}
	s.fn = fn
	return nil
}

// Emit synchronously delivers block to the registered callback, as a device
// goroutine would. It reports whether the block was delivered.
func (s *CaptureStream) Emit(block []float32) bool {
	s.mu.Lock()
	fn := s.fn
	closed := s.closed
	s.mu.Unlock()
	if fn == nil || closed {
		return false
	}
	fn(block)
	return true
}

// Err implements [audio.CaptureStream].
func (s *CaptureStream) Err() <-chan error { return s.errc }

// Fail simulates the device stopping on its own with err. It reports false
// when the stream is closed or has already failed.
func (s *CaptureStream) Fail(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.errc <- err:
		s.fn = nil
		return true
	default:
		return false
	}
}

// Close implements [audio.CaptureStream].
func (s *CaptureStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCalls++
	s.closed = true
	s.fn = nil
	return nil
}

// Closed reports whether Close has been called.
func (s *CaptureStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ─── Playback ─────────────────────────────────────────────────────────────────

// Submission records one call to [PlaybackDevice.Submit].
type Submission struct {
	Frame audio.AudioFrame
	Start time.Duration
	Voice *Voice
}

// PlaybackDevice is a mock implementation of [audio.PlaybackDevice] with a
// manually driven output clock.
type PlaybackDevice struct {
	mu sync.Mutex

	// SubmitErr, if non-nil, is returned by Submit.
	SubmitErr error

	now         time.Duration
	submissions []Submission
}

// NewPlaybackDevice returns a device whose clock reads zero.
func NewPlaybackDevice() *PlaybackDevice {
	return &PlaybackDevice{}
}

// Now implements [audio.PlaybackDevice].
func (d *PlaybackDevice) Now() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.now
}

// SetNow moves the clock to t. Moving backwards is ignored.
func (d *PlaybackDevice) SetNow(t time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t > d.now {
		d.now = t
	}
}

// Advance moves the clock forward by dt.
func (d *PlaybackDevice) Advance(dt time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if dt > 0 {
		d.now += dt
	}
}

// Submit implements [audio.PlaybackDevice].
func (d *PlaybackDevice) Submit(frame audio.AudioFrame, start time.Duration) (audio.Voice, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.SubmitErr != nil {
		return nil, d.SubmitErr
	}
	v := &Voice{done: make(chan struct{})}
	d.submissions = append(d.submissions, Submission{Frame: frame, Start: start, Voice: v})
	return v, nil
}

// Submissions returns a copy of all recorded submissions in order.
func (d *PlaybackDevice) Submissions() []Submission {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Submission(nil), d.submissions...)
}

// Playing returns the submissions whose voices are neither stopped nor
// finished.
func (d *PlaybackDevice) Playing() []Submission {
	var out []Submission
	for _, s := range d.Submissions() {
		if !s.Voice.Ended() {
			out = append(out, s)
		}
	}
	return out
}

// Voice is a mock implementation of [audio.Voice].
type Voice struct {
	mu      sync.Mutex
	done    chan struct{}
	stopped bool
	ended   bool
}

// Stop implements [audio.Voice].
func (v *Voice) Stop() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.ended {
		return
	}
	v.stopped = true
	v.ended = true
	close(v.done)
}

// Finish simulates natural completion of playback.
func (v *Voice) Finish() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.ended {
		return
	}
	v.ended = true
	close(v.done)
}

// Done implements [audio.Voice].
func (v *Voice) Done() <-chan struct{} { return v.done }

// Stopped reports whether Stop ended the voice.
func (v *Voice) Stopped() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stopped
}

// Ended reports whether the voice was stopped or finished.
func (v *Voice) Ended() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ended
}

// Compile-time interface assertions.
var (
	_ audio.CaptureDevice  = (*CaptureDevice)(nil)
	_ audio.CaptureStream  = (*CaptureStream)(nil)
	_ audio.PlaybackDevice = (*PlaybackDevice)(nil)
	_ audio.Voice          = (*Voice)(nil)
)
