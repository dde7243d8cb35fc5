// Package live implements the duplex live audio session: it owns the
// microphone, the transport connection and the playback scheduler for one
// conversation, and drives them through the lifecycle
//
//	Idle → Connecting → Active → Closing → Closed
//
// with Error reachable from every non-terminal state.
//
// After Start succeeds a single event-loop goroutine owns the scheduler and
// handles every inbound transport event. The capture device callback and the
// transport receive loop never touch session state directly; they hand data
// over through channels.
package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/livecore/internal/observe"
	"github.com/MrWong99/livecore/internal/transcript"
	"github.com/MrWong99/livecore/pkg/audio"
	"github.com/MrWong99/livecore/pkg/audio/scheduler"
	"github.com/MrWong99/livecore/pkg/transport"
)

const (
	// DefaultBlockSize is the number of sample frames per captured block.
	DefaultBlockSize = 4096

	// DefaultQueueDepth is the capacity of the capture hand-off queue.
	DefaultQueueDepth = 32
)

// Option configures a [Session].
type Option func(*Session)

// WithSessionConfig sets the configuration passed to the transport.
func WithSessionConfig(cfg transport.SessionConfig) Option {
	return func(s *Session) { s.cfg = cfg }
}

// WithTranscript sets the log that receives transcript events. By default
// the session creates its own.
func WithTranscript(l *transcript.Log) Option {
	return func(s *Session) { s.log = l }
}

// WithMetrics sets the metric instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithCaptureFormat sets the format requested from the microphone. The
// device may deliver another format; blocks are converted to 16 kHz mono
// before sending.
func WithCaptureFormat(f audio.Format) Option {
	return func(s *Session) { s.captureFormat = f }
}

// WithBlockSize sets the number of sample frames per captured block.
func WithBlockSize(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.blockSize = n
		}
	}
}

// WithQueueDepth sets the capacity of the capture hand-off queue.
func WithQueueDepth(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.queueDepth = n
		}
	}
}

// Session is one live conversation. It is created Idle; Start and Stop may
// be called from any goroutine. A Session cannot be restarted once it has
// reached a terminal state.
type Session struct {
	transport transport.Transport
	mic       audio.CaptureDevice
	speaker   audio.PlaybackDevice

	cfg           transport.SessionConfig
	log           *transcript.Log
	metrics       *observe.Metrics
	captureFormat audio.Format
	blockSize     int
	queueDepth    int

	mu          sync.Mutex
	state       State
	err         error
	releaseErr  error
	observers   []func(from, to State)
	cancelStart context.CancelFunc

	stopReq  chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	// Owned by the event loop once the session is Active.
	conn    transport.Conn
	capture *capture
	sched   *scheduler.Scheduler
}

// New creates an Idle session that will connect through tr, record from mic
// and play through speaker.
func New(tr transport.Transport, mic audio.CaptureDevice, speaker audio.PlaybackDevice, opts ...Option) *Session {
	s := &Session{
		transport:     tr,
		mic:           mic,
		speaker:       speaker,
		captureFormat: wireFormat,
		blockSize:     DefaultBlockSize,
		queueDepth:    DefaultQueueDepth,
		stopReq:       make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = transcript.New()
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that put the session into [Error], or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed once the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// Transcript returns the session's transcript log.
func (s *Session) Transcript() *transcript.Log { return s.log }

// OnStateChange registers fn to be called after every state transition. fn
// runs on the goroutine that caused the transition and must not block.
func (s *Session) OnStateChange(fn func(from, to State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// Start connects the transport and acquires the microphone in parallel.
// It returns once the session is Active, or with the error that moved it to
// Error. A failed Start leaves nothing acquired.
//
// ctx bounds the handshake only; the session outlives it.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Idle {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("live: start in state %s: %w", st, ErrInvalidTransition)
	}
	startCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.cancelStart = cancel
	notify := s.setStateLocked(Connecting)
	s.mu.Unlock()
	notify()

	ctx, span := observe.StartSpan(startCtx, "live.session.start",
		trace.WithAttributes(attribute.String("model", s.cfg.Model)),
	)
	defer span.End()
	log := observe.Logger(ctx)
	started := time.Now()

	var (
		conn   transport.Conn
		stream audio.CaptureStream
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c, err := s.transport.Connect(gctx, s.cfg)
		if err != nil {
			return &HandshakeError{Err: err}
		}
		conn = c
		return nil
	})
	g.Go(func() error {
		st, err := s.mic.Acquire(gctx, s.captureFormat, s.blockSize)
		if err != nil {
			return &DeviceAccessError{Err: err}
		}
		stream = st
		return nil
	})
	err := g.Wait()

	var capt *capture
	if err == nil {
		capt = newCapture(stream, conn, s.metrics, s.queueDepth)
		if serr := capt.start(); serr != nil {
			err = &DeviceAccessError{Err: serr}
		}
	}
	if err != nil {
		relErr := releasePartial(capt, stream, conn)
		if s.stopRequested() {
			log.Info("live: start cancelled by stop")
			s.finishStopped(relErr)
			return ErrStopped
		}
		observe.Fail(span, err)
		log.Error("live: session start failed", "err", err)
		s.finish(Error, err, relErr)
		return err
	}

	s.mu.Lock()
	if s.stopRequested() {
		s.mu.Unlock()
		relErr := releaseAll(capt, conn, nil)
		s.finishStopped(relErr)
		return ErrStopped
	}
	s.conn = conn
	s.capture = capt
	s.sched = scheduler.New(s.speaker)
	s.cancelStart = nil
	notify = s.setStateLocked(Active)
	s.mu.Unlock()
	notify()

	s.metrics.HandshakeDuration.Record(ctx, time.Since(started).Seconds())
	log.Info("live: session active",
		"capture_format", stream.Format().String(),
		"handshake", time.Since(started),
	)

	go s.run()
	return nil
}

// Stop ends the session and releases the microphone, the connection and all
// scheduled audio. It blocks until the session is terminal. Stopping an Idle
// session closes it immediately; stopping a terminal session is a no-op.
//
// The returned error reports resources that failed to release; the session
// is Closed regardless.
func (s *Session) Stop() error {
	s.mu.Lock()
	switch s.state {
	case Idle:
		notify := s.setStateLocked(Closed)
		s.mu.Unlock()
		notify()
		close(s.done)
		return nil
	case Closed, Error:
		s.mu.Unlock()
		return nil
	}
	s.stopOnce.Do(func() { close(s.stopReq) })
	cancel := s.cancelStart
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	<-s.done

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releaseErr
}

func (s *Session) stopRequested() bool {
	select {
	case <-s.stopReq:
		return true
	default:
		return false
	}
}

// ── Event loop ─────────────────────────────────────────────────────────────────

func (s *Session) run() {
	ctx := context.Background()
	events := s.conn.Events()
	micErr := s.capture.stream.Err()
	for {
		select {
		case <-s.stopReq:
			s.shutdown(nil)
			return

		case err := <-micErr:
			slog.Error("live: microphone lost", "err", err)
			s.shutdown(&DeviceAccessError{Err: err})
			return

		case h := <-s.sched.Completions():
			s.sched.Complete(h)

		case ev, ok := <-events:
			if !ok {
				s.shutdown(nil)
				return
			}
			switch ev := ev.(type) {
			case transport.AudioEvent:
				s.play(ctx, ev.Packet)
			case transport.InterruptedEvent:
				n := s.sched.Interrupt()
				s.metrics.Interrupts.Add(ctx, 1)
				slog.Debug("live: playback interrupted", "cancelled", n)
			case transport.TranscriptEvent:
				role := transcript.Role(ev.Role)
				s.log.Append(ctx, role, ev.Text)
				s.metrics.RecordTranscript(ctx, string(role))
			case transport.ClosedEvent:
				slog.Info("live: transport closed", "reason", ev.Reason)
				s.shutdown(nil)
				return
			case transport.ErrorEvent:
				err := &RuntimeError{Err: ev.Err}
				slog.Error("live: transport failed", "err", ev.Err)
				s.shutdown(err)
				return
			}
		}
	}
}

// play decodes pkt and places it on the output timeline. Malformed packets
// and submit failures drop the frame only.
func (s *Session) play(ctx context.Context, pkt audio.EncodedPacket) {
	frame, err := audio.Decode(pkt)
	if err != nil {
		s.metrics.DecodeErrors.Add(ctx, 1)
		slog.Warn("live: dropping inbound audio", "err", err)
		return
	}
	h, err := s.sched.Schedule(frame)
	if err != nil {
		slog.Warn("live: dropping inbound audio", "err", err)
		return
	}
	s.metrics.FramesScheduled.Add(ctx, 1)
	if h.Underrun {
		s.metrics.PlaybackUnderruns.Add(ctx, 1)
	}
}

// shutdown releases everything and moves the session to its terminal state:
// Error when cause is non-nil, otherwise Closing then Closed.
func (s *Session) shutdown(cause error) {
	if cause == nil {
		s.setState(Closing)
	}
	relErr := releaseAll(s.capture, s.conn, s.sched)
	if cause != nil {
		s.finish(Error, cause, relErr)
		return
	}
	s.finish(Closed, nil, relErr)
	slog.Info("live: session closed")
}

// ── Resource release ───────────────────────────────────────────────────────────

// releaseAll stops capture before closing the connection so no packet is
// sent after it, then waits for the forwarder and clears the scheduler.
func releaseAll(c *capture, conn transport.Conn, sched *scheduler.Scheduler) error {
	var errs []error
	if c != nil {
		if err := c.close(); err != nil {
			errs = append(errs, fmt.Errorf("live: release microphone: %w", err))
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("live: close transport: %w", err))
		}
	}
	if c != nil {
		c.wait()
	}
	if sched != nil {
		sched.Clear()
	}
	return errors.Join(errs...)
}

// releasePartial undoes a failed Start. c is nil unless both resources
// were acquired.
func releasePartial(c *capture, stream audio.CaptureStream, conn transport.Conn) error {
	if c != nil {
		return releaseAll(c, conn, nil)
	}
	var errs []error
	if stream != nil {
		if err := stream.Close(); err != nil {
			errs = append(errs, fmt.Errorf("live: release microphone: %w", err))
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("live: close transport: %w", err))
		}
	}
	return errors.Join(errs...)
}

// ── State bookkeeping ──────────────────────────────────────────────────────────

// setStateLocked records the transition and returns a function that
// notifies observers. Call it after releasing s.mu.
func (s *Session) setStateLocked(to State) func() {
	from := s.state
	s.state = to

	ctx := context.Background()
	s.metrics.RecordTransition(ctx, from.String(), to.String())
	switch {
	case to == Active:
		s.metrics.ActiveSessions.Add(ctx, 1)
	case from == Active:
		s.metrics.ActiveSessions.Add(ctx, -1)
	}

	observers := slices.Clone(s.observers)
	return func() {
		for _, fn := range observers {
			fn(from, to)
		}
	}
}

func (s *Session) setState(to State) {
	s.mu.Lock()
	notify := s.setStateLocked(to)
	s.mu.Unlock()
	notify()
}

// finish enters the terminal state to and closes Done after observers ran.
func (s *Session) finish(to State, cause, relErr error) {
	if relErr != nil {
		slog.Warn("live: release failed", "err", relErr)
	}
	s.mu.Lock()
	s.err = cause
	s.releaseErr = relErr
	s.cancelStart = nil
	notify := s.setStateLocked(to)
	s.mu.Unlock()
	notify()
	close(s.done)
}

func (s *Session) finishStopped(relErr error) {
	s.setState(Closing)
	s.finish(Closed, nil, relErr)
}
