// Package app wires a live session, its devices, transcript persistence and
// the probe/metrics HTTP server into a running application.
//
// New builds everything from the config and the devices created by the
// caller's registry, Run starts the session and blocks until it ends or the
// context is cancelled, and Shutdown tears everything down in order.
//
// Tests inject doubles through functional options (WithTranscriptStore,
// WithMetrics, ...). When an option is not provided, New creates the real
// implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/livecore/internal/config"
	"github.com/MrWong99/livecore/internal/health"
	"github.com/MrWong99/livecore/internal/live"
	"github.com/MrWong99/livecore/internal/observe"
	"github.com/MrWong99/livecore/internal/transcript"
	"github.com/MrWong99/livecore/internal/transcript/postgres"
	"github.com/MrWong99/livecore/pkg/audio"
	"github.com/MrWong99/livecore/pkg/transport"
)

// Devices holds the endpoints of one session. main.go fills it from the
// config registry.
type Devices struct {
	Transport transport.Transport
	Capture   audio.CaptureDevice
	Playback  audio.PlaybackDevice
}

// TranscriptStore persists transcript entries per session.
type TranscriptStore interface {
	Append(ctx context.Context, sessionID string, e transcript.Entry) error
	Ping(ctx context.Context) error
}

// runner is implemented by playback devices that need a clock goroutine,
// such as the ffplay player.
type runner interface {
	Run(ctx context.Context) error
}

// App owns every subsystem lifetime.
type App struct {
	cfg       *config.Config
	devices   Devices
	sessionID string

	startTimeout   time.Duration
	store          TranscriptStore
	metrics        *observe.Metrics
	metricsHandler http.Handler
	log            *transcript.Log
	sink           *asyncSink
	sess           *live.Session

	srv      *http.Server
	listener net.Listener

	// cancelRun stops device goroutines started by Run.
	cancelRun context.CancelFunc
	wg        sync.WaitGroup

	// closers run in order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// DefaultStartTimeout bounds the transport handshake and microphone
// acquisition in [App.Run].
const DefaultStartTimeout = 30 * time.Second

// Option is a functional option for New.
type Option func(*App)

// WithStartTimeout overrides [DefaultStartTimeout].
func WithStartTimeout(d time.Duration) Option {
	return func(a *App) {
		if d > 0 {
			a.startTimeout = d
		}
	}
}

// WithTranscriptStore injects a store instead of connecting to
// transcript.postgres_dsn.
func WithTranscriptStore(s TranscriptStore) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics sets the metric instruments used by the session and the HTTP
// middleware. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithSessionID overrides the generated session ID.
func WithSessionID(id string) Option {
	return func(a *App) { a.sessionID = id }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New wires a session from cfg and devices. It connects to the transcript
// store when one is configured but does not start the session or the HTTP
// server; call [App.Run] for that.
func New(ctx context.Context, cfg *config.Config, devices Devices, opts ...Option) (*App, error) {
	if devices.Transport == nil || devices.Capture == nil || devices.Playback == nil {
		return nil, errors.New("app: transport, capture and playback devices are required")
	}
	a := &App{cfg: cfg, devices: devices}
	for _, o := range opts {
		o(a)
	}
	if a.startTimeout == 0 {
		a.startTimeout = DefaultStartTimeout
	}
	if a.sessionID == "" {
		a.sessionID = "live-" + time.Now().UTC().Format("20060102T150405Z")
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Transcript persistence ────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init transcript store: %w", err)
	}

	// ── 2. Session ───────────────────────────────────────────────────────
	a.initSession()

	// ── 3. HTTP server ───────────────────────────────────────────────────
	if cfg.Server.ListenAddr != "" {
		a.initServer()
	}

	return a, nil
}

func (a *App) initStore(ctx context.Context) error {
	if a.store == nil && a.cfg.Transcript.PostgresDSN != "" {
		store, err := postgres.NewStore(ctx, a.cfg.Transcript.PostgresDSN)
		if err != nil {
			return err
		}
		a.store = store
		a.closers = append(a.closers, func() error { store.Close(); return nil })
		slog.Info("transcript store connected", "session_id", a.sessionID)
	}
	if a.store != nil {
		a.sink = newAsyncSink(a.store, a.sessionID, sinkQueueDepth, a.metrics)
	}
	return nil
}

func (a *App) initSession() {
	var logOpts []transcript.Option
	if a.sink != nil {
		logOpts = append(logOpts, transcript.WithSink(a.sink))
	}
	a.log = transcript.New(logOpts...)

	tc := a.cfg.Transport
	cc := a.cfg.Capture
	a.sess = live.New(a.devices.Transport, a.devices.Capture, a.devices.Playback,
		live.WithSessionConfig(transport.SessionConfig{
			Model:              tc.Model,
			Voice:              tc.Voice,
			Instructions:       tc.Instructions,
			InputTranscription: tc.InputTranscription,
		}),
		live.WithTranscript(a.log),
		live.WithMetrics(a.metrics),
		live.WithCaptureFormat(audio.Format{SampleRate: cc.SampleRate, Channels: 1}),
		live.WithBlockSize(cc.BlockSize),
		live.WithQueueDepth(cc.QueueDepth),
	)
	a.sess.OnStateChange(func(from, to live.State) {
		slog.Info("session state changed",
			"session_id", a.sessionID,
			"from", from.String(),
			"to", to.String(),
		)
	})
}

func (a *App) initServer() {
	checks := []health.Checker{
		health.State("session", func() (string, bool) {
			st := a.sess.State()
			return st.String(), st == live.Active
		}),
	}
	if a.store != nil {
		checks = append(checks, health.Ping("transcript_store", a.store.Ping))
	}

	mux := http.NewServeMux()
	health.New(checks...).Register(mux)
	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}
	a.srv = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Session returns the live session. Register state observers on it before
// calling Run.
func (a *App) Session() *live.Session { return a.sess }

// Transcript returns the session's transcript log.
func (a *App) Transcript() *transcript.Log { return a.log }

// SessionID returns the ID transcript entries are stored under.
func (a *App) SessionID() string { return a.sessionID }

// Addr returns the HTTP listen address once Run has bound it, or "".
func (a *App) Addr() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run binds the HTTP server, starts the playback clock and the session, and
// blocks until ctx is cancelled (returns nil) or the session ends on its own
// (returns the session's error, nil for a remote close). Cancelling ctx
// stops the session; [App.Shutdown] releases everything else.
func (a *App) Run(ctx context.Context) error {
	if a.srv != nil {
		ln, err := net.Listen("tcp", a.srv.Addr)
		if err != nil {
			return fmt.Errorf("app: listen %q: %w", a.srv.Addr, err)
		}
		a.listener = ln
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			slog.Info("http server listening", "addr", ln.Addr().String())
			if err := a.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("http server failed", "err", err)
			}
		}()
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancelRun = cancel
	if a.sink != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.sink.run()
		}()
	}
	if r, ok := a.devices.Playback.(runner); ok {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := r.Run(runCtx); err != nil {
				slog.Error("playback device stopped", "err", err)
			}
		}()
	}

	// Cancelling ctx stops the session rather than failing its handshake,
	// so a signal while Connecting still ends in Closed.
	defer context.AfterFunc(ctx, func() { _ = a.sess.Stop() })()

	startCtx, cancelStart := context.WithTimeout(context.WithoutCancel(ctx), a.startTimeout)
	err := a.sess.Start(startCtx)
	cancelStart()
	switch {
	case errors.Is(err, live.ErrStopped):
		slog.Info("session stopped before it became active", "session_id", a.sessionID)
		return nil
	case err != nil && ctx.Err() != nil && errors.Is(err, live.ErrInvalidTransition):
		// ctx was already done, so the session was stopped while Idle.
		return nil
	case err != nil:
		return fmt.Errorf("app: start session: %w", err)
	}
	slog.Info("session active", "session_id", a.sessionID, "transport", a.cfg.Transport.Name)

	select {
	case <-ctx.Done():
		return nil
	case <-a.sess.Done():
		return a.sess.Err()
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the session, the HTTP server and the device goroutines,
// then runs the closers. If ctx expires first the remaining steps are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "session_id", a.sessionID)

		stopped := make(chan error, 1)
		go func() { stopped <- a.sess.Stop() }()
		select {
		case err := <-stopped:
			if err != nil {
				slog.Warn("session release error", "err", err)
			}
		case <-ctx.Done():
			slog.Warn("shutdown deadline exceeded while stopping session")
			shutdownErr = ctx.Err()
			return
		}

		if a.srv != nil {
			if err := a.srv.Shutdown(ctx); err != nil {
				slog.Warn("http server shutdown error", "err", err)
			}
		}
		if a.cancelRun != nil {
			a.cancelRun()
		}
		if a.sink != nil {
			a.sink.close()
		}
		if c, ok := a.devices.Playback.(io.Closer); ok {
			if err := c.Close(); err != nil {
				slog.Warn("playback close error", "err", err)
			}
		}

		done := make(chan struct{})
		go func() { a.wg.Wait(); close(done) }()
		select {
		case <-done:
		case <-ctx.Done():
			slog.Warn("shutdown deadline exceeded while waiting for goroutines")
			shutdownErr = ctx.Err()
			return
		}

		for i, closer := range a.closers {
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}
