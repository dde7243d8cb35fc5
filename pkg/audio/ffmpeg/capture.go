// Package ffmpeg provides audio devices backed by the ffmpeg command-line
// tools: a [CaptureDevice] that records the system microphone through
// ffmpeg and a [Player] that renders a sample-accurate output timeline into
// ffplay (or any [io.Writer]).
//
// Both tools must be installed and on PATH (or configured with an explicit
// path option).
package ffmpeg

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/MrWong99/livecore/pkg/audio"
)

var (
	_ audio.CaptureDevice = (*CaptureDevice)(nil)
	_ audio.CaptureStream = (*captureStream)(nil)
)

// sourceFunc starts the capture process and returns its raw f32le output.
type sourceFunc func(path string, args []string) (io.ReadCloser, func() error, error)

// CaptureOption configures a [CaptureDevice].
type CaptureOption func(*CaptureDevice)

// WithFFmpegPath sets the ffmpeg binary. Defaults to "ffmpeg" on PATH.
func WithFFmpegPath(path string) CaptureOption {
	return func(d *CaptureDevice) { d.path = path }
}

// WithInput sets the ffmpeg input as "<format>:<device>", e.g.
// "pulse:default", "alsa:hw:0" or "avfoundation::0". The default depends on
// the operating system.
func WithInput(spec string) CaptureOption {
	return func(d *CaptureDevice) { d.input = spec }
}

// CaptureDevice records from the system microphone by running ffmpeg and
// reading 32-bit float samples from its stdout.
type CaptureDevice struct {
	path   string
	input  string
	source sourceFunc
}

// NewCaptureDevice creates a CaptureDevice.
func NewCaptureDevice(opts ...CaptureOption) *CaptureDevice {
	d := &CaptureDevice{path: "ffmpeg", source: startProcess}
	for _, o := range opts {
		o(d)
	}
	return d
}

// inputArgs returns the ffmpeg input flags for spec, or the platform
// default when spec is empty.
func inputArgs(goos, spec string) ([]string, error) {
	if spec == "" {
		switch goos {
		case "linux":
			spec = "pulse:default"
		case "darwin":
			spec = "avfoundation::0"
		default:
			return nil, fmt.Errorf("ffmpeg: no default microphone input for %s", goos)
		}
	}
	format, device, ok := strings.Cut(spec, ":")
	if !ok || format == "" || device == "" {
		return nil, fmt.Errorf("ffmpeg: invalid input %q, want <format>:<device>", spec)
	}
	return []string{"-f", format, "-i", device}, nil
}

// captureArgs builds the full ffmpeg argument list.
func captureArgs(goos, spec string, format audio.Format) ([]string, error) {
	in, err := inputArgs(goos, spec)
	if err != nil {
		return nil, err
	}
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}
	args = append(args, in...)
	args = append(args,
		"-ac", strconv.Itoa(format.Channels),
		"-ar", strconv.Itoa(format.SampleRate),
		"-f", "f32le", "-",
	)
	return args, nil
}

// Acquire starts ffmpeg and waits for the first block, so a missing
// microphone or denied permission (ffmpeg exits at once) fails here rather
// than after the session is live. ffmpeg converts to the requested format,
// so the stream always reports format.
func (d *CaptureDevice) Acquire(ctx context.Context, format audio.Format, blockSize int) (audio.CaptureStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if format.SampleRate <= 0 || format.Channels <= 0 || blockSize <= 0 {
		return nil, fmt.Errorf("ffmpeg: invalid capture format %s, block %d", format, blockSize)
	}
	args, err := captureArgs(runtime.GOOS, d.input, format)
	if err != nil {
		return nil, err
	}
	r, stop, err := d.source(d.path, args)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: start capture: %w", err)
	}
	release := func() {
		if stop != nil {
			_ = stop()
		}
		_ = r.Close()
	}

	first := make([]byte, blockSize*format.Channels*4)
	read := make(chan error, 1)
	go func() {
		_, err := io.ReadFull(r, first)
		read <- err
	}()
	select {
	case err := <-read:
		if err != nil {
			release()
			return nil, fmt.Errorf("ffmpeg: microphone produced no audio: %w", err)
		}
	case <-ctx.Done():
		release()
		<-read
		return nil, ctx.Err()
	}

	return &captureStream{
		r:         r,
		wait:      stop,
		format:    format,
		blockSize: blockSize,
		first:     first,
		errc:      make(chan error, 1),
		done:      make(chan struct{}),
	}, nil
}

func startProcess(path string, args []string) (io.ReadCloser, func() error, error) {
	if _, err := exec.LookPath(path); err != nil {
		return nil, nil, err
	}
	cmd := exec.Command(path, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, err
	}
	stderr := &tailBuffer{max: 512}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, nil, err
	}
	stop := func() error {
		_ = cmd.Process.Kill()
		err := cmd.Wait()
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// Killed on purpose.
			return nil
		}
		return err
	}
	return &processOutput{ReadCloser: stdout, stderr: stderr}, stop, nil
}

// processOutput appends ffmpeg's last stderr output to the EOF that ends
// its stdout, which is where ffmpeg explains a missing device.
type processOutput struct {
	io.ReadCloser
	stderr *tailBuffer
}

func (p *processOutput) Read(b []byte) (int, error) {
	n, err := p.ReadCloser.Read(b)
	if err == io.EOF {
		if msg := p.stderr.String(); msg != "" {
			err = fmt.Errorf("%w: %s", io.EOF, msg)
		}
	}
	return n, err
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}

type captureStream struct {
	r         io.ReadCloser
	wait      func() error
	format    audio.Format
	blockSize int
	first     []byte // read by Acquire, delivered first
	errc      chan error

	// mu is held while the callback runs so Close can guarantee no call is
	// in flight after it returns.
	mu      sync.Mutex
	fn      audio.BlockFunc
	started bool
	closed  bool

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func (s *captureStream) Format() audio.Format { return s.format }

func (s *captureStream) Start(fn audio.BlockFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return audio.ErrDeviceClosed
	}
	if s.started {
		return errors.New("ffmpeg: capture already started")
	}
	s.started = true
	s.fn = fn
	go s.readLoop()
	return nil
}

// Err delivers the error that ended capture when ffmpeg stops on its own.
func (s *captureStream) Err() <-chan error { return s.errc }

func (s *captureStream) readLoop() {
	defer close(s.done)
	buf := s.first
	block := make([]float32, s.blockSize*s.format.Channels)
	for primed := true; ; primed = false {
		if !primed {
			if _, err := io.ReadFull(s.r, buf); err != nil {
				s.fail(err)
				return
			}
		}
		for i := range block {
			block[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.fn(block)
		s.mu.Unlock()
	}
}

func (s *captureStream) fail(err error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	slog.Warn("ffmpeg: capture ended", "err", err)
	s.errc <- fmt.Errorf("ffmpeg: capture ended: %w", err)
}

// Close stops ffmpeg and waits for the reader goroutine.
func (s *captureStream) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		started := s.started
		s.mu.Unlock()

		var errs []error
		if s.wait != nil {
			errs = append(errs, s.wait())
		}
		if err := s.r.Close(); err != nil && !errors.Is(err, io.ErrClosedPipe) && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, err)
		}
		if started {
			<-s.done
		}
		if err := errors.Join(errs...); err != nil {
			s.closeErr = fmt.Errorf("ffmpeg: close capture: %w", err)
		}
	})
	return s.closeErr
}
