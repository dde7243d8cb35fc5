package ffmpeg

import (
	"container/heap"
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
	"sync"
	"time"

	"github.com/MrWong99/livecore/pkg/audio"
)

var (
	_ audio.PlaybackDevice = (*Player)(nil)
	_ audio.Voice          = (*voice)(nil)
)

// DefaultTick is the amount of audio rendered per clock step.
const DefaultTick = 20 * time.Millisecond

// ErrPlayerClosed is returned by Submit after Close.
var ErrPlayerClosed = errors.New("ffmpeg: player closed")

// PlayerOption configures a [Player].
type PlayerOption func(*Player)

// WithTick sets the clock step. Smaller ticks lower latency at the cost of
// more writes.
func WithTick(d time.Duration) PlayerOption {
	return func(p *Player) {
		if d > 0 {
			p.tick = d
		}
	}
}

// WithFormat sets the output format. Defaults to 24 kHz mono.
func WithFormat(f audio.Format) PlayerOption {
	return func(p *Player) { p.format = f }
}

// ── Voices ─────────────────────────────────────────────────────────────────────

// voice is one submitted frame on the timeline.
type voice struct {
	player  *Player
	seq     uint64
	start   int64 // in output frames
	samples []int16
	done    chan struct{}
	ended   bool // guarded by player.mu
}

func (v *voice) end() int64 { return v.start + int64(len(v.samples)/v.player.format.Channels) }

func (v *voice) Stop() { v.player.stop(v) }

func (v *voice) Done() <-chan struct{} { return v.done }

// voiceHeap orders voices by start frame, FIFO on ties.
type voiceHeap []*voice

func (h voiceHeap) Len() int { return len(h) }

func (h voiceHeap) Less(i, j int) bool {
	if h[i].start != h[j].start {
		return h[i].start < h[j].start
	}
	return h[i].seq < h[j].seq
}

func (h voiceHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *voiceHeap) Push(x any) { *h = append(*h, x.(*voice)) }

func (h *voiceHeap) Pop() any {
	old := *h
	n := len(old)
	v := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return v
}

// ── Player ─────────────────────────────────────────────────────────────────────

// Player is an [audio.PlaybackDevice] with a software output clock. Each
// tick it mixes every voice overlapping the next tick window into PCM16 and
// writes it to the output. The clock is the number of frames written, so it
// advances exactly as fast as audio is handed to the sink.
//
// All methods are safe for concurrent use.
type Player struct {
	out    io.Writer
	closer func() error
	format audio.Format
	tick   time.Duration

	mu       sync.Mutex
	conv     *audio.FormatConverter
	rendered int64 // frames written
	pending  voiceHeap
	playing  []*voice
	seq      uint64
	closed   bool

	// Timeline position and frame at which the last submitted voice ends.
	// A voice starting exactly there continues on the same frame, so
	// rounding in the time domain cannot open a gap or overlap.
	tailAt    time.Duration
	tailFrame int64

	mix []int32
	buf []byte
}

// NewPlayer creates a Player writing little-endian PCM16 to out. Call
// [Player.Run] to drive the clock in real time, or [Player.Tick] to step it
// manually.
func NewPlayer(out io.Writer, opts ...PlayerOption) *Player {
	p := &Player{
		out:    out,
		format: audio.Format{SampleRate: audio.OutputSampleRate, Channels: 1},
		tick:   DefaultTick,
	}
	for _, o := range opts {
		o(p)
	}
	p.conv = &audio.FormatConverter{Target: p.format}
	n := p.format.FramesIn(p.tick) * p.format.Channels
	p.mix = make([]int32, n)
	p.buf = make([]byte, n*2)
	return p
}

// NewFFplayPlayer starts ffplay reading raw PCM16 from stdin and returns a
// Player feeding it. Close stops ffplay.
func NewFFplayPlayer(path string, opts ...PlayerOption) (*Player, error) {
	if path == "" {
		path = "ffplay"
	}
	p := NewPlayer(nil, opts...)

	layout := "mono"
	if p.format.Channels == 2 {
		layout = "stereo"
	}
	args := []string{
		"-hide_banner", "-loglevel", "error", "-nostats", "-nodisp",
		"-f", "s16le",
		"-ch_layout", layout,
		"-ar", strconv.Itoa(p.format.SampleRate),
		"-i", "-",
	}
	if _, err := exec.LookPath(path); err != nil {
		return nil, fmt.Errorf("ffmpeg: ffplay not found: %w", err)
	}
	cmd := exec.Command(path, args...)
	if runtime.GOOS == "darwin" && os.Getenv("SDL_AUDIODRIVER") == "" {
		cmd.Env = append(os.Environ(), "SDL_AUDIODRIVER=coreaudio")
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: ffplay stdin: %w", err)
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffmpeg: start ffplay: %w", err)
	}
	p.out = stdin
	p.closer = func() error {
		_ = stdin.Close()
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil
	}
	return p, nil
}

// Format returns the output format.
func (p *Player) Format() audio.Format { return p.format }

// Now returns the duration of audio written so far.
func (p *Player) Now() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.format.Duration(int(p.rendered))
}

// Submit places frame on the timeline at start. Frames in another format
// are converted; a start in the past begins at the next tick.
func (p *Player) Submit(frame audio.AudioFrame, start time.Duration) (audio.Voice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPlayerClosed
	}
	end := start + frame.Duration()
	frame = p.conv.Convert(frame)

	at := int64(p.format.FramesIn(start))
	if start == p.tailAt && p.tailFrame > 0 {
		at = p.tailFrame
	}
	if at < p.rendered {
		at = p.rendered
	}
	p.tailAt = end
	p.tailFrame = at + int64(len(frame.Samples)/p.format.Channels)
	p.seq++
	v := &voice{
		player:  p,
		seq:     p.seq,
		start:   at,
		samples: frame.Samples,
		done:    make(chan struct{}),
	}
	if len(v.samples) == 0 {
		v.ended = true
		close(v.done)
		return v, nil
	}
	heap.Push(&p.pending, v)
	return v, nil
}

func (p *Player) stop(v *voice) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v.ended {
		return
	}
	for i, pv := range p.pending {
		if pv == v {
			heap.Remove(&p.pending, i)
			break
		}
	}
	for i, pv := range p.playing {
		if pv == v {
			p.playing = append(p.playing[:i], p.playing[i+1:]...)
			break
		}
	}
	v.ended = true
	close(v.done)
}

// Tick renders one clock step and writes it to the output.
func (p *Player) Tick() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPlayerClosed
	}
	ch := p.format.Channels
	frames := int64(len(p.mix) / ch)
	from, to := p.rendered, p.rendered+frames

	for p.pending.Len() > 0 && p.pending[0].start < to {
		p.playing = append(p.playing, heap.Pop(&p.pending).(*voice))
	}

	clear(p.mix)
	kept := p.playing[:0]
	for _, v := range p.playing {
		lo := max(v.start, from)
		hi := min(v.end(), to)
		for f := lo; f < hi; f++ {
			src := (f - v.start) * int64(ch)
			dst := (f - from) * int64(ch)
			for c := range int64(ch) {
				p.mix[dst+c] += int32(v.samples[src+c])
			}
		}
		if v.end() <= to {
			v.ended = true
			close(v.done)
			continue
		}
		kept = append(kept, v)
	}
	clear(p.playing[len(kept):])
	p.playing = kept

	for i, s := range p.mix {
		binary.LittleEndian.PutUint16(p.buf[i*2:], uint16(saturate(s)))
	}
	p.rendered = to
	out := p.out
	buf := append([]byte(nil), p.buf...)
	p.mu.Unlock()

	if out == nil {
		return nil
	}
	if _, err := out.Write(buf); err != nil {
		return fmt.Errorf("ffmpeg: write output: %w", err)
	}
	return nil
}

func saturate(s int32) int16 {
	switch {
	case s > math.MaxInt16:
		return math.MaxInt16
	case s < math.MinInt16:
		return math.MinInt16
	default:
		return int16(s)
	}
}

// Run ticks in real time until ctx is done or a write fails.
func (p *Player) Run(ctx context.Context) error {
	t := time.NewTicker(p.tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := p.Tick(); err != nil {
				if errors.Is(err, ErrPlayerClosed) {
					return nil
				}
				slog.Error("ffmpeg: playback stopped", "err", err)
				return err
			}
		}
	}
}

// Close ends every voice and releases the output.
func (p *Player) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for _, v := range p.pending {
		v.ended = true
		close(v.done)
	}
	for _, v := range p.playing {
		v.ended = true
		close(v.done)
	}
	p.pending, p.playing = nil, nil
	closer := p.closer
	p.mu.Unlock()

	if closer != nil {
		return closer()
	}
	return nil
}
