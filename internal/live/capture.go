package live

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/livecore/internal/observe"
	"github.com/MrWong99/livecore/pkg/audio"
	"github.com/MrWong99/livecore/pkg/transport"
)

// wireFormat is the format of every packet sent upstream.
var wireFormat = audio.Format{SampleRate: audio.InputSampleRate, Channels: 1}

// capture owns an acquired microphone stream and forwards its blocks to the
// transport. The device callback only encodes and enqueues; a single
// forwarder goroutine performs the network sends in FIFO order.
type capture struct {
	stream  audio.CaptureStream
	conn    transport.Conn
	metrics *observe.Metrics

	format audio.Format
	conv   *audio.FormatConverter
	queue  chan audio.EncodedPacket

	// offset is the capture timestamp of the next block. Only the device
	// goroutine touches it.
	offset time.Duration

	stopped   atomic.Bool
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error

	sendErrs   atomic.Int64
	encodeWarn sync.Once
}

func newCapture(stream audio.CaptureStream, conn transport.Conn, m *observe.Metrics, queueDepth int) *capture {
	return &capture{
		stream:  stream,
		conn:    conn,
		metrics: m,
		format:  stream.Format(),
		conv:    &audio.FormatConverter{Target: wireFormat},
		queue:   make(chan audio.EncodedPacket, queueDepth),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// start registers the block callback and launches the forwarder.
func (c *capture) start() error {
	go c.forward()
	if err := c.stream.Start(c.onBlock); err != nil {
		c.stopped.Store(true)
		close(c.quit)
		return err
	}
	return nil
}

// onBlock runs on the device goroutine and must not block.
func (c *capture) onBlock(block []float32) {
	if c.stopped.Load() {
		return
	}
	ctx := context.Background()
	c.metrics.CaptureBlocks.Add(ctx, 1)

	frame := audio.AudioFrame{
		Samples:    audio.Quantize(block),
		SampleRate: c.format.SampleRate,
		Channels:   c.format.Channels,
		Timestamp:  c.offset,
	}
	c.offset += frame.Duration()

	pkt, err := audio.Encode(c.conv.Convert(frame))
	if err != nil {
		c.encodeWarn.Do(func() {
			slog.Warn("live: dropping captured block", "err", err)
		})
		c.metrics.CaptureDropped.Add(ctx, 1)
		return
	}

	select {
	case c.queue <- pkt:
	default:
		c.metrics.CaptureDropped.Add(ctx, 1)
	}
}

func (c *capture) forward() {
	defer close(c.done)
	ctx := context.Background()
	for {
		select {
		case <-c.quit:
			return
		case pkt := <-c.queue:
			if c.stopped.Load() {
				return
			}
			if err := c.conn.Send(pkt); err != nil {
				c.metrics.SendErrors.Add(ctx, 1)
				if errors.Is(err, transport.ErrClosed) {
					continue
				}
				// The receive side reports the fatal error; only the
				// first send failure is worth a warning.
				if c.sendErrs.Add(1) == 1 {
					slog.Warn("live: send audio failed", "err", err)
				} else {
					slog.Debug("live: send audio failed", "err", err)
				}
				continue
			}
			c.metrics.PacketsSent.Add(ctx, 1)
		}
	}
}

// close deregisters the callback and releases the microphone. The forwarder
// may still be inside a Send; call wait after closing the connection.
func (c *capture) close() error {
	c.closeOnce.Do(func() {
		if !c.stopped.Swap(true) {
			close(c.quit)
		}
		c.closeErr = c.stream.Close()
	})
	return c.closeErr
}

// wait blocks until the forwarder has exited.
func (c *capture) wait() { <-c.done }
