// Package audio defines the frame types, the wire codec, and the device
// contracts used by the live session core.
//
// The two device abstractions are:
//
//   - [CaptureDevice] is the microphone. Acquiring it yields a [CaptureStream]
//     that delivers fixed-size float32 blocks from the device's own real-time
//     goroutine until the stream is closed.
//   - [PlaybackDevice] is the speaker. It exposes a queryable output clock and
//     accepts frames tagged with an explicit start time on that clock.
//
// Implementations live in adapter packages (e.g., audio/ffmpeg) and in
// audio/mock for tests. This package lives under pkg/ because external code
// is expected to implement the device interfaces.
package audio

import (
	"context"
	"errors"
	"time"
)

// ErrDeviceClosed is returned by device operations after Close.
var ErrDeviceClosed = errors.New("audio: device closed")

// BlockFunc receives one block of captured samples. It is invoked on the
// capture device's real-time goroutine and must not block. The slice is only
// valid for the duration of the call.
type BlockFunc func(block []float32)

// CaptureStream is an acquired, exclusively owned microphone stream.
//
// Close releases the underlying device. It must be safe to call more than
// once; subsequent calls are no-ops.
type CaptureStream interface {
	// Format reports the sample rate and channel count of delivered blocks.
	Format() Format

	// Start begins delivering blocks to fn. Start may be called at most once.
	Start(fn BlockFunc) error

	// Err delivers at most one error when the stream stops on its own after
	// Start, e.g. because the device was unplugged. It never fires for a
	// stream ended by Close.
	Err() <-chan error

	// Close stops delivery and releases the device. After Close returns, fn
	// is never invoked again.
	Close() error
}

// CaptureDevice is a source of microphone streams.
//
// Implementations must be safe for concurrent use.
type CaptureDevice interface {
	// Acquire opens the device for exclusive use. format is the requested
	// format; implementations may deliver a different one, reported by
	// [CaptureStream.Format]. blockSize is the number of sample frames per
	// delivered block.
	//
	// Returns an error when permission is denied or the device is
	// unavailable. ctx bounds the acquisition only.
	Acquire(ctx context.Context, format Format, blockSize int) (CaptureStream, error)
}

// Voice is one frame submitted to a [PlaybackDevice].
type Voice interface {
	// Stop cancels the voice whether it is playing or still waiting for its
	// start time. Stop is idempotent.
	Stop()

	// Done is closed when the voice finishes playing or is stopped.
	Done() <-chan struct{}
}

// PlaybackDevice renders frames against its own output clock.
//
// Implementations must be safe for concurrent use.
type PlaybackDevice interface {
	// Now returns the current output clock time. The clock starts at zero
	// when the device is opened and never goes backwards.
	Now() time.Duration

	// Submit schedules frame to begin playing at start on the output clock.
	// A start in the past begins playback immediately.
	Submit(frame AudioFrame, start time.Duration) (Voice, error)
}
