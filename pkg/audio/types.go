package audio

import "time"

const (
	// InputSampleRate is the rate at which microphone audio is sent upstream.
	InputSampleRate = 16000

	// OutputSampleRate is the rate of synthesised audio received from the
	// remote endpoint.
	OutputSampleRate = 24000

	// MaxFrameSamples bounds the number of samples per channel carried by a
	// single [AudioFrame] or [EncodedPacket]. It bounds the latency added by
	// batching on the capture side.
	MaxFrameSamples = 4096
)

// AudioFrame represents a single frame of audio data flowing through the pipeline.
// Frames are produced transiently by capture or decode and consumed exactly
// once by the next pipeline stage. A frame must not be shared after it has
// been handed on.
type AudioFrame struct {
	// Samples holds interleaved signed 16-bit PCM samples.
	Samples []int16

	// SampleRate in Hz (e.g., 16000 for capture, 24000 for playback).
	SampleRate int

	// Channels: 1 for mono, 2 for interleaved stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Format returns the sample rate and channel count of f.
func (f AudioFrame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

// Frames returns the number of sample frames (samples per channel) in f.
func (f AudioFrame) Frames() int {
	if f.Channels <= 0 {
		return 0
	}
	return len(f.Samples) / f.Channels
}

// Duration returns the nominal playback length of f.
func (f AudioFrame) Duration() time.Duration {
	return f.Format().Duration(f.Frames())
}
