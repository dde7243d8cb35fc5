package audio

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns e.g. "16000Hz mono".
func (f Format) String() string { return formatString(f.SampleRate, f.Channels) }

// Duration returns the playback length of n sample frames in this format.
func (f Format) Duration(frames int) time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(frames) * int64(time.Second) / int64(f.SampleRate))
}

// FramesIn returns the number of sample frames in d, rounded to the nearest
// frame. FramesIn(Duration(n)) == n for any rate below 500 MHz.
func (f Format) FramesIn(d time.Duration) int {
	if d <= 0 || f.SampleRate <= 0 {
		return 0
	}
	return int((int64(d)*int64(f.SampleRate) + int64(time.Second)/2) / int64(time.Second))
}

// FormatConverter converts AudioFrames to a target format. It logs a warning
// on the first format mismatch.
// Create one per stream; not designed for shared use across goroutines.
type FormatConverter struct {
	Target         Format
	warnedMismatch sync.Once
}

// Convert converts a frame to the target format. If the source format already
// matches the target, the frame is returned unchanged (zero allocation).
// Conversion order: resample first, then channel convert.
func (c *FormatConverter) Convert(frame AudioFrame) AudioFrame {
	if frame.SampleRate == c.Target.SampleRate && frame.Channels == c.Target.Channels {
		return frame
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", formatString(frame.SampleRate, frame.Channels),
			"to", c.Target.String(),
		)
	})

	samples := frame.Samples
	channels := frame.Channels

	// Resample before channel conversion so stereo input bound for a mono
	// target is only resampled once per frame.
	if frame.SampleRate != c.Target.SampleRate {
		switch channels {
		case 1:
			samples = ResampleMono16(samples, frame.SampleRate, c.Target.SampleRate)
		case 2:
			samples = ResampleStereo16(samples, frame.SampleRate, c.Target.SampleRate)
		}
	}

	if channels != c.Target.Channels {
		if channels == 1 && c.Target.Channels == 2 {
			samples = MonoToStereo(samples)
		} else if channels == 2 && c.Target.Channels == 1 {
			samples = StereoToMono(samples)
		}
		channels = c.Target.Channels
	}

	return AudioFrame{
		Samples:    samples,
		SampleRate: c.Target.SampleRate,
		Channels:   channels,
		Timestamp:  frame.Timestamp,
	}
}

// MonoToStereo duplicates each mono sample into an L+R pair.
func MonoToStereo(samples []int16) []int16 {
	out := make([]int16, len(samples)*2)
	for i, s := range samples {
		out[i*2] = s
		out[i*2+1] = s
	}
	return out
}

// StereoToMono averages L+R per stereo frame. Uses int32 arithmetic so the
// average cannot overflow.
func StereoToMono(samples []int16) []int16 {
	frames := len(samples) / 2
	out := make([]int16, frames)
	for i := range frames {
		out[i] = int16((int32(samples[i*2]) + int32(samples[i*2+1])) / 2)
	}
	return out
}

// ResampleMono16 resamples mono PCM16 from srcRate to dstRate using linear
// interpolation. If srcRate == dstRate, the input is returned unchanged.
func ResampleMono16(samples []int16, srcRate, dstRate int) []int16 {
	return resample(samples, 1, srcRate, dstRate)
}

// ResampleStereo16 resamples interleaved stereo PCM16 from srcRate to dstRate
// using linear interpolation per channel.
func ResampleStereo16(samples []int16, srcRate, dstRate int) []int16 {
	return resample(samples, 2, srcRate, dstRate)
}

func resample(samples []int16, channels, srcRate, dstRate int) []int16 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) < channels {
		return samples
	}
	srcFrames := len(samples) / channels
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]int16, dstFrames*channels)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstFrames {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)
		next := srcIdx + 1
		if next >= srcFrames {
			next = srcIdx
		}
		for ch := range channels {
			s0 := float64(samples[srcIdx*channels+ch])
			s1 := float64(samples[next*channels+ch])
			out[i*channels+ch] = int16(math.Round(s0*(1-frac) + s1*frac))
		}
	}
	return out
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
