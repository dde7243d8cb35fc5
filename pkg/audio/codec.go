package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"mime"
	"strconv"
)

// PCMMediaType is the media type prefix used for raw PCM16 packets.
const PCMMediaType = "audio/pcm"

var (
	// ErrDecode is matched by every error returned from [Decode].
	ErrDecode = errors.New("audio: malformed packet")

	// ErrFrameTooLarge is returned by [Encode] when a frame exceeds
	// [MaxFrameSamples] samples per channel.
	ErrFrameTooLarge = errors.New("audio: frame exceeds maximum frame length")
)

// DecodeError describes why an inbound packet could not be decoded.
type DecodeError struct {
	MediaType string
	Reason    string
	Err       error
}

func (e *DecodeError) Error() string {
	msg := fmt.Sprintf("audio: decode %q: %s", e.MediaType, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is reports whether target is [ErrDecode].
func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

func (e *DecodeError) Unwrap() error { return e.Err }

// EncodedPacket is the transport-ready representation of one [AudioFrame]:
// little-endian PCM16 wrapped in standard base64 so it can travel inside
// text (JSON) messages.
type EncodedPacket struct {
	// MediaType is e.g. "audio/pcm;rate=16000". A channels parameter may be
	// present; mono is assumed when it is absent.
	MediaType string

	// Payload is the base64-encoded sample data.
	Payload string
}

// MediaTypeFor returns the media type string describing f.
func MediaTypeFor(f Format) string {
	// Wire form has no space after ';' (mime.FormatMediaType adds one).
	mt := PCMMediaType + ";rate=" + strconv.Itoa(f.SampleRate)
	if f.Channels > 1 {
		mt += ";channels=" + strconv.Itoa(f.Channels)
	}
	return mt
}

// ParseMediaType extracts the PCM format from a media type such as
// "audio/pcm;rate=24000". A missing rate defaults to [OutputSampleRate]; a
// missing channels parameter means mono.
func ParseMediaType(mediaType string) (Format, error) {
	mt, params, err := mime.ParseMediaType(mediaType)
	if err != nil {
		return Format{}, err
	}
	if mt != PCMMediaType {
		return Format{}, fmt.Errorf("unsupported media type %q", mt)
	}
	f := Format{SampleRate: OutputSampleRate, Channels: 1}
	if v, ok := params["rate"]; ok {
		if f.SampleRate, err = strconv.Atoi(v); err != nil || f.SampleRate <= 0 {
			return Format{}, fmt.Errorf("invalid rate %q", v)
		}
	}
	if v, ok := params["channels"]; ok {
		if f.Channels, err = strconv.Atoi(v); err != nil || f.Channels <= 0 {
			return Format{}, fmt.Errorf("invalid channels %q", v)
		}
	}
	return f, nil
}

// Quantize converts floating-point samples in [-1, 1] to PCM16 by scaling
// with 32768 and truncating toward zero. Input outside the range is not
// clamped: 1.0 wraps to -32768.
func Quantize(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		out[i] = int16(int32(s * 32768))
	}
	return out
}

// Dequantize converts PCM16 samples to floating point in [-1, 1).
func Dequantize(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768
	}
	return out
}

// PCMBytes serialises samples as little-endian PCM16.
func PCMBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// PCMSamples parses little-endian PCM16 bytes. A trailing odd byte is
// ignored; callers that care must check the length first.
func PCMSamples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// Encode converts f into its wire representation.
func Encode(f AudioFrame) (EncodedPacket, error) {
	if f.Channels <= 0 || f.SampleRate <= 0 {
		return EncodedPacket{}, fmt.Errorf("audio: encode: invalid format %s", formatString(f.SampleRate, f.Channels))
	}
	if f.Frames() > MaxFrameSamples {
		return EncodedPacket{}, fmt.Errorf("%w: %d samples", ErrFrameTooLarge, f.Frames())
	}
	return EncodedPacket{
		MediaType: MediaTypeFor(f.Format()),
		Payload:   EncodePayload(f.Samples),
	}, nil
}

// EncodePayload returns the base64 wire payload of samples without the
// frame length check applied by [Encode]. Transports use it to re-encode
// audio after a format conversion.
func EncodePayload(samples []int16) string {
	return base64.StdEncoding.EncodeToString(PCMBytes(samples))
}

// Decode converts a wire packet back into an [AudioFrame]. It is the exact
// inverse of [Encode] on sample data. Malformed packets yield a
// [*DecodeError].
func Decode(p EncodedPacket) (AudioFrame, error) {
	format, err := ParseMediaType(p.MediaType)
	if err != nil {
		return AudioFrame{}, &DecodeError{MediaType: p.MediaType, Reason: "media type", Err: err}
	}
	raw, err := base64.StdEncoding.DecodeString(p.Payload)
	if err != nil {
		return AudioFrame{}, &DecodeError{MediaType: p.MediaType, Reason: "payload", Err: err}
	}
	if len(raw)%2 != 0 {
		return AudioFrame{}, &DecodeError{MediaType: p.MediaType, Reason: fmt.Sprintf("odd byte count %d", len(raw))}
	}
	samples := PCMSamples(raw)
	if len(samples)%format.Channels != 0 {
		return AudioFrame{}, &DecodeError{MediaType: p.MediaType, Reason: "partial sample frame"}
	}
	return AudioFrame{
		Samples:    samples,
		SampleRate: format.SampleRate,
		Channels:   format.Channels,
	}, nil
}
