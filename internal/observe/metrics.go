// Package observe holds livecore's observability plumbing: OpenTelemetry
// instruments bridged to Prometheus, tracing helpers that tag slog output
// with trace IDs, and HTTP middleware.
//
// Production code records through [DefaultMetrics], which binds to the
// global meter provider installed by [InitProvider]. Tests build their own
// instruments with [NewMetrics] over a ManualReader.
package observe

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics are the instruments recorded by the session, the transcript
// writer and the HTTP server.
type Metrics struct {
	// Start: transport handshake and microphone acquisition together.
	HandshakeDuration metric.Float64Histogram

	// Uplink.
	CaptureBlocks  metric.Int64Counter
	CaptureDropped metric.Int64Counter // hand-off queue full
	PacketsSent    metric.Int64Counter
	SendErrors     metric.Int64Counter

	// Downlink.
	FramesScheduled   metric.Int64Counter
	PlaybackUnderruns metric.Int64Counter // start clamped forward to the output clock
	Interrupts        metric.Int64Counter
	DecodeErrors      metric.Int64Counter

	// Session and transcript. StateTransitions carries "from"/"to",
	// TranscriptEntries "role", TranscriptUnpersisted "reason".
	StateTransitions      metric.Int64Counter
	TranscriptEntries     metric.Int64Counter
	TranscriptUnpersisted metric.Int64Counter
	ActiveSessions        metric.Int64UpDownCounter

	// HTTP, by "method" and "path".
	HTTPRequestDuration metric.Float64Histogram
}

// handshakeBuckets are in seconds.
var handshakeBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(scopeName)
	m := &Metrics{}
	var err error

	m.HandshakeDuration, err = meter.Float64Histogram("livecore.session.handshake.duration",
		metric.WithDescription("Time from Start until the session is Active."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(handshakeBuckets...),
	)
	if err != nil {
		return nil, fmt.Errorf("observe: handshake histogram: %w", err)
	}
	m.HTTPRequestDuration, err = meter.Float64Histogram("livecore.http.request.duration",
		metric.WithDescription("Health and metrics endpoint latency."),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("observe: http histogram: %w", err)
	}
	m.ActiveSessions, err = meter.Int64UpDownCounter("livecore.active_sessions",
		metric.WithDescription("Sessions currently Active."),
	)
	if err != nil {
		return nil, fmt.Errorf("observe: active sessions: %w", err)
	}

	for _, c := range []struct {
		dst        *metric.Int64Counter
		name, help string
	}{
		{&m.CaptureBlocks, "livecore.capture.blocks", "Microphone blocks delivered."},
		{&m.CaptureDropped, "livecore.capture.dropped", "Microphone blocks dropped on a full queue."},
		{&m.PacketsSent, "livecore.transport.packets_sent", "Audio packets sent upstream."},
		{&m.SendErrors, "livecore.transport.send_errors", "Failed upstream sends."},
		{&m.FramesScheduled, "livecore.playback.frames_scheduled", "Frames placed on the output timeline."},
		{&m.PlaybackUnderruns, "livecore.playback.underruns", "Frames started late because playback ran dry."},
		{&m.Interrupts, "livecore.playback.interrupts", "Barge-in interrupts."},
		{&m.DecodeErrors, "livecore.playback.decode_errors", "Inbound packets dropped as malformed."},
		{&m.StateTransitions, "livecore.session.transitions", "Session state changes."},
		{&m.TranscriptEntries, "livecore.transcript.entries", "Transcript fragments appended."},
		{&m.TranscriptUnpersisted, "livecore.transcript.unpersisted", "Transcript fragments not written to the store."},
	} {
		if *c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.help)); err != nil {
			return nil, fmt.Errorf("observe: counter %s: %w", c.name, err)
		}
	}
	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns instruments on the global meter provider, created
// on first use.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		if defaultMetrics, err = NewMetrics(otel.GetMeterProvider()); err != nil {
			panic(err)
		}
	})
	return defaultMetrics
}

func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.StateTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

func (m *Metrics) RecordTranscript(ctx context.Context, role string) {
	m.TranscriptEntries.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role)))
}

// RecordUnpersisted counts a transcript entry the store never received.
// reason is one of "queue_full", "circuit_open" or "store_error".
func (m *Metrics) RecordUnpersisted(ctx context.Context, reason string) {
	m.TranscriptUnpersisted.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
