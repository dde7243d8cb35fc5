package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

type meterFixture struct {
	*Metrics
	reader *sdkmetric.ManualReader
}

func newMeterFixture(t *testing.T) meterFixture {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return meterFixture{Metrics: m, reader: reader}
}

func (f meterFixture) metric(t *testing.T, name string) metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := f.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m
			}
		}
	}
	t.Fatalf("metric %q not recorded", name)
	return metricdata.Metrics{}
}

// sum returns the value of the data point whose attributes include
// key=value, or the only data point when key is empty.
func (f meterFixture) sum(t *testing.T, name, key, value string) int64 {
	t.Helper()
	data, ok := f.metric(t, name).Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("%s is not an int64 sum", name)
	}
	for _, dp := range data.DataPoints {
		if key == "" {
			return dp.Value
		}
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value
		}
	}
	t.Fatalf("%s: no data point with %s=%q", name, key, value)
	return 0
}

func TestMetrics_SessionCounters(t *testing.T) {
	f := newMeterFixture(t)
	ctx := context.Background()

	f.CaptureBlocks.Add(ctx, 12)
	f.CaptureDropped.Add(ctx, 1)
	f.PacketsSent.Add(ctx, 11)
	f.Interrupts.Add(ctx, 2)
	f.PlaybackUnderruns.Add(ctx, 1)

	for name, want := range map[string]int64{
		"livecore.capture.blocks":         12,
		"livecore.capture.dropped":        1,
		"livecore.transport.packets_sent": 11,
		"livecore.playback.interrupts":    2,
		"livecore.playback.underruns":     1,
	} {
		if got := f.sum(t, name, "", ""); got != want {
			t.Errorf("%s = %d, want %d", name, got, want)
		}
	}
}

func TestMetrics_Transitions(t *testing.T) {
	f := newMeterFixture(t)
	ctx := context.Background()

	f.RecordTransition(ctx, "idle", "connecting")
	f.RecordTransition(ctx, "connecting", "active")
	f.RecordTransition(ctx, "active", "closed")
	f.ActiveSessions.Add(ctx, 1)
	f.ActiveSessions.Add(ctx, -1)

	if got := f.sum(t, "livecore.session.transitions", "to", "active"); got != 1 {
		t.Errorf("transitions to active = %d, want 1", got)
	}
	if got := f.sum(t, "livecore.active_sessions", "", ""); got != 0 {
		t.Errorf("active sessions = %d, want 0", got)
	}
}

func TestMetrics_Transcript(t *testing.T) {
	f := newMeterFixture(t)
	ctx := context.Background()

	f.RecordTranscript(ctx, "user")
	f.RecordTranscript(ctx, "assistant")
	f.RecordTranscript(ctx, "assistant")
	f.RecordUnpersisted(ctx, "queue_full")

	if got := f.sum(t, "livecore.transcript.entries", "role", "assistant"); got != 2 {
		t.Errorf("assistant entries = %d, want 2", got)
	}
	if got := f.sum(t, "livecore.transcript.unpersisted", "reason", "queue_full"); got != 1 {
		t.Errorf("unpersisted = %d, want 1", got)
	}
}

func TestMetrics_HandshakeBuckets(t *testing.T) {
	f := newMeterFixture(t)
	f.HandshakeDuration.Record(context.Background(), 0.3)

	hist, ok := f.metric(t, "livecore.session.handshake.duration").Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) != 1 {
		t.Fatalf("handshake histogram = %+v", hist)
	}
	dp := hist.DataPoints[0]
	if len(dp.Bounds) != len(handshakeBuckets) {
		t.Errorf("bounds = %v, want %v", dp.Bounds, handshakeBuckets)
	}
	if dp.Count != 1 || dp.Sum != 0.3 {
		t.Errorf("count/sum = %d/%v", dp.Count, dp.Sum)
	}
}

func TestDefaultMetrics_Singleton(t *testing.T) {
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics is not memoised")
	}
}
