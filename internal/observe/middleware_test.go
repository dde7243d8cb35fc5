package observe

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

func serve(t *testing.T, f meterFixture, status int, target string, hdr http.Header) (*httptest.ResponseRecorder, string) {
	t.Helper()
	var seen string
	h := Middleware(f.Metrics)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationID(r.Context())
		w.WriteHeader(status)
	}))
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range hdr {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec, seen
}

func TestMiddleware_Span(t *testing.T) {
	spans := useRecorder(t)
	f := newMeterFixture(t)

	rec, seen := serve(t, f, http.StatusServiceUnavailable, "/readyz", nil)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d", rec.Code)
	}
	if len(seen) != 32 || rec.Header().Get("X-Correlation-ID") != seen {
		t.Errorf("correlation id: handler saw %q, header %q", seen, rec.Header().Get("X-Correlation-ID"))
	}
	ended := spans.Ended()
	if len(ended) != 1 || ended[0].Name() != "GET /readyz" {
		t.Fatalf("spans = %v", ended)
	}
	var status int64
	for _, kv := range ended[0].Attributes() {
		if kv.Key == semconv.HTTPResponseStatusCodeKey {
			status = kv.Value.AsInt64()
		}
	}
	if status != http.StatusServiceUnavailable {
		t.Errorf("span status attribute = %d", status)
	}
}

func TestMiddleware_ContinuesTraceparent(t *testing.T) {
	useRecorder(t)
	f := newMeterFixture(t)
	const traceID = "0af7651916cd43dd8448eb211c80319c"

	rec, seen := serve(t, f, http.StatusOK, "/healthz", http.Header{
		"Traceparent": {"00-" + traceID + "-b7ad6b7169203331-01"},
	})
	if seen != traceID || rec.Header().Get("X-Correlation-ID") != traceID {
		t.Errorf("trace id = %q / %q, want %s", seen, rec.Header().Get("X-Correlation-ID"), traceID)
	}
}

func TestMiddleware_RecordsDuration(t *testing.T) {
	useRecorder(t)
	f := newMeterFixture(t)

	serve(t, f, http.StatusOK, "/metrics", nil)
	serve(t, f, http.StatusOK, "/metrics", nil)

	hist := f.metric(t, "livecore.http.request.duration").Data.(metricdata.Histogram[float64])
	if len(hist.DataPoints) != 1 {
		t.Fatalf("data points = %d, want 1", len(hist.DataPoints))
	}
	dp := hist.DataPoints[0]
	if dp.Count != 2 {
		t.Errorf("count = %d, want 2", dp.Count)
	}
	if v, _ := dp.Attributes.Value(semconv.URLPathKey); v.AsString() != "/metrics" {
		t.Errorf("path attribute = %q", v.AsString())
	}
}

func TestMiddleware_ProbeLogLevel(t *testing.T) {
	useRecorder(t)
	f := newMeterFixture(t)
	logs := captureLogs(t) // default handler level is info

	serve(t, f, http.StatusOK, "/healthz", nil)
	serve(t, f, http.StatusInternalServerError, "/readyz", nil)
	serve(t, f, http.StatusNotFound, "/other", nil)

	out := logs.String()
	if strings.Contains(out, "path=/healthz") {
		t.Errorf("healthy probe logged at info:\n%s", out)
	}
	if !strings.Contains(out, "path=/readyz") || !strings.Contains(out, "path=/other") {
		t.Errorf("missing request lines:\n%s", out)
	}
}

func TestProbe(t *testing.T) {
	t.Parallel()
	for path, want := range map[string]bool{
		"/healthz":  true,
		"/readyz":   true,
		"/metrics":  true,
		"/":         false,
		"/healthzz": false,
	} {
		if got := probe(path); got != want {
			t.Errorf("probe(%q) = %v, want %v", path, got, want)
		}
	}
}
