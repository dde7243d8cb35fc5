package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func serve(t *testing.T, h http.HandlerFunc, path string) (int, result) {
	t.Helper()
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest("GET", path, nil))
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return rec.Code, body
}

func TestHealthz_AlwaysOK(t *testing.T) {
	t.Parallel()
	h := New(Ping("db", func(context.Context) error { return errors.New("down") }))
	code, body := serve(t, h.Healthz, "/healthz")
	if code != http.StatusOK || body.Status != "ok" {
		t.Errorf("healthz = %d %q", code, body.Status)
	}
}

func TestReadyz_AllPass(t *testing.T) {
	t.Parallel()
	h := New(
		Ping("transcript_store", func(context.Context) error { return nil }),
		State("session", func() (string, bool) { return "active", true }),
	)
	code, body := serve(t, h.Readyz, "/readyz")
	if code != http.StatusOK || body.Status != "ok" {
		t.Fatalf("readyz = %d %q", code, body.Status)
	}
	if body.Checks["transcript_store"] != "ok" {
		t.Errorf("transcript_store = %q", body.Checks["transcript_store"])
	}
	if body.Checks["session"] != "active" {
		t.Errorf("session = %q, want the state label", body.Checks["session"])
	}
}

func TestReadyz_SessionNotReady(t *testing.T) {
	t.Parallel()
	h := New(
		Ping("transcript_store", func(context.Context) error { return nil }),
		State("session", func() (string, bool) { return "connecting", false }),
	)
	code, body := serve(t, h.Readyz, "/readyz")
	if code != http.StatusServiceUnavailable || body.Status != "fail" {
		t.Fatalf("readyz = %d %q", code, body.Status)
	}
	if body.Checks["session"] != "fail: connecting" {
		t.Errorf("session = %q", body.Checks["session"])
	}
	if body.Checks["transcript_store"] != "ok" {
		t.Errorf("passing check reported %q", body.Checks["transcript_store"])
	}
}

func TestReadyz_NoCheckers(t *testing.T) {
	t.Parallel()
	code, body := serve(t, New().Readyz, "/readyz")
	if code != http.StatusOK || body.Status != "ok" {
		t.Errorf("readyz = %d %q", code, body.Status)
	}
}

func TestReadyz_CheckTimeout(t *testing.T) {
	t.Parallel()
	h := New(Ping("slow", func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			return errors.New("no deadline")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
			return nil
		}
	}))
	code, _ := serve(t, h.Readyz, "/readyz")
	if code != http.StatusOK {
		t.Errorf("readyz = %d", code)
	}
}

func TestRegister_Routes(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	New().Register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := srv.Client().Get(srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s = %d", path, resp.StatusCode)
		}
	}
}
