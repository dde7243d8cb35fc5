// Package health serves liveness and readiness probes.
//
// /healthz always answers 200 while the process can serve HTTP. /readyz
// runs every registered [Checker] and answers 200 only when all pass. Both
// respond with JSON: a top-level "status" ("ok" or "fail") and, for /readyz,
// a "checks" map with one entry per checker.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness check. Check returns a short detail shown in
// the response (may be empty) and a non-nil error when not ready.
type Checker struct {
	Name  string
	Check func(ctx context.Context) (string, error)
}

// Ping adapts a plain error-returning probe, such as a database ping.
func Ping(name string, fn func(ctx context.Context) error) Checker {
	return Checker{Name: name, Check: func(ctx context.Context) (string, error) {
		if err := fn(ctx); err != nil {
			return "", err
		}
		return "ok", nil
	}}
}

// State reports a component's current state label. ready decides whether
// that state counts as ready; a not-ready state fails the check with the
// label as the error text.
func State(name string, state func() (label string, ready bool)) Checker {
	return Checker{Name: name, Check: func(context.Context) (string, error) {
		label, ok := state()
		if !ok {
			return "", notReady(label)
		}
		return label, nil
	}}
}

type notReady string

func (e notReady) Error() string { return string(e) }

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the probe endpoints. The checker list is fixed at
// construction.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler]. Checkers run sequentially in the given order.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Healthz always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz answers 200 when every checker passes and 503 otherwise.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	res := result{Status: "ok", Checks: make(map[string]string, len(h.checkers))}
	status := http.StatusOK

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		detail, err := c.Check(ctx)
		cancel()

		switch {
		case err != nil:
			res.Checks[c.Name] = "fail: " + err.Error()
			res.Status = "fail"
			status = http.StatusServiceUnavailable
		case detail == "":
			res.Checks[c.Name] = "ok"
		default:
			res.Checks[c.Name] = detail
		}
	}
	writeJSON(w, status, res)
}

// Register adds the probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
