// Package health serves the local status endpoints:
//
//   - /healthz: liveness; always 200.
//   - /readyz: 200 only when every [Checker] passes.
//   - /state: JSON snapshot of the meeting session.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/MrWong99/echomeet/pkg/types"
)

const checkTimeout = 5 * time.Second

// Checker is a named readiness probe. Check returns nil when healthy.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the status endpoints. The checker list is fixed at
// construction time.
type Handler struct {
	checkers []Checker
	snapshot func() any
}

// Option configures a [Handler].
type Option func(*Handler)

// WithChecker adds a readiness check.
func WithChecker(c Checker) Option {
	return func(h *Handler) { h.checkers = append(h.checkers, c) }
}

// WithSnapshot enables /state. fn must return a JSON-encodable value and be
// safe for concurrent use.
func WithSnapshot(fn func() any) Option {
	return func(h *Handler) { h.snapshot = fn }
}

// New creates a [Handler].
func New(opts ...Option) *Handler {
	h := &Handler{}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Healthz always reports ok.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz evaluates every checker in order, each bounded by checkTimeout.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	res := result{Status: "ok", Checks: make(map[string]string, len(h.checkers))}
	code := http.StatusOK

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			res.Checks[c.Name] = "fail: " + err.Error()
			res.Status = "fail"
			code = http.StatusServiceUnavailable
			continue
		}
		res.Checks[c.Name] = "ok"
	}
	writeJSON(w, code, res)
}

// State writes the current session snapshot. 404 when no snapshot source
// was configured.
func (h *Handler) State(w http.ResponseWriter, r *http.Request) {
	if h.snapshot == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, h.snapshot())
}

// Register adds the routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	mux.HandleFunc("GET /state", h.State)
}

// Connected returns a checker that fails unless state reports
// [types.StateConnected].
func Connected(name string, state func() types.ConnectionState) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			if s := state(); s != types.StateConnected {
				return fmt.Errorf("state is %s", s)
			}
			return nil
		},
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(append(data, '\n'))
}
