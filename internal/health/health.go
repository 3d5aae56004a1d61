// Package health provides HTTP liveness and readiness handlers.
//
//   - /healthz: liveness; 200 while the process serves HTTP.
//   - /readyz: readiness; 200 only while the server accepts new interviews
//     and every required [Checker] passes.
//
// Responses are JSON objects with a top-level "status" field ("ok",
// "degraded" or "fail") and a "checks" map with each checker's result.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named dependency probe.
type Checker struct {
	// Name appears as a key in the JSON response (e.g. "postgres", "stt").
	Name string

	// Check returns nil when the dependency is healthy. It must respect
	// context cancellation.
	Check func(ctx context.Context) error

	// Optional checkers only degrade readiness. An interview still works
	// without, say, the live event bus.
	Optional bool
}

type result struct {
	Status   string            `json:"status"`
	Checks   map[string]string `json:"checks,omitempty"`
	Sessions *int              `json:"sessions,omitempty"`
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction time.
type Handler struct {
	checkers []Checker
	sessions func() int
	draining atomic.Bool
}

// Option configures a [Handler].
type Option func(*Handler)

// WithSessionCount reports the live interview count in /readyz.
func WithSessionCount(fn func() int) Option {
	return func(h *Handler) { h.sessions = fn }
}

// New creates a [Handler]. Checkers run concurrently on every /readyz request.
func New(checkers []Checker, opts ...Option) *Handler {
	h := &Handler{checkers: append([]Checker(nil), checkers...)}
	for _, o := range opts {
		o(h)
	}
	return h
}

// SetDraining marks the server as shutting down. /readyz fails from then on
// so load balancers stop routing new interviews here.
func (h *Handler) SetDraining() { h.draining.Store(true) }

// Healthz always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz returns 200 when not draining and every required checker passes.
// Failing optional checkers turn the status into "degraded" but keep 200.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	var (
		mu       sync.Mutex
		checks   = make(map[string]string, len(h.checkers)+1)
		failed   bool
		degraded bool
	)

	g, ctx := errgroup.WithContext(r.Context())
	for _, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			err := c.Check(cctx)
			cancel()

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				checks[c.Name] = "ok"
			case c.Optional:
				checks[c.Name] = "degraded: " + err.Error()
				degraded = true
			default:
				checks[c.Name] = "fail: " + err.Error()
				failed = true
			}
			return nil
		})
	}
	_ = g.Wait()

	if h.draining.Load() {
		checks["server"] = "fail: draining"
		failed = true
	}

	res := result{Status: "ok", Checks: checks}
	if h.sessions != nil {
		n := h.sessions()
		res.Sessions = &n
	}
	status := http.StatusOK
	switch {
	case failed:
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	case degraded:
		res.Status = "degraded"
	}
	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
