// Package health serves the liveness and readiness probes.
//
// Liveness (/healthz) reports whether the process can answer HTTP at all,
// so it never fails. Readiness (/readyz) runs every registered probe and
// answers 200 only when all of them pass; the body names each probe with
// "ok" or its failure text, so a stuck deployment can be diagnosed with
// curl alone.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"time"
)

// probeTimeout bounds a single readiness probe.
const probeTimeout = 5 * time.Second

// Checker is one named readiness probe. Check returns nil when the
// dependency can serve traffic; it must respect ctx cancellation.
type Checker struct {
	// Name keys the probe's result in the JSON body.
	Name string

	Check func(ctx context.Context) error
}

// Func builds a Checker from a closure.
func Func(name string, check func(ctx context.Context) error) Checker {
	return Checker{Name: name, Check: check}
}

// report is the JSON body of both probes.
type report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler evaluates probes. The probe list is fixed at construction, so
// the handler is safe for concurrent use.
type Handler struct {
	checkers []Checker
}

// New builds a Handler that evaluates checkers in order on each
// readiness request.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: slices.Clone(checkers)}
}

// Healthz always answers 200: a process that reached this handler is
// alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	respond(w, http.StatusOK, report{Status: "ok"})
}

// Readyz answers 200 only when every probe passes, 503 otherwise.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep, ready := h.evaluate(r.Context())
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	respond(w, status, rep)
}

// evaluate runs every probe and folds the results into one report. Each
// probe gets its own deadline derived from ctx; a failure does not stop
// the remaining probes, so the report always names every dependency.
func (h *Handler) evaluate(ctx context.Context) (report, bool) {
	rep := report{Status: "ok", Checks: make(map[string]string, len(h.checkers))}
	ready := true

	for _, c := range h.checkers {
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		err := c.Check(probeCtx)
		cancel()

		if err != nil {
			rep.Checks[c.Name] = "fail: " + err.Error()
			ready = false
			continue
		}
		rep.Checks[c.Name] = "ok"
	}

	if !ready {
		rep.Status = "fail"
	}
	return rep, ready
}

// Register mounts both probes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func respond(w http.ResponseWriter, status int, rep report) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(rep); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
