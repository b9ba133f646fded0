// Package health implements the liveness and readiness probes for a call
// node.
//
// Liveness (Healthz) answers 200 whenever the process can serve HTTP.
// Readiness (Readyz) evaluates the registered [Check] probes and reports one
// of three states:
//
//   - "ok"       every probe passed; the node takes new calls.
//   - "degraded" only optional probes failed; the node stays in rotation but
//     the response names what is impaired.
//   - "fail"     a required probe failed; the node answers 503 so the load
//     balancer stops routing new calls to it.
//
// The distinction matters for a voice platform: losing the ticketing backend
// must not take call intake offline, losing the carrier must.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// probeTimeout bounds a single readiness probe. A probe that cannot answer
// within this window counts as failed.
const probeTimeout = 5 * time.Second

// Check probes one dependency of the call node.
type Check struct {
	// Name keys the probe's result in the JSON body, e.g. "database".
	Name string

	// Probe returns nil when the dependency is usable. It must honor
	// context cancellation.
	Probe func(ctx context.Context) error

	// Optional marks a dependency the node can run without. A failing
	// optional probe degrades the node instead of failing it.
	Optional bool
}

// Handler answers /healthz and /readyz. The probe set is fixed at
// construction and the handler is safe for concurrent use.
type Handler struct {
	checks []Check
}

// New builds a [Handler] over the given probes. Probes run sequentially in
// the order given on every /readyz request.
func New(checks ...Check) *Handler {
	owned := make([]Check, len(checks))
	copy(owned, checks)
	return &Handler{checks: owned}
}

// Healthz always answers 200. A process that reached this handler is alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeReport(w, http.StatusOK, report{Status: "ok"})
}

// Readyz runs every probe and reports the aggregate state. Only required
// probe failures produce a 503; optional failures answer 200 with status
// "degraded" so operators see the impairment without draining the node.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := report{
		Status: "ok",
		Checks: make(map[string]string, len(h.checks)),
	}
	code := http.StatusOK

	for _, c := range h.checks {
		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		err := c.Probe(ctx)
		cancel()

		if err == nil {
			rep.Checks[c.Name] = "ok"
			continue
		}
		rep.Checks[c.Name] = "fail: " + err.Error()
		if c.Optional {
			if rep.Status == "ok" {
				rep.Status = "degraded"
			}
			continue
		}
		rep.Status = "fail"
		code = http.StatusServiceUnavailable
	}

	writeReport(w, code, rep)
}

// report is the JSON body of both probes.
type report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func writeReport(w http.ResponseWriter, code int, rep report) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(rep); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
