package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/careline/nightbridge/internal/observe"
)

// diagnosticsView is the operator summary: rolling 24-hour counters plus the
// live state of every moving part.
type diagnosticsView struct {
	Stats           observe.StatsSnapshot `json:"stats"`
	ActiveSessions  int                   `json:"active_sessions"`
	PendingAttaches int                   `json:"pending_attaches"`
	DBWriteFailures int64                 `json:"db_write_failures"`
	Breakers        map[string]string     `json:"breakers"`
}

// activeSessionView is one live call, PHI-redacted for operator eyes.
type activeSessionView struct {
	ConferenceName     string    `json:"conference_name"`
	State              string    `json:"state"`
	AgentSlug          string    `json:"agent_slug,omitempty"`
	Caller             string    `json:"caller"`
	CallLogID          int64     `json:"call_log_id,omitempty"`
	TransferredToHuman bool      `json:"transferred_to_human"`
	RetryCount         int       `json:"retry_count,omitempty"`
	LastError          string    `json:"last_error,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	AgeSeconds         float64   `json:"age_seconds"`
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	view := diagnosticsView{Breakers: map[string]string{}}
	if s.stats != nil {
		view.Stats = s.stats.Snapshot()
	}
	if s.sessions != nil {
		view.ActiveSessions = len(s.sessions.Active())
		view.DBWriteFailures = s.sessions.DBFailures()
	}
	if s.watchdog != nil {
		view.PendingAttaches = s.watchdog.Pending()
	}
	if s.breakers != nil {
		for name, st := range s.breakers.States() {
			view.Breakers[name] = st.String()
		}
	}
	writeJSON(w, r, view)
}

func (s *Server) handleActiveSessions(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	out := []activeSessionView{}
	if s.sessions != nil {
		for _, sess := range s.sessions.Active() {
			out = append(out, activeSessionView{
				ConferenceName:     sess.ConferenceName,
				State:              string(sess.State),
				AgentSlug:          sess.AgentSlug,
				Caller:             observe.RedactNumber(sess.CallerE164),
				CallLogID:          sess.CallLogID,
				TransferredToHuman: sess.TransferredToHuman,
				RetryCount:         sess.RetryCount,
				LastError:          sess.LastError,
				CreatedAt:          sess.CreatedAt,
				AgeSeconds:         now.Sub(sess.CreatedAt).Seconds(),
			})
		}
	}
	writeJSON(w, r, out)
}

func (s *Server) handleRecentFailures(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	traces := []observe.FailureTrace{}
	if s.failures != nil {
		traces = s.failures.Recent(limit)
	}
	writeJSON(w, r, traces)
}

func writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		observe.Logger(r.Context()).Error("api: encoding diagnostics response failed", "error", err)
	}
}
