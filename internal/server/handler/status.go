package handler

import (
	"net/http"
	"time"

	"github.com/alanyoungcy/lendingsim/internal/domain"
)

// RunTracker reports the run owned by this process.
type RunTracker interface {
	Current() (domain.Run, bool)
}

// StatusHandler serves the process status for dashboards.
type StatusHandler struct {
	mode      string
	runs      RunTracker
	startedAt time.Time
}

// NewStatusHandler creates a StatusHandler. runs may be nil.
func NewStatusHandler(mode string, runs RunTracker, startedAt time.Time) *StatusHandler {
	return &StatusHandler{mode: mode, runs: runs, startedAt: startedAt}
}

// GetStatus responds with the mode, uptime and the current run.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"mode":           h.mode,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
	}
	if h.runs != nil {
		if run, ok := h.runs.Current(); ok {
			resp["run"] = run
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
