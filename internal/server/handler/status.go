package handler

import (
	"net/http"
	"time"
)

// StatusSource is the slice of the engine the status endpoint reads.
type StatusSource interface {
	ActiveCount() int
	Symbols() []string
}

// StatusHandler serves the runtime status (mode, uptime, protected positions)
// for the dashboard.
type StatusHandler struct {
	Mode      string
	StartedAt time.Time
	source    StatusSource
}

// NewStatusHandler creates a StatusHandler for the given run mode.
func NewStatusHandler(mode string, startedAt time.Time, source StatusSource) *StatusHandler {
	return &StatusHandler{Mode: mode, StartedAt: startedAt, source: source}
}

// GetStatus responds with the current run mode, uptime and protection counts.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	symbols := h.source.Symbols()
	if symbols == nil {
		symbols = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":             h.Mode,
		"uptime_seconds":   int64(time.Since(h.StartedAt).Seconds()),
		"active_positions": h.source.ActiveCount(),
		"symbols":          symbols,
	})
}
