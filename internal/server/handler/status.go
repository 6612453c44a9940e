package handler

import (
	"net/http"
	"time"
)

// SessionView is one row of the status board.
type SessionView struct {
	ID          string    `json:"id"`
	Venue       string    `json:"venue"`
	Target      string    `json:"target"`
	Role        string    `json:"role"`
	Connected   bool      `json:"connected"`
	Frames      int64     `json:"frames"`
	Payloads    int64     `json:"payloads"`
	Errors      int64     `json:"errors"`
	StartedAt   time.Time `json:"started_at"`
	LastFrameAt time.Time `json:"last_frame_at"`
}

// SessionLister supplies the rows.
type SessionLister interface {
	Sessions() []SessionView
}

// StatusHandler serves GET /api/status.
type StatusHandler struct {
	mode    string
	started time.Time
	board   SessionLister
}

func NewStatusHandler(mode string, board SessionLister) *StatusHandler {
	return &StatusHandler{mode: mode, started: time.Now(), board: board}
}

func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	sessions := h.board.Sessions()
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":       h.mode,
		"started_at": h.started.UTC().Format(time.RFC3339),
		"uptime":     time.Since(h.started).Truncate(time.Second).String(),
		"count":      len(sessions),
		"sessions":   sessions,
	})
}
