package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/bookrecorder/internal/domain"
)

// EventLister reads the lifecycle journal.
type EventLister interface {
	Recent(ctx context.Context, slot string, limit int) ([]domain.LifecycleEvent, error)
}

// EventsHandler serves GET /api/events?slot=&limit=.
type EventsHandler struct {
	store  EventLister
	logger *slog.Logger
}

func NewEventsHandler(store EventLister, logger *slog.Logger) *EventsHandler {
	return &EventsHandler{store: store, logger: logger.With(slog.String("handler", "events"))}
}

type eventView struct {
	Time      string         `json:"time"`
	Slot      string         `json:"slot"`
	Event     string         `json:"event"`
	Target    string         `json:"target,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
}

func (h *EventsHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100, 1000)
	events, err := h.store.Recent(r.Context(), r.URL.Query().Get("slot"), limit)
	if err != nil {
		h.logger.Error("list events", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	out := make([]eventView, 0, len(events))
	for _, ev := range events {
		out = append(out, eventView{
			Time:      ev.Time.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
			Slot:      ev.Slot,
			Event:     ev.Event,
			Target:    ev.Target,
			SessionID: ev.SessionID,
			Detail:    ev.Detail,
		})
	}
	writeJSON(w, http.StatusOK, out)
}
