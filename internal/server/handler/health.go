package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Probe checks one dependency.
type Probe func(ctx context.Context) error

// HealthHandler serves GET /api/health.
type HealthHandler struct {
	probes map[string]Probe
	logger *slog.Logger
}

// NewHealthHandler creates a handler running probes on every request.
func NewHealthHandler(probes map[string]Probe, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{probes: probes, logger: logger.With(slog.String("handler", "health"))}
}

// HealthCheck answers 200 when every probe passes and 503 otherwise.
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status, code := "ok", http.StatusOK
	checks := make(map[string]string, len(h.probes))
	for name, probe := range h.probes {
		if err := probe(ctx); err != nil {
			h.logger.Warn("probe failed", slog.String("probe", name), slog.String("error", err.Error()))
			checks[name] = err.Error()
			status, code = "degraded", http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	writeJSON(w, code, map[string]any{
		"status":    status,
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
