package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Health returns the health status of the API and its dependencies. An
// unreachable database makes the server unhealthy; an unreachable AI backend
// only degrades it, since answers then fail with the apology message.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	timeout := 5 * time.Second
	if h.cfg != nil && h.cfg.Timeout.HealthCheck > 0 {
		timeout = h.cfg.Timeout.HealthCheck
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := "healthy"
	statusCode := http.StatusOK

	if err := h.Users.Ping(ctx); err != nil {
		slog.Error("Health check failed", "check", "database", "error", err)
		checks["database"] = "unreachable"
		status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	if h.Agent != nil {
		if err := h.Agent.Health(ctx); err != nil {
			slog.Warn("Health check failed", "check", "ai_backend", "error", err)
			checks["ai_backend"] = "unreachable"
			if status == "healthy" {
				status = "degraded"
			}
		} else {
			checks["ai_backend"] = "ok"
		}
	}

	JSON(w, statusCode, map[string]interface{}{
		"status": status,
		"checks": checks,
	})
}
