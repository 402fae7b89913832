package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/repo-ranger/internal/store"
	"github.com/go-chi/chi/v5"
)

const healthCheckTimeout = 5 * time.Second

// HealthHandler reports the status of the API and its dependencies.
type HealthHandler struct {
	audit    store.AuditLog
	sessions interface{ Len() int }
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(audit store.AuditLog, sessions interface{ Len() int }) *HealthHandler {
	return &HealthHandler{audit: audit, sessions: sessions}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{
		"status": "healthy",
		"checks": checks,
	}
	statusCode := http.StatusOK

	if err := h.audit.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		checks["audit_db"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["audit_db"] = "ok"
	}
	if h.sessions != nil {
		status["sessions"] = h.sessions.Len()
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the detailed health route. The plain /health
// heartbeat is served by middleware.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/api/health", h.Health)
}
