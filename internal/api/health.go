package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pinger reports backing store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler serves readiness and metrics.
type HealthHandler struct {
	db       Pinger
	sessions func() int
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(db Pinger, sessions func() int) *HealthHandler {
	return &HealthHandler{db: db, sessions: sessions}
}

// RegisterHealth registers /api/health and /metrics.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/api/health", h.Health)
	r.Handle("/metrics", promhttp.Handler())
}

// Health reports database connectivity and the session count.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := map[string]interface{}{"status": "ok", "database": "ok"}
	if h.sessions != nil {
		resp["sessions"] = h.sessions()
	}
	if h.db != nil {
		if err := h.db.Ping(ctx); err != nil {
			resp["status"] = "degraded"
			resp["database"] = err.Error()
			JSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	JSON(w, http.StatusOK, resp)
}
