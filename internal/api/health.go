package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// Pinger reports backing-store reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler serves the liveness endpoint.
type HealthHandler struct {
	store Pinger
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(store Pinger) *HealthHandler {
	return &HealthHandler{store: store}
}

// RegisterRoutes registers the health route.
func (h *HealthHandler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.Health)
}

// Health reports ok when the store answers a ping.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "code": "unavailable"})
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
