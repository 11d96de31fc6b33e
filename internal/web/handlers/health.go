package handlers

import (
	"context"
	"net/http"

	"github.com/kozaktomas/face-attendance/internal/constants"
)

// Pinger checks that a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Component states reported by the health endpoint.
const (
	componentOK            = "ok"
	componentUnavailable   = "unavailable"
	componentNotConfigured = "not_configured"
)

// HealthHandler reports the state of the service and its dependencies.
type HealthHandler struct {
	db       Pinger
	embedder Embedder
}

// NewHealthHandler creates a health handler. db and embedder may be nil.
func NewHealthHandler(db Pinger, embedder Embedder) *HealthHandler {
	return &HealthHandler{db: db, embedder: embedder}
}

// HealthResponse is the health check payload.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
}

// Get always answers 200 so the endpoint doubles as a liveness probe;
// status is "degraded" when a configured dependency does not respond.
func (h *HealthHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), constants.HealthCheckTimeout)
	defer cancel()

	resp := HealthResponse{Status: "ok", Components: map[string]string{
		"database":  componentNotConfigured,
		"embedding": componentNotConfigured,
	}}

	if h.db != nil {
		resp.Components["database"] = componentOK
		if err := h.db.Ping(ctx); err != nil {
			resp.Components["database"] = componentUnavailable
			resp.Status = "degraded"
		}
	}
	if h.embedder != nil {
		resp.Components["embedding"] = componentOK
		if _, err := h.embedder.Health(ctx); err != nil {
			resp.Components["embedding"] = componentUnavailable
			resp.Status = "degraded"
		}
	}

	respondJSON(w, http.StatusOK, resp)
}
