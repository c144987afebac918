package api

import (
	"context"
	"net/http"
	"time"

	"github.com/clearcard/sqljobs/internal/api/respond"
)

// Pinger is a connectivity check against a backing service.
type Pinger interface {
	HealthPing(ctx context.Context) error
}

// PingerFunc adapts a function to Pinger.
type PingerFunc func(ctx context.Context) error

func (f PingerFunc) HealthPing(ctx context.Context) error { return f(ctx) }

// HealthHandler reports broker dependency health.
type HealthHandler struct {
	checks map[string]Pinger
}

func NewHealthHandler(checks map[string]Pinger) *HealthHandler {
	return &HealthHandler{checks: checks}
}

// Check GET /v0/health
func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	deps := make(map[string]string, len(h.checks))
	for name, p := range h.checks {
		if err := p.HealthPing(ctx); err != nil {
			deps[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		deps[name] = "ok"
	}
	respond.WriteJSON(w, status, map[string]interface{}{
		"status":       http.StatusText(status),
		"dependencies": deps,
	})
}
