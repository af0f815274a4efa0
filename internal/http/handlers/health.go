package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
)

// Pinger verifies a backing connection is alive.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles the health check endpoint.
type HealthHandler struct {
	version   string
	startTime time.Time
	catalog   Pinger
	upstream  Pinger
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(version string, catalog, upstream Pinger) *HealthHandler {
	return &HealthHandler{
		version:   version,
		startTime: time.Now(),
		catalog:   catalog,
		upstream:  upstream,
	}
}

// HealthOutput is the health check response.
type HealthOutput struct {
	Body struct {
		Status        string            `json:"status"`
		Version       string            `json:"version"`
		UptimeSeconds float64           `json:"uptime_seconds"`
		Checks        map[string]string `json:"checks"`
	}
}

// Register registers the health route with the API.
func (h *HealthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Tags:        []string{"System"},
	}, h.Get)
}

// Get reports service health. A failing dependency degrades the status but
// never errors the endpoint.
func (h *HealthHandler) Get(ctx context.Context, _ *struct{}) (*HealthOutput, error) {
	out := &HealthOutput{}
	out.Body.Status = "ok"
	out.Body.Version = h.version
	out.Body.UptimeSeconds = time.Since(h.startTime).Seconds()
	out.Body.Checks = map[string]string{}

	check := func(name string, p Pinger) {
		if p == nil {
			return
		}
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := p.Ping(pingCtx); err != nil {
			out.Body.Checks[name] = "down"
			out.Body.Status = "degraded"
			return
		}
		out.Body.Checks[name] = "ok"
	}
	check("catalog", h.catalog)
	check("upstream_db", h.upstream)
	return out, nil
}
