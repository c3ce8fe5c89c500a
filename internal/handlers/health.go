package handlers

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/squadklaw/squadklaw/internal/models"
)

const version = "0.1.0"

var instance, _ = os.Hostname()

// Check is the outcome of one dependency probe.
type Check struct {
	Status  string `json:"status"` // pass or fail
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status    string           `json:"status"` // healthy or degraded
	Version   string           `json:"version"`
	Protocol  string           `json:"squadklaw"`
	Instance  string           `json:"instance,omitempty"`
	Checks    map[string]Check `json:"checks"`
	Timestamp string           `json:"timestamp"`
}

type probe struct {
	name string
	ping func(context.Context) error
}

// probes lists the backing stores. Redis is only probed when configured.
func (h *Handler) probes() []probe {
	ps := []probe{{"database", h.store.Ping}}
	if h.redis != nil {
		ps = append(ps, probe{"redis", h.redis.Ping})
	}
	return ps
}

func runProbe(ctx context.Context, p probe) Check {
	start := time.Now()
	if err := p.ping(ctx); err != nil {
		return Check{Status: "fail", Message: "connection failed"}
	}
	return Check{Status: "pass", Latency: time.Since(start).String()}
}

// Health reports the directory and each of its stores. Any failing probe
// degrades the answer to 503.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:    "healthy",
		Version:   version,
		Protocol:  models.ProtocolVersion,
		Instance:  instance,
		Checks:    make(map[string]Check),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	for _, p := range h.probes() {
		c := runProbe(ctx, p)
		if c.Status != "pass" {
			resp.Status = "degraded"
			h.logger.Warn().Str("probe", p.name).Msg("health probe failed")
		}
		resp.Checks[p.name] = c
	}

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	h.JSON(w, status, resp)
}

// RootResponse represents the root endpoint response.
type RootResponse struct {
	Name      string   `json:"name"`
	Version   string   `json:"version"`
	Protocol  string   `json:"squadklaw"`
	Endpoints []string `json:"endpoints"`
}

// Root handles the root endpoint.
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	h.JSON(w, http.StatusOK, RootResponse{
		Name:     "Squad Klaw Directory",
		Version:  version,
		Protocol: models.ProtocolVersion,
		Endpoints: []string{
			"POST /v1/agents",
			"GET /v1/agents",
			"GET /v1/agents/{id}",
			"PUT /v1/agents/{id}",
			"DELETE /v1/agents/{id}",
			"GET /v1/stats",
			"GET /health",
			"GET /metrics",
		},
	})
}
