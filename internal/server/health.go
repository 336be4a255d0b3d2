package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/teemow/obsidian-mcp/internal/router"
	"github.com/teemow/obsidian-mcp/internal/vault"
)

// Health status constants for health check responses.
const (
	healthStatusOK           = "ok"
	healthStatusNotReady     = "not ready"
	healthStatusShuttingDown = "shutting down"
	healthStatusUnavailable  = "unavailable"
)

// Health endpoint paths.
const (
	PathLiveness      = "/healthz"
	PathReadiness     = "/readyz"
	PathHealthDetails = "/healthz/detailed"
)

// storePingTimeout bounds the store check in readiness.
const storePingTimeout = 2 * time.Second

// HealthChecker provides the Kubernetes liveness and readiness endpoints.
type HealthChecker struct {
	// ready indicates whether the server is ready to receive traffic
	ready atomic.Bool
	// serverContext provides access to dependencies for health checks
	serverContext *ServerContext
	// startTime tracks when the server started
	startTime time.Time
}

// NewHealthChecker creates a new HealthChecker.
func NewHealthChecker(sc *ServerContext) *HealthChecker {
	h := &HealthChecker{
		serverContext: sc,
		startTime:     time.Now(),
	}
	// Server starts as ready by default
	h.ready.Store(true)
	return h
}

// SetReady sets the readiness state of the server.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsReady returns whether the server is ready to receive traffic.
func (h *HealthChecker) IsReady() bool {
	return h.ready.Load()
}

// isServerShuttingDown checks if the server context is shutting down.
// Returns false if serverContext is nil (safe for testing).
func (h *HealthChecker) isServerShuttingDown() bool {
	return h.serverContext != nil && h.serverContext.IsShutdown()
}

// HealthResponse represents the JSON response for health endpoints.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// DetailedHealthResponse provides comprehensive health information.
type DetailedHealthResponse struct {
	Status   string               `json:"status"`
	Uptime   string               `json:"uptime"`
	Sessions int                  `json:"sessions"`
	Records  int                  `json:"records"`
	Vault    *vault.Accessibility `json:"vault,omitempty"`
}

// LivenessHandler returns an HTTP handler for the /healthz endpoint.
// Liveness checks indicate whether the process should be restarted.
// This should be a simple check that the server process is running.
func (h *HealthChecker) LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeHealth(w, http.StatusOK, HealthResponse{Status: healthStatusOK})
	})
}

// ReadinessHandler returns an HTTP handler for the /readyz endpoint.
// The server is ready when it is marked ready, not shutting down, its store
// answers and its vault root exists.
func (h *HealthChecker) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		checks := h.checks(r.Context())
		allOk := true
		for _, status := range checks {
			if status != healthStatusOK {
				allOk = false
			}
		}

		response := HealthResponse{Checks: checks}
		if allOk {
			response.Status = healthStatusOK
			writeHealth(w, http.StatusOK, response)
			return
		}
		response.Status = healthStatusNotReady
		writeHealth(w, http.StatusServiceUnavailable, response)
	})
}

func (h *HealthChecker) checks(ctx context.Context) map[string]string {
	checks := map[string]string{
		"ready":    healthStatusOK,
		"shutdown": healthStatusOK,
	}
	if !h.IsReady() {
		checks["ready"] = healthStatusNotReady
	}
	if h.isServerShuttingDown() {
		checks["shutdown"] = healthStatusShuttingDown
	}
	if h.serverContext == nil {
		return checks
	}

	if st := h.serverContext.Store(); st != nil {
		pingCtx, cancel := context.WithTimeout(ctx, storePingTimeout)
		defer cancel()
		checks["store"] = healthStatusOK
		if err := st.Ping(pingCtx); err != nil {
			checks["store"] = healthStatusUnavailable
		}
	}

	checks["vault"] = healthStatusOK
	if a := h.serverContext.Vault().Accessibility(); !a.Exists || !a.IsDirectory {
		checks["vault"] = healthStatusUnavailable
	}
	return checks
}

// DetailedHealthHandler returns an HTTP handler for the /healthz/detailed endpoint.
// This endpoint provides comprehensive health information.
func (h *HealthChecker) DetailedHealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		response := DetailedHealthResponse{
			Status: healthStatusOK,
			Uptime: time.Since(h.startTime).Truncate(time.Second).String(),
		}
		if sc := h.serverContext; sc != nil {
			if reg := sc.Registry(); reg != nil {
				response.Sessions = reg.Count()
			}
			if st := sc.Store(); st != nil {
				response.Records = len(st.List())
			}
			a := sc.Vault().Accessibility()
			response.Vault = &a
		}

		// Determine overall status
		status := http.StatusOK
		if !h.IsReady() {
			response.Status = healthStatusNotReady
			status = http.StatusServiceUnavailable
		} else if h.isServerShuttingDown() {
			response.Status = healthStatusShuttingDown
			status = http.StatusServiceUnavailable
		}
		writeHealth(w, status, response)
	})
}

// Register adds the health endpoints to rt.
func (h *HealthChecker) Register(rt *router.Router) {
	rt.Handle(PathLiveness, serveHandler(h.LivenessHandler()), http.MethodGet, http.MethodHead)
	rt.Handle(PathReadiness, serveHandler(h.ReadinessHandler()), http.MethodGet, http.MethodHead)
	rt.Handle(PathHealthDetails, serveHandler(h.DetailedHealthHandler()), http.MethodGet)
}

// serveHandler adapts an http.Handler to a route handler.
func serveHandler(next http.Handler) router.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		next.ServeHTTP(w, r)
		return nil
	}
}

func writeHealth(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
