// ABOUTME: Liveness endpoints for load balancers and uptime checks
// ABOUTME: /health answers plain OK, /api/health reports status, uptime and build details

package gateway

import (
	"encoding/json"
	"net/http"
	"time"
)

// HealthResponse is the JSON response for GET /api/health.
type HealthResponse struct {
	Status      string  `json:"status"`
	Timestamp   string  `json:"timestamp"`
	Uptime      float64 `json:"uptime"` // seconds
	Environment string  `json:"environment"`
	Version     string  `json:"version"`
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleAPIHealth reports service status. HEAD requests get a bare 200.
func (g *Gateway) handleAPIHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	now := g.now()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(HealthResponse{
		Status:      "ok",
		Timestamp:   now.UTC().Format(time.RFC3339Nano),
		Uptime:      now.Sub(g.startedAt).Seconds(),
		Environment: g.config.App.Environment,
		Version:     g.config.App.Version,
	})
}

// handlePing redirects GET to /api/health and answers HEAD with 200.
func (g *Gateway) handlePing(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	http.Redirect(w, r, "/api/health", http.StatusTemporaryRedirect)
}
