// Package health serves the extractor's liveness and metrics HTTP surface.
package health

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Status is the JSON body returned by the /health endpoint.
type Status struct {
	Status string `json:"status"`
}

// Handler returns an http.Handler serving GET /health (200 {"status":"healthy"})
// and GET /metrics (Prometheus exposition format via promhttp).
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(Status{Status: "healthy"})
}
