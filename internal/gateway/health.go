package gateway

import (
	"net/http"

	"busgateway/internal/health"
	"busgateway/internal/httpx"
)

// MountHealth attaches GET /api/health, the one route in §4.6's table
// that bypasses the authorization filter and the envelope pipeline
// entirely — it is a fan-out over the aggregated probe, not an RPC to
// a single microservice.
func MountHealth(mux interface {
	Get(pattern string, h http.HandlerFunc)
}, probe *health.Probe) {
	mux.Get("/api/health", func(w http.ResponseWriter, r *http.Request) {
		report := probe.Run(r.Context())
		httpx.WriteJSON(w, report.HTTPStatus(), report)
	})
}
