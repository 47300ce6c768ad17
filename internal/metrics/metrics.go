// Package metrics instruments the gateway with Prometheus
// collectors: one counter per routed call (by microservice, resource,
// action, and outcome), one latency histogram for the bus RPC, one
// counter for authorization decisions, and one counter for aggregated
// health-probe outcomes.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps the collectors registered against a private
// prometheus.Registry so multiple gateway instances in the same
// process (as in tests) never collide on the global default registry.
type Registry struct {
	reg *prometheus.Registry

	requestsTotal *prometheus.CounterVec
	callLatency   *prometheus.HistogramVec
	authDecisions *prometheus.CounterVec
	healthProbes  *prometheus.CounterVec
}

// New builds a Registry with every collector registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total routed requests by microservice, resource, action and outcome.",
		}, []string{"microservice", "resource", "action", "outcome"}),
		callLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_bus_call_duration_seconds",
			Help:    "Latency of bus RPC calls as observed by the gateway.",
			Buckets: prometheus.DefBuckets,
		}, []string{"microservice"}),
		authDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_authorization_decisions_total",
			Help: "Authorization filter decisions by outcome and reason.",
		}, []string{"decision", "reason"}),
		healthProbes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_health_probe_total",
			Help: "Aggregated health probe outcomes by microservice and status.",
		}, []string{"microservice", "status"}),
	}
	reg.MustRegister(r.requestsTotal, r.callLatency, r.authDecisions, r.healthProbes)
	return r
}

// ObserveRequest records one routed call's outcome.
func (r *Registry) ObserveRequest(ms, resource, action, outcome string) {
	r.requestsTotal.WithLabelValues(ms, resource, action, outcome).Inc()
}

// ObserveCallLatency records how long a bus RPC took for ms.
func (r *Registry) ObserveCallLatency(ms string, d time.Duration) {
	r.callLatency.WithLabelValues(ms).Observe(d.Seconds())
}

// ObserveAuthDecision records one authorization filter decision.
func (r *Registry) ObserveAuthDecision(decision, reason string) {
	r.authDecisions.WithLabelValues(decision, reason).Inc()
}

// ObserveHealthProbe records one microservice's aggregated health
// probe outcome.
func (r *Registry) ObserveHealthProbe(ms, status string) {
	r.healthProbes.WithLabelValues(ms, status).Inc()
}

// Handler exposes the registry in the Prometheus text exposition
// format at GET /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
