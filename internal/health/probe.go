// Package health implements C7: the aggregated health probe that fans
// out one bus RPC per configured microservice and folds the results
// into a single gateway-wide status.
package health

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"busgateway/internal/envelope"
)

// Status is a per-microservice or overall health verdict.
type Status string

const (
	StatusHealthy   Status = "Healthy"
	StatusDegraded  Status = "Degraded"
	StatusUnhealthy Status = "Unhealthy"
)

// probeTimeout bounds each individual microservice probe; it is fixed
// rather than configurable because a slow backend must never be able
// to make the aggregated probe itself slow.
const probeTimeout = 2 * time.Second

// Caller is the subset of busclient.Client the probe needs.
type Caller interface {
	Call(ctx context.Context, queue string, payload []byte) ([]byte, error)
}

// Router is the subset of routing.Router the probe needs.
type Router interface {
	ListMicroservices() []string
	ResolveQueue(ms string) (string, bool)
}

// Observer receives each microservice's probe outcome for metrics
// reporting; the overall outcome goes to Notifier. Optional on Probe.
type Observer interface {
	ObserveHealthProbe(ms, status string)
}

// Notifier receives the overall probe outcome for ops visibility.
// Optional on Probe.
type Notifier interface {
	HealthProbed(status string)
}

// Probe runs the aggregated health check described in §4.7.
type Probe struct {
	Router   Router
	Bus      Caller
	Observer Observer
	Notifier Notifier
}

// Result is one microservice's outcome within an aggregated report.
type Result struct {
	Microservice string          `json:"name"`
	Status       Status          `json:"status"`
	Data         json.RawMessage `json:"data,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// Report is the full aggregated health response body.
type Report struct {
	Status Status   `json:"status"`
	Checks []Result `json:"checks"`
}

// Run probes every configured microservice in parallel, each bounded
// by whichever is shorter: probeTimeout or ctx's own deadline. The
// overall status is Healthy only if every microservice reported
// Healthy; any failure makes the whole report Unhealthy.
func (p *Probe) Run(ctx context.Context) Report {
	ids := p.Router.ListMicroservices()
	results := make([]Result, len(ids))

	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			results[i] = p.probeOne(ctx, id)
		}(i, id)
	}
	wg.Wait()

	if p.Observer != nil {
		for _, r := range results {
			p.Observer.ObserveHealthProbe(r.Microservice, string(r.Status))
		}
	}
	overall := fold(results)
	if p.Notifier != nil {
		p.Notifier.HealthProbed(string(overall))
	}
	return Report{Status: overall, Checks: results}
}

// fold implements the overall-status rule: Healthy only if every probe
// reports Healthy; any probe that is Degraded or Unhealthy (including a
// transport failure or malformed reply) drives the whole report to
// Unhealthy, so a single bad backend takes the gateway's health check
// out of the 200 range.
func fold(results []Result) Status {
	for _, r := range results {
		if r.Status != StatusHealthy {
			return StatusUnhealthy
		}
	}
	return StatusHealthy
}

func (p *Probe) probeOne(ctx context.Context, id string) Result {
	queue, ok := p.Router.ResolveQueue(id)
	if !ok {
		return Result{Microservice: id, Status: StatusUnhealthy, Error: "no queue configured"}
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	payload, err := envelope.Marshal(envelope.Health())
	if err != nil {
		return Result{Microservice: id, Status: StatusUnhealthy, Error: err.Error()}
	}

	reply, err := p.Bus.Call(probeCtx, queue, payload)
	if err != nil {
		return Result{Microservice: id, Status: StatusUnhealthy, Error: err.Error()}
	}
	return parseHealthReply(id, reply)
}

// microserviceHealth is the reply body a backend is expected to answer
// an {type: INFRA, resource: "Health", action: "Check"} envelope with.
type microserviceHealth struct {
	Status Status          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// parseHealthReply implements §4.7 step d: the reply is parsed as a
// MicroserviceHealth object and its status carried through to the
// per-microservice result; a malformed or unrecognized reply counts as
// an exception and therefore Unhealthy, same as a transport failure.
func parseHealthReply(id string, reply []byte) Result {
	var parsed microserviceHealth
	if err := json.Unmarshal(reply, &parsed); err != nil {
		return Result{Microservice: id, Status: StatusUnhealthy, Error: "malformed health reply: " + err.Error()}
	}
	switch parsed.Status {
	case StatusHealthy, StatusDegraded, StatusUnhealthy:
		return Result{Microservice: id, Status: parsed.Status, Data: parsed.Data}
	default:
		return Result{Microservice: id, Status: StatusUnhealthy, Error: "health reply missing a recognized status", Data: parsed.Data}
	}
}

// HTTPStatus maps a Report's overall status to the HTTP status code
// the /api/health handler returns: 200 only if every probe was
// Healthy, 503 otherwise.
func (r Report) HTTPStatus() int {
	if r.Status == StatusHealthy {
		return 200
	}
	return 503
}
