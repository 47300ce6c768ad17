// Package gateway implements C6: the request -> envelope -> reply
// pipeline that turns an inbound HTTP call into a bus RPC and shapes
// the backend's reply back into an HTTP response.
package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"busgateway/internal/authz"
	"busgateway/internal/busclient"
	"busgateway/internal/envelope"
	"busgateway/internal/httpx"
	"busgateway/internal/routing"
)

// Bus is the slice of busclient.Client the pipeline depends on,
// isolated behind an interface so handler tests can run without a
// broker.
type Bus interface {
	Call(ctx context.Context, queue string, payload []byte) ([]byte, error)
}

// Metrics is the slice of metrics.Registry the pipeline reports to.
// It is optional: a nil Metrics disables instrumentation entirely.
type Metrics interface {
	ObserveRequest(ms, resource, action, outcome string)
	ObserveCallLatency(ms string, d time.Duration)
}

// Events is the slice of events.Hub the pipeline reports routed calls
// to for ops visibility. Optional: a nil Events disables reporting.
type Events interface {
	RouteCompleted(ms, resource, action, outcome string)
}

// Server holds everything the route handlers need to run the
// request -> envelope -> reply pipeline. It has no mutable state of
// its own beyond what Router/Bus/Auth already guard internally, so a
// single instance is shared across all requests.
type Server struct {
	Router  *routing.Router
	Bus     Bus
	Auth    *authz.Filter
	Metrics Metrics
	Events  Events

	// Cache backs the optional Idempotency-Key replay guard on
	// mutating routes. A nil Cache disables idempotency handling
	// entirely; retried requests then publish a second RPC as before.
	Cache          IdempotencyCache
	IdempotencyTTL time.Duration
}

func (s *Server) observe(ms, resource, action, outcome string) {
	if s.Metrics != nil {
		s.Metrics.ObserveRequest(ms, resource, action, outcome)
	}
	if s.Events != nil {
		s.Events.RouteCompleted(ms, resource, action, outcome)
	}
}

// Mount attaches every route in spec.md §4.6's table under r, each
// wrapped first by the authorization filter and then by the C6
// pipeline itself.
func (s *Server) Mount(r chi.Router) {
	r.Route("/api/{ms}/{resource}", func(rr chi.Router) {
		rr.Post("/", s.withAuth("", s.handleCreate))
		rr.Get("/", s.withAuth("", s.handleList))
		rr.Get("/{id:[0-9]+}", s.withAuth("", s.handleGet))
		rr.Put("/{id:[0-9]+}", s.withAuth("", s.handleUpdate))
		rr.Delete("/{id:[0-9]+}", s.withAuth("", s.handleDelete))
		rr.Post("/actions/{action}", s.withAuth("action", s.handleAction))
		rr.Post("/{id:[0-9]+}/actions/{action}", s.withAuth("action", s.handleAction))
	})
}

// withAuth runs the authorization filter (C5) ahead of the pipeline
// handler, using the fixed check order described in §4.5/§4.6: the
// public/private decision and authentication happen before anything
// about the route's existence is evaluated, so an unauthenticated call
// against an unknown microservice is rejected with 401, not 400.
func (s *Server) withAuth(actionKind string, next func(w http.ResponseWriter, r *http.Request, action string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ms := chi.URLParam(r, "ms")
		resource := chi.URLParam(r, "resource")
		// Only /actions/{action} routes carry a real action name for
		// the effective-scope check; the implicit CRUD routes pass ""
		// so IsPublic falls through to the resource/microservice scope
		// rather than accidentally matching a declared action of the
		// same name.
		scopeAction := ""
		if actionKind == "action" {
			scopeAction = chi.URLParam(r, "action")
		}

		ctx, ok := s.Auth.Authorize(r.Context(), r, ms, resource, scopeAction)
		if !ok {
			writeAuthError(w, r)
			return
		}
		next(w, r.WithContext(ctx), scopeAction)
	}
}

func writeAuthError(w http.ResponseWriter, r *http.Request) {
	traceID := traceIDFromRequest(r)
	if _, has := authz.PrincipalFromContext(r.Context()); has {
		writeError(w, http.StatusUnauthorized, "unauthorized", "the authenticated principal may not access this resource", traceID)
		return
	}
	writeError(w, http.StatusUnauthorized, "unauthenticated", "a valid bearer token is required", traceID)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request, action string) {
	s.run(w, r, routeParams{ms: chi.URLParam(r, "ms"), resource: chi.URLParam(r, "resource"), action: "Create", readBody: true, idempotent: true, onSuccess: writeCreated})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, action string) {
	s.run(w, r, routeParams{ms: chi.URLParam(r, "ms"), resource: chi.URLParam(r, "resource"), action: "List", onSuccess: writeOK})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, action string) {
	id := mustID(r)
	s.run(w, r, routeParams{ms: chi.URLParam(r, "ms"), resource: chi.URLParam(r, "resource"), action: "Get", id: &id, idAsData: true, onSuccess: writeOK})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request, action string) {
	id := mustID(r)
	s.run(w, r, routeParams{ms: chi.URLParam(r, "ms"), resource: chi.URLParam(r, "resource"), action: "Update", id: &id, readBody: true, onSuccess: writeNoContent})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, action string) {
	id := mustID(r)
	s.run(w, r, routeParams{ms: chi.URLParam(r, "ms"), resource: chi.URLParam(r, "resource"), action: "Delete", id: &id, idAsData: true, onSuccess: writeNoContent})
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request, action string) {
	params := routeParams{ms: chi.URLParam(r, "ms"), resource: chi.URLParam(r, "resource"), action: action, readBody: true, idempotent: true, onSuccess: writeOK}
	if raw := chi.URLParam(r, "id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err == nil {
			params.id = &id
		}
	}
	s.run(w, r, params)
}

func mustID(r *http.Request) int64 {
	id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id
}

type routeParams struct {
	ms, resource, action string
	id                   *int64
	readBody             bool
	idAsData             bool
	idempotent           bool
	onSuccess            func(w http.ResponseWriter, body []byte, ms, resource string)
}

// run executes the fixed §4.6 step order: resource-allowed, then (for
// custom actions) action-allowed, then queue resolution, then the
// request body, then type resolution, then the envelope is built,
// serialized, and sent over the bus, and finally the reply is shaped
// into the HTTP response.
func (s *Server) run(w http.ResponseWriter, r *http.Request, p routeParams) {
	traceID := traceIDFromRequest(r)
	w.Header().Set("Trace-Id", traceID)

	if !s.Router.IsResourceAllowed(p.ms, p.resource) {
		s.observe(p.ms, p.resource, p.action, "unauthorized")
		writeError(w, http.StatusUnauthorized, "unauthorized", "resource or action not permitted for microservice", traceID)
		return
	}
	if isCustomAction(p.action) && !s.Router.IsActionAllowed(p.ms, p.resource, p.action) {
		s.observe(p.ms, p.resource, p.action, "unauthorized")
		writeError(w, http.StatusUnauthorized, "unauthorized", "resource or action not permitted for microservice", traceID)
		return
	}
	queue, ok := s.Router.ResolveQueue(p.ms)
	if !ok {
		s.observe(p.ms, p.resource, p.action, "bad_routing_config")
		writeError(w, http.StatusBadRequest, "bad_routing_config", "microservice has no configured queue", traceID)
		return
	}

	var idemKey string
	if p.idempotent && s.Cache != nil {
		if raw := r.Header.Get(idempotencyHeader); raw != "" {
			idemKey = idempotencyKey(r.Context(), p.ms, p.resource, p.action, raw)
			cached, replay, conflict := s.checkIdempotency(r.Context(), idemKey)
			if replay {
				s.observe(p.ms, p.resource, p.action, "idempotent_replay")
				p.onSuccess(w, cached, p.ms, p.resource)
				return
			}
			if conflict {
				s.observe(p.ms, p.resource, p.action, "duplicate_request")
				writeIdempotencyConflict(w, r)
				return
			}
		}
	}

	var data string
	switch {
	case p.readBody:
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", traceID)
			return
		}
		if len(body) > 0 {
			data = string(body)
		}
	case p.idAsData && p.id != nil:
		data = strconv.FormatInt(*p.id, 10)
	}

	resourceType, _ := s.Router.ResolveType(p.ms, p.resource)

	env := envelope.Envelope{Type: resourceType, Resource: p.resource, Action: p.action, ID: p.id, Data: data}
	payload, err := envelope.Marshal(env)
	if err != nil {
		s.observe(p.ms, p.resource, p.action, "internal")
		writeError(w, http.StatusInternalServerError, "internal", "failed to build bus envelope", traceID)
		return
	}

	start := time.Now()
	reply, err := s.Bus.Call(r.Context(), queue, payload)
	if s.Metrics != nil {
		s.Metrics.ObserveCallLatency(p.ms, time.Since(start))
	}
	if err != nil {
		s.observe(p.ms, p.resource, p.action, callErrorOutcome(err))
		s.writeCallError(w, r, err, traceID)
		return
	}
	s.observe(p.ms, p.resource, p.action, "ok")
	if idemKey != "" {
		s.storeIdempotentReply(r.Context(), idemKey, reply)
	}
	p.onSuccess(w, reply, p.ms, p.resource)
}

func callErrorOutcome(err error) string {
	switch {
	case errors.Is(err, busclient.ErrCancelled):
		return "cancelled"
	case errors.Is(err, busclient.ErrUpstreamUnavailable), errors.Is(err, busclient.ErrPublishFailed):
		return "upstream_unavailable"
	default:
		return "unexpected"
	}
}

func isCustomAction(action string) bool {
	switch action {
	case "Create", "List", "Get", "Update", "Delete":
		return false
	default:
		return action != ""
	}
}

func (s *Server) writeCallError(w http.ResponseWriter, r *http.Request, err error, traceID string) {
	switch {
	case errors.Is(err, busclient.ErrCancelled):
		// The caller is gone; writing a response now would race a
		// client that already stopped reading. Stay silent.
		return
	case errors.Is(err, busclient.ErrUpstreamUnavailable), errors.Is(err, busclient.ErrPublishFailed):
		writeError(w, http.StatusServiceUnavailable, "upstream_unavailable", "the backend service is unreachable", traceID)
	default:
		writeError(w, http.StatusInternalServerError, "unexpected", "an unexpected error occurred", traceID)
	}
}

func writeOK(w http.ResponseWriter, body []byte, ms, resource string) {
	writeRaw(w, http.StatusOK, body)
}

func writeCreated(w http.ResponseWriter, body []byte, ms, resource string) {
	if id := replyID(body); id != "" {
		w.Header().Set("Location", "/api/"+ms+"/"+resource+"/"+id)
	}
	writeRaw(w, http.StatusCreated, body)
}

func writeNoContent(w http.ResponseWriter, body []byte, ms, resource string) {
	w.WriteHeader(http.StatusNoContent)
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if len(body) == 0 {
		_, _ = w.Write([]byte("null"))
		return
	}
	_, _ = w.Write(body)
}

// replyID extracts the id from a Create reply. Per the route table, a
// backend answers Create with the new id verbatim — a bare number
// (42) or a quoted string ("42") — not an object; trim any surrounding
// quotes/whitespace rather than unmarshalling a field out of it.
func replyID(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" || trimmed == "null" {
		return ""
	}
	if len(trimmed) >= 2 && trimmed[0] == '"' && trimmed[len(trimmed)-1] == '"' {
		trimmed = trimmed[1 : len(trimmed)-1]
	}
	return trimmed
}

func writeError(w http.ResponseWriter, status int, code, message, traceID string) {
	w.Header().Set("Trace-Id", traceID)
	httpx.WriteErrorBody(w, status, code, message, traceID, "")
}

func traceIDFromRequest(r *http.Request) string {
	if id := r.Header.Get("Trace-Id"); id != "" {
		return id
	}
	return uuid.New().String()
}
