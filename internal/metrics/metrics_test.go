package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestObserveRequestAppearsInHandlerOutput(t *testing.T) {
	r := New()
	r.ObserveRequest("mainsite", "countries", "List", "ok")
	r.ObserveCallLatency("mainsite", 25*time.Millisecond)
	r.ObserveAuthDecision("allowed", "public")
	r.ObserveHealthProbe("mainsite", "Healthy")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	for _, want := range []string{
		`gateway_requests_total{action="List",microservice="mainsite",outcome="ok",resource="countries"} 1`,
		`gateway_authorization_decisions_total{decision="allowed",reason="public"} 1`,
		`gateway_health_probe_total{microservice="mainsite",status="Healthy"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected metrics output to contain %q, got:\n%s", want, body)
		}
	}
}
