package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"busgateway/internal/health"
)

type fakeHealthRouter struct {
	ids   []string
	queue string
}

func (r *fakeHealthRouter) ListMicroservices() []string { return r.ids }
func (r *fakeHealthRouter) ResolveQueue(ms string) (string, bool) {
	if r.queue == "" {
		return "", false
	}
	return r.queue, true
}

type fakeHealthCaller struct {
	err error
}

func (c *fakeHealthCaller) Call(ctx context.Context, queue string, payload []byte) ([]byte, error) {
	if c.err != nil {
		return nil, c.err
	}
	return []byte(`{"status":"Healthy"}`), nil
}

func TestMountHealthServesAggregatedReportWithoutAuth(t *testing.T) {
	probe := &health.Probe{
		Router: &fakeHealthRouter{ids: []string{"mainsite"}, queue: "mainsite.queue"},
		Bus:    &fakeHealthCaller{},
	}

	r := chi.NewRouter()
	MountHealth(r, probe)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var report health.Report
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	if report.Status != health.StatusHealthy {
		t.Fatalf("expected Healthy, got %q", report.Status)
	}
}

func TestMountHealthReturns503WhenEveryProbeFails(t *testing.T) {
	probe := &health.Probe{
		Router: &fakeHealthRouter{ids: []string{"mainsite"}, queue: "mainsite.queue"},
		Bus:    &fakeHealthCaller{err: context.DeadlineExceeded},
	}

	r := chi.NewRouter()
	MountHealth(r, probe)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}
