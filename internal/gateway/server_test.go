package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dohr-michael/ozzie/internal/supervision"
)

type staticCheck struct {
	name   string
	status supervision.HealthStatus
}

func (c staticCheck) Name() string                                  { return c.name }
func (c staticCheck) Check(context.Context) supervision.HealthStatus { return c.status }

func TestHandleHealthHealthy(t *testing.T) {
	monitor := supervision.NewMonitor([]supervision.HealthCheck{
		staticCheck{name: "heartbeat", status: supervision.HealthStatus{Kind: supervision.Healthy}},
	}, time.Minute)
	s := NewServer(monitor, "127.0.0.1", 0)

	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var view healthView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.Overall != "healthy" {
		t.Fatalf("overall = %q, want healthy", view.Overall)
	}
	if len(view.Checks) != 1 || view.Checks[0].Name != "heartbeat" {
		t.Fatalf("unexpected checks %+v", view.Checks)
	}
}

func TestHandleHealthUnhealthyReturns503(t *testing.T) {
	monitor := supervision.NewMonitor([]supervision.HealthCheck{
		staticCheck{name: "disk", status: supervision.HealthStatus{
			Kind:     supervision.Unhealthy,
			Reason:   "disk full",
			Severity: supervision.SeverityCritical,
		}},
	}, time.Minute)
	s := NewServer(monitor, "127.0.0.1", 0)

	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var view healthView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.Overall != "unhealthy" {
		t.Fatalf("overall = %q, want unhealthy", view.Overall)
	}
}
