package supervision

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeHeartbeatSource struct{ last time.Time }

func (f fakeHeartbeatSource) LastBeat() time.Time { return f.last }

func TestHeartbeatCheckHealthyWithinTimeout(t *testing.T) {
	clock := NewFakeClock(time.Unix(100, 0))
	hb := NewHeartbeatCheck("agent", fakeHeartbeatSource{last: time.Unix(99, 0)}, 5*time.Second, clock)
	if got := hb.Check(context.Background()); got.Kind != Healthy {
		t.Fatalf("got %v, want Healthy", got)
	}
}

func TestHeartbeatCheckDegradedAfterTimeout(t *testing.T) {
	clock := NewFakeClock(time.Unix(100, 0))
	hb := NewHeartbeatCheck("agent", fakeHeartbeatSource{last: time.Unix(90, 0)}, 5*time.Second, clock)
	if got := hb.Check(context.Background()); got.Kind != Degraded {
		t.Fatalf("got %v, want Degraded", got)
	}
}

func TestHeartbeatCheckUnhealthyAfterDoubleTimeout(t *testing.T) {
	clock := NewFakeClock(time.Unix(100, 0))
	hb := NewHeartbeatCheck("agent", fakeHeartbeatSource{last: time.Unix(80, 0)}, 5*time.Second, clock)
	got := hb.Check(context.Background())
	if got.Kind != Unhealthy || got.Severity != SeverityCritical {
		t.Fatalf("got %+v, want Unhealthy/Critical", got)
	}
}

type fixedCheck struct {
	name   string
	status HealthStatus
}

func (f fixedCheck) Name() string                       { return f.name }
func (f fixedCheck) Check(context.Context) HealthStatus { return f.status }

func TestMonitorAggregatesWorstStatus(t *testing.T) {
	m := NewMonitor([]HealthCheck{
		fixedCheck{"a", HealthStatus{Kind: Healthy}},
		fixedCheck{"b", HealthStatus{Kind: Degraded, Reason: "high load"}},
	}, time.Second)

	got := m.RunOnce(context.Background())
	if got.Kind != Degraded {
		t.Fatalf("got %v, want Degraded", got.Kind)
	}
}

func TestMonitorUnhealthyBeatsDegraded(t *testing.T) {
	m := NewMonitor([]HealthCheck{
		fixedCheck{"a", HealthStatus{Kind: Degraded, Reason: "high load"}},
		fixedCheck{"b", HealthStatus{Kind: Unhealthy, Reason: "disk full", Severity: SeverityFatal}},
	}, time.Second)

	got := m.RunOnce(context.Background())
	if got.Kind != Unhealthy || got.Severity != SeverityFatal {
		t.Fatalf("got %+v, want Unhealthy/Fatal", got)
	}
}

func TestMonitorAllHealthy(t *testing.T) {
	m := NewMonitor([]HealthCheck{
		fixedCheck{"a", HealthStatus{Kind: Healthy}},
		fixedCheck{"b", HealthStatus{Kind: Healthy}},
	}, time.Second)

	if got := m.RunOnce(context.Background()); got.Kind != Healthy {
		t.Fatalf("got %v, want Healthy", got.Kind)
	}
}

func TestThresholdCheckReportsUnhealthyOnSampleError(t *testing.T) {
	tc := &ThresholdCheck{
		CheckName: "disk",
		Sample:    func(context.Context) (float64, error) { return 0, errors.New("stat failed") },
	}
	got := tc.Check(context.Background())
	if got.Kind != Unhealthy {
		t.Fatalf("got %v, want Unhealthy", got.Kind)
	}
}

func TestThresholdCheckLevels(t *testing.T) {
	mk := func(v float64) *ThresholdCheck {
		return &ThresholdCheck{
			CheckName:      "mem",
			Sample:         func(context.Context) (float64, error) { return v, nil },
			DegradedAbove:  70,
			UnhealthyAbove: 95,
		}
	}
	if got := mk(50).Check(context.Background()); got.Kind != Healthy {
		t.Fatalf("50%% got %v, want Healthy", got.Kind)
	}
	if got := mk(80).Check(context.Background()); got.Kind != Degraded {
		t.Fatalf("80%% got %v, want Degraded", got.Kind)
	}
	if got := mk(96).Check(context.Background()); got.Kind != Unhealthy {
		t.Fatalf("96%% got %v, want Unhealthy", got.Kind)
	}
}
