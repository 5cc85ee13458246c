package supervision

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dohr-michael/ozzie/internal/backoff"
)

// scriptedChild fails a fixed number of times then blocks until ctx is
// cancelled, counting how many times Run was invoked.
type scriptedChild struct {
	name        string
	failTimes   int32
	invocations int32
}

func (c *scriptedChild) Name() string { return c.name }

func (c *scriptedChild) Run(ctx context.Context) error {
	n := atomic.AddInt32(&c.invocations, 1)
	if n <= c.failTimes {
		return errors.New("scripted failure")
	}
	<-ctx.Done()
	return ctx.Err()
}

func (c *scriptedChild) Invocations() int { return int(atomic.LoadInt32(&c.invocations)) }

func TestSupervisorOneForOneRestartsOnlyFailedChild(t *testing.T) {
	a := &scriptedChild{name: "a", failTimes: 2}
	b := &scriptedChild{name: "b", failTimes: 0}

	sup := NewSupervisor(OneForOne, nil)
	sup.Add(ChildSpec{Child: a, Policy: RestartPolicyConfig{MaxRestarts: 5, WindowSize: time.Minute, Backoff: backoff.Fixed{Delay: time.Millisecond}}})
	sup.Add(ChildSpec{Child: b, Policy: RestartPolicyConfig{MaxRestarts: 5, WindowSize: time.Minute, Backoff: backoff.Fixed{Delay: time.Millisecond}}})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	sup.Run(ctx)

	if a.Invocations() < 3 {
		t.Fatalf("a invocations = %d, want >= 3", a.Invocations())
	}
	if b.Invocations() != 1 {
		t.Fatalf("b invocations = %d, want 1 (should not restart on a's failures)", b.Invocations())
	}
}

func TestSupervisorOneForAllRestartsSiblings(t *testing.T) {
	a := &scriptedChild{name: "a", failTimes: 1}
	b := &scriptedChild{name: "b", failTimes: 0}

	sup := NewSupervisor(OneForAll, nil)
	sup.Add(ChildSpec{Child: a, Policy: RestartPolicyConfig{MaxRestarts: 5, WindowSize: time.Minute, Backoff: backoff.Fixed{Delay: time.Millisecond}}})
	sup.Add(ChildSpec{Child: b, Policy: RestartPolicyConfig{MaxRestarts: 5, WindowSize: time.Minute, Backoff: backoff.Fixed{Delay: time.Millisecond}}})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	sup.Run(ctx)

	if b.Invocations() < 2 {
		t.Fatalf("b invocations = %d, want >= 2 (should restart when sibling a fails)", b.Invocations())
	}
}

func TestSupervisorEscalatesAfterMaxRestarts(t *testing.T) {
	a := &scriptedChild{name: "a", failTimes: 100}

	sup := NewSupervisor(OneForOne, nil)
	sup.Add(ChildSpec{Child: a, Policy: RestartPolicyConfig{MaxRestarts: 2, WindowSize: time.Minute, Backoff: backoff.Fixed{Delay: time.Millisecond}}})

	var mu sync.Mutex
	var escalated string
	sup.OnMaxRestarts(func(child string, err error) {
		mu.Lock()
		defer mu.Unlock()
		escalated = child
	})

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	sup.Run(ctx)

	mu.Lock()
	defer mu.Unlock()
	if escalated != "a" {
		t.Fatalf("escalated = %q, want %q", escalated, "a")
	}
	// 1 initial run + 2 allowed restarts = 3 invocations before escalation.
	if a.Invocations() != 3 {
		t.Fatalf("a invocations = %d, want 3", a.Invocations())
	}
}
