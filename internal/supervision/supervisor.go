package supervision

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Child is a supervised unit. Run blocks until ctx is cancelled or the
// child fails. A nil return while the outer context is still live is a
// graceful self-stop and the child is not restarted. Any non-nil return,
// including the context error of a child cancelled because a sibling
// failed (OneForAll/RestForOne), goes through this child's restart policy.
type Child interface {
	Name() string
	Run(ctx context.Context) error
}

// ChildFunc adapts a plain function to the Child interface.
type ChildFunc struct {
	ChildName string
	Fn        func(ctx context.Context) error
}

func (c ChildFunc) Name() string                  { return c.ChildName }
func (c ChildFunc) Run(ctx context.Context) error { return c.Fn(ctx) }

// ChildSpec pairs a Child with its own restart policy configuration. Specs
// are declared in the order the supervisor starts them; RestForOne uses
// this order to determine which siblings restart alongside a failed one.
type ChildSpec struct {
	Child  Child
	Policy RestartPolicyConfig
}

// Supervisor runs a set of Children under a RestartStrategy, restarting
// them on failure until MaxRestarts is exceeded, at which
// point it emits MaxRestartsExceeded via onMaxRestarts and stops
// supervising that subtree.
type Supervisor struct {
	strategy RestartStrategy
	clock    Clock

	mu       sync.Mutex
	specs    []ChildSpec
	policies []*RestartPolicy
	cancels  []context.CancelFunc // current child-generation cancel, nil between generations

	onMaxRestarts func(child string, err error)
}

// NewSupervisor creates a Supervisor with the given top-level strategy. A
// nil clock uses RealClock.
func NewSupervisor(strategy RestartStrategy, clock Clock) *Supervisor {
	if clock == nil {
		clock = RealClock()
	}
	return &Supervisor{strategy: strategy, clock: clock}
}

// OnMaxRestarts registers a callback invoked when a child exceeds its
// restart-intensity limit.
func (s *Supervisor) OnMaxRestarts(fn func(child string, err error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMaxRestarts = fn
}

// Add registers a child under the supervisor. Must be called before Run.
func (s *Supervisor) Add(spec ChildSpec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.specs = append(s.specs, spec)
	s.policies = append(s.policies, NewRestartPolicy(spec.Policy, s.clock))
	s.cancels = append(s.cancels, nil)
}

// Run starts every child and supervises them until ctx is cancelled. It
// blocks until all children have stopped (gracefully or via escalation).
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	n := len(s.specs)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			s.superviseChild(ctx, idx)
		}(i)
	}
	wg.Wait()
	return ctx.Err()
}

// superviseChild runs a single child to completion, restarting it on
// failure, and propagating restart to siblings per strategy, until ctx is
// cancelled or the restart-intensity limit is exceeded.
func (s *Supervisor) superviseChild(ctx context.Context, idx int) {
	for {
		if ctx.Err() != nil {
			return
		}

		childCtx, cancel := context.WithCancel(ctx)
		s.mu.Lock()
		spec := s.specs[idx]
		policy := s.policies[idx]
		s.cancels[idx] = cancel
		s.mu.Unlock()

		err := spec.Child.Run(childCtx)
		cancel()

		s.mu.Lock()
		s.cancels[idx] = nil
		s.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		if err == nil {
			// Graceful self-stop with the outer context still live: treated
			// as done, not a failure to restart.
			return
		}

		slog.Warn("supervised child stopped", "child", spec.Child.Name(), "error", err)

		delay, restartErr := policy.RecordFailure()
		if restartErr != nil {
			slog.Error("restart limit exceeded, escalating", "child", spec.Child.Name(), "error", restartErr)
			s.mu.Lock()
			cb := s.onMaxRestarts
			s.mu.Unlock()
			if cb != nil {
				cb(spec.Child.Name(), fmt.Errorf("%s: %w", spec.Child.Name(), restartErr))
			}
			return
		}

		switch s.strategy {
		case OneForAll:
			s.cancelSiblings(idx, 0)
		case RestForOne:
			s.cancelSiblings(idx, idx+1)
		}

		if delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
	}
}

// cancelSiblings cancels the current generation of every child in
// [from, len(specs)) other than skip, forcing their Run to return so they
// re-enter superviseChild's restart path alongside the failed child.
func (s *Supervisor) cancelSiblings(skip, from int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := from; i < len(s.cancels); i++ {
		if i == skip {
			continue
		}
		if c := s.cancels[i]; c != nil {
			c()
		}
	}
}
