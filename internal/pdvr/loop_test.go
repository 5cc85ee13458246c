package pdvr

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dohr-michael/ozzie/internal/tasks"
)

func noBackoff(int) time.Duration { return 0 }

func TestLoopStepRunsPendingTaskSuccessfully(t *testing.T) {
	state := NewAgentState(0, 0)
	state.Enqueue(mkTask("t1", tasks.PriorityNormal, time.Now()))

	var executed *tasks.Task
	loop := NewLoop(LoopConfig{
		State: state,
		Executor: ExecutorFunc(func(ctx context.Context, task *tasks.Task) (*tasks.TaskResult, error) {
			executed = task
			return &tasks.TaskResult{}, nil
		}),
		Backoff: noBackoff,
	})

	if err := loop.Step(context.Background()); err != nil {
		t.Fatalf("Step returned error: %v", err)
	}
	if executed == nil || executed.ID != "t1" {
		t.Fatalf("expected t1 to execute, got %+v", executed)
	}
	if state.Metrics.SuccessCount != 1 {
		t.Fatalf("SuccessCount = %d, want 1", state.Metrics.SuccessCount)
	}
	if state.IterationCount != 1 {
		t.Fatalf("IterationCount = %d, want 1", state.IterationCount)
	}
}

func TestLoopStepSynthesizesImprovementTaskWhenEmpty(t *testing.T) {
	state := NewAgentState(0, 0)

	var executed *tasks.Task
	loop := NewLoop(LoopConfig{
		State: state,
		Executor: ExecutorFunc(func(ctx context.Context, task *tasks.Task) (*tasks.TaskResult, error) {
			executed = task
			return &tasks.TaskResult{}, nil
		}),
		Backoff: noBackoff,
	})

	if err := loop.Step(context.Background()); err != nil {
		t.Fatalf("Step returned error: %v", err)
	}
	if executed == nil || executed.Priority != tasks.PriorityBackground {
		t.Fatalf("expected a synthesized background task, got %+v", executed)
	}
}

func TestLoopStepRetriesRecoverableFailureThenSucceeds(t *testing.T) {
	state := NewAgentState(0, 0)
	state.Enqueue(mkTask("t1", tasks.PriorityNormal, time.Now()))

	attempts := 0
	loop := NewLoop(LoopConfig{
		State: state,
		Executor: ExecutorFunc(func(ctx context.Context, task *tasks.Task) (*tasks.TaskResult, error) {
			attempts++
			if attempts < 2 {
				return nil, errors.New("transient")
			}
			return &tasks.TaskResult{}, nil
		}),
		Backoff: noBackoff,
	})
	state.pendingTasks.h[0].MaxRetries = 3

	if err := loop.Step(context.Background()); err != nil {
		t.Fatalf("Step returned error: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
	if state.Metrics.SuccessCount != 1 {
		t.Fatalf("SuccessCount = %d, want 1", state.Metrics.SuccessCount)
	}
}

func TestLoopStepEscalatesAfterMaxConsecutiveFailures(t *testing.T) {
	state := NewAgentState(0, 0)

	var escalated string
	loop := NewLoop(LoopConfig{
		State:                  state,
		MaxConsecutiveFailures: 2,
		Backoff:                noBackoff,
		Escalate: func(reason string) {
			escalated = reason
		},
		Executor: ExecutorFunc(func(ctx context.Context, task *tasks.Task) (*tasks.TaskResult, error) {
			return nil, errors.New("always fails")
		}),
	})

	state.Enqueue(mkTask("t1", tasks.PriorityNormal, time.Now()))
	state.pendingTasks.h[0].MaxRetries = 0
	_ = loop.Step(context.Background())

	state.Enqueue(mkTask("t2", tasks.PriorityNormal, time.Now()))
	state.pendingTasks.h[0].MaxRetries = 0
	_ = loop.Step(context.Background())

	if escalated == "" {
		t.Fatal("expected Escalate to be called after max consecutive failures")
	}
}
