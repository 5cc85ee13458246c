package pdvr

import (
	"context"

	"github.com/dohr-michael/ozzie/internal/tasks"
)

// Executor performs the Do-phase work for one Task: submitting an
// inference request, executing any resulting tool calls via the external
// tool executor, and returning the outcome. InferenceExecutor is the
// production implementation.
type Executor interface {
	Execute(ctx context.Context, task *tasks.Task) (*tasks.TaskResult, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, task *tasks.Task) (*tasks.TaskResult, error)

func (f ExecutorFunc) Execute(ctx context.Context, task *tasks.Task) (*tasks.TaskResult, error) {
	return f(ctx, task)
}
