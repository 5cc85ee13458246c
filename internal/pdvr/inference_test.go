package pdvr

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/dohr-michael/ozzie/internal/errs"
	"github.com/dohr-michael/ozzie/internal/llmadapter"
	"github.com/dohr-michael/ozzie/internal/supervision"
	"github.com/dohr-michael/ozzie/internal/tasks"
	"github.com/dohr-michael/ozzie/internal/tools"
)

type fakeEngine struct {
	out llmadapter.RequestOutput
	err error
}

func (f *fakeEngine) Generate(ctx context.Context, prompt []*schema.Message, params llmadapter.SamplingParams) (llmadapter.RequestOutput, error) {
	return f.out, f.err
}

func (f *fakeEngine) GenerateStream(ctx context.Context, prompt []*schema.Message, params llmadapter.SamplingParams) (<-chan llmadapter.TokenOutput, <-chan error) {
	out := make(chan llmadapter.TokenOutput)
	errc := make(chan error)
	close(out)
	close(errc)
	return out, errc
}

func (f *fakeEngine) ModelInfo() llmadapter.ModelInfo { return llmadapter.ModelInfo{Name: "fake"} }
func (f *fakeEngine) Health(ctx context.Context) error { return nil }

func toolCall(id, name, args string) schema.ToolCall {
	return schema.ToolCall{
		ID:       id,
		Function: schema.FunctionCall{Name: name, Arguments: args},
	}
}

func TestInferenceExecutorRunsToolCallsInOrder(t *testing.T) {
	engine := &fakeEngine{out: llmadapter.RequestOutput{
		Content: "working on it",
		ToolCalls: []schema.ToolCall{
			toolCall("1", "file_read", `{"path":"a"}`),
			toolCall("2", "grep_search", `{"q":"x"}`),
		},
	}}

	var order []string
	exec := NewInferenceExecutor(engine, tools.ExecutorFunc(func(ctx context.Context, call tools.Call) (json.RawMessage, error) {
		order = append(order, call.Name)
		return json.RawMessage(`"ok"`), nil
	}), nil)

	task := &tasks.Task{ID: "t1", Description: "do things"}
	result, err := exec.Execute(context.Background(), task)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Error != "" {
		t.Fatalf("unexpected task error %q", result.Error)
	}
	if len(order) != 2 || order[0] != "file_read" || order[1] != "grep_search" {
		t.Fatalf("tool calls out of order: %v", order)
	}
	if task.Status != tasks.TaskCompleted {
		t.Fatalf("task status = %s, want completed", task.Status)
	}
}

func TestInferenceExecutorFailsTaskOnNonRecoverableToolError(t *testing.T) {
	engine := &fakeEngine{out: llmadapter.RequestOutput{
		ToolCalls: []schema.ToolCall{toolCall("1", "shell_exec", `{}`)},
	}}
	exec := NewInferenceExecutor(engine, tools.ExecutorFunc(func(ctx context.Context, call tools.Call) (json.RawMessage, error) {
		return nil, &tools.Error{Tool: call.Name, Recoverable: false, Err: errors.New("denied")}
	}), nil)

	task := &tasks.Task{ID: "t1", Description: "run"}
	result, err := exec.Execute(context.Background(), task)
	if err != nil {
		t.Fatalf("non-recoverable tool errors fail the task, not the step: %v", err)
	}
	if result.Error == "" {
		t.Fatal("result should carry the tool error")
	}
	if task.Status != tasks.TaskFailed {
		t.Fatalf("task status = %s, want failed", task.Status)
	}
}

func TestInferenceExecutorSurfacesRecoverableToolError(t *testing.T) {
	engine := &fakeEngine{out: llmadapter.RequestOutput{
		ToolCalls: []schema.ToolCall{toolCall("1", "file_read", `{}`)},
	}}
	exec := NewInferenceExecutor(engine, tools.ExecutorFunc(func(ctx context.Context, call tools.Call) (json.RawMessage, error) {
		return nil, &tools.Error{Tool: call.Name, Recoverable: true, Err: errors.New("busy")}
	}), nil)

	task := &tasks.Task{ID: "t1", Description: "read"}
	if _, err := exec.Execute(context.Background(), task); err == nil {
		t.Fatal("recoverable tool errors should surface to the loop's retry policy")
	}
}

func TestInferenceExecutorClassifiesOpenBreaker(t *testing.T) {
	engine := &fakeEngine{err: errors.New("model down")}
	exec := NewInferenceExecutor(engine, nil, nil)
	exec.Breaker = supervision.NewCircuitBreaker(supervision.CircuitBreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     time.Hour,
	}, nil)

	task := &tasks.Task{ID: "t1", Description: "generate"}
	for i := 0; i < 2; i++ {
		if _, err := exec.Execute(context.Background(), task); err == nil {
			t.Fatal("expected engine error")
		}
	}
	if exec.Breaker.State() != supervision.CircuitOpen {
		t.Fatalf("breaker state = %s, want open", exec.Breaker.State())
	}

	// The short-circuited call must classify as the breaker-open kind so
	// the loop backs off instead of retrying immediately.
	_, err := exec.Execute(context.Background(), task)
	if err == nil {
		t.Fatal("expected short-circuit error")
	}
	class := errs.Classify(err)
	if class.Action != errs.ActionRetryWithBackoff {
		t.Fatalf("classification action = %s, want retry_with_backoff", class.Action)
	}
}

func TestInferenceExecutorSurfacesEngineError(t *testing.T) {
	engine := &fakeEngine{err: errors.New("model down")}
	exec := NewInferenceExecutor(engine, nil, nil)

	if _, err := exec.Execute(context.Background(), &tasks.Task{ID: "t1"}); err == nil {
		t.Fatal("engine errors should surface")
	}
}
