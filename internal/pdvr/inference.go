package pdvr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/dohr-michael/ozzie/internal/errs"
	"github.com/dohr-michael/ozzie/internal/llmadapter"
	"github.com/dohr-michael/ozzie/internal/supervision"
	"github.com/dohr-michael/ozzie/internal/tasks"
	"github.com/dohr-michael/ozzie/internal/tools"
)

// InferenceExecutor is the Do-phase implementation: it submits the task as
// an inference request, executes any tool calls from the response in order
// of appearance, and records the outcome on the task store.
type InferenceExecutor struct {
	Engine  llmadapter.Engine
	Tools   tools.Executor              // nil disables tool execution
	Store   tasks.Store                 // nil disables persistence
	Breaker *supervision.CircuitBreaker // nil disables the guard on LLM calls
	Params  llmadapter.SamplingParams
}

// NewInferenceExecutor builds an InferenceExecutor. A non-nil tool
// executor is wrapped with the fingerprint cache for idempotent tools.
func NewInferenceExecutor(engine llmadapter.Engine, toolExec tools.Executor, store tasks.Store) *InferenceExecutor {
	if toolExec != nil {
		toolExec = tools.NewCachingExecutor(toolExec, 0)
	}
	return &InferenceExecutor{
		Engine: engine,
		Tools:  toolExec,
		Store:  store,
		Params: llmadapter.SamplingParams{MaxTokens: 4096},
	}
}

// Execute runs one task to completion: one generation, then its tool
// calls, in order. A non-recoverable tool error fails the task; a
// recoverable one is returned to the loop for its retry policy.
func (e *InferenceExecutor) Execute(ctx context.Context, task *tasks.Task) (*tasks.TaskResult, error) {
	start := time.Now()
	e.markRunning(task)

	prompt := []*schema.Message{
		{Role: schema.User, Content: taskPrompt(task)},
	}

	out, err := e.generate(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("pdvr: inference: %w", err)
	}

	result := &tasks.TaskResult{
		Output:     out.Content,
		DurationMS: time.Since(start).Milliseconds(),
		TokenUsage: tasks.TokenUsage{Output: out.TokensUsed},
	}

	var outputs []string
	if out.Content != "" {
		outputs = append(outputs, out.Content)
	}
	for _, tc := range out.ToolCalls {
		payload, toolErr := e.runTool(ctx, tc)
		if toolErr != nil {
			var te *tools.Error
			if errors.As(toolErr, &te) && te.Recoverable {
				return nil, fmt.Errorf("pdvr: tool call: %w", toolErr)
			}
			result.Error = toolErr.Error()
			break
		}
		if len(payload) > 0 {
			outputs = append(outputs, string(payload))
		}
	}
	result.Output = strings.Join(outputs, "\n")

	e.record(task, result)
	return result, nil
}

// generate calls the engine, routed through the circuit breaker when one
// is configured. A short-circuited call comes back classified so the
// loop's retry policy backs off instead of hammering an open breaker.
func (e *InferenceExecutor) generate(ctx context.Context, prompt []*schema.Message) (llmadapter.RequestOutput, error) {
	if e.Breaker == nil {
		return e.Engine.Generate(ctx, prompt, e.Params)
	}
	var out llmadapter.RequestOutput
	err := e.Breaker.Execute(func() error {
		var genErr error
		out, genErr = e.Engine.Generate(ctx, prompt, e.Params)
		return genErr
	})
	if errors.Is(err, supervision.ErrCircuitOpen) {
		return out, errs.New(errs.KindSupervisionCircuit, err)
	}
	return out, err
}

func (e *InferenceExecutor) runTool(ctx context.Context, tc schema.ToolCall) (json.RawMessage, error) {
	if e.Tools == nil {
		return nil, &tools.Error{
			Tool:        tc.Function.Name,
			Recoverable: false,
			Err:         errors.New("no tool executor configured"),
		}
	}
	return e.Tools.Execute(ctx, tools.Call{
		ID:   tc.ID,
		Name: tc.Function.Name,
		Args: json.RawMessage(tc.Function.Arguments),
	})
}

func (e *InferenceExecutor) markRunning(task *tasks.Task) {
	now := time.Now()
	task.Status = tasks.TaskRunning
	task.StartedAt = &now
	if e.Store != nil {
		_ = e.Store.Update(task)
	}
}

func (e *InferenceExecutor) record(task *tasks.Task, result *tasks.TaskResult) {
	now := time.Now()
	task.Result = result
	task.CompletedAt = &now
	if result.Error == "" {
		task.Status = tasks.TaskCompleted
	} else {
		task.Status = tasks.TaskFailed
	}
	if e.Store == nil {
		return
	}
	_ = e.Store.Update(task)
	if result.Output != "" {
		_ = e.Store.WriteOutput(task.ID, result.Output)
	}
}

// taskPrompt renders the task for the model: description plus any
// structured input.
func taskPrompt(task *tasks.Task) string {
	if len(task.Input) == 0 {
		return task.Description
	}
	return task.Description + "\n\nInput:\n" + string(task.Input)
}
