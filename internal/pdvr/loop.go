package pdvr

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/dohr-michael/ozzie/internal/checkpoint"
	"github.com/dohr-michael/ozzie/internal/ctxwindow"
	"github.com/dohr-michael/ozzie/internal/errs"
	"github.com/dohr-michael/ozzie/internal/events"
	"github.com/dohr-michael/ozzie/internal/llmadapter"
	"github.com/dohr-michael/ozzie/internal/resources"
	"github.com/dohr-michael/ozzie/internal/storage/episodic"
	"github.com/dohr-michael/ozzie/internal/tasks"
)

// LoopConfig wires the execution loop to its sibling components.
type LoopConfig struct {
	State       *AgentState
	Governor    *resources.Governor
	Checkpoints *checkpoint.Engine
	Episodic    *episodic.Store // optional; nil disables self-improvement recording
	Executor    Executor

	// Engine, if set, is asked to phrase the self-improvement task's
	// description from the raw metrics; nil falls back to a templated
	// summary.
	Engine llmadapter.Engine

	// Bus, if set, receives a TaskStatusPayload event per completed or
	// failed task.
	Bus *events.Bus

	// Window, if set, carries the loop's own conversation with Engine:
	// synthesis prompts and reflection notes go through it so the history
	// stays within its token budget.
	Window *ctxwindow.Manager

	ImprovementIntervalTasks int // default 100
	MaxConsecutiveFailures   int // escalation threshold, default 10
	Backoff                  func(attempt int) time.Duration

	// Escalate is invoked when MaxConsecutiveFailures recoverable failures
	// happen in a row.
	Escalate func(reason string)
}

// Loop drives AgentState through Plan→Do→Verify→Reflect iterations.
type Loop struct {
	cfg LoopConfig

	// lastSnapshot is the metrics snapshot taken at the most recent
	// self-improvement synthesis; the next synthesis reports the
	// effectiveness delta against it.
	lastSnapshot *PerformanceSnapshot
}

// NewLoop creates a Loop from cfg, filling in defaults.
func NewLoop(cfg LoopConfig) *Loop {
	if cfg.ImprovementIntervalTasks <= 0 {
		cfg.ImprovementIntervalTasks = 100
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 10
	}
	if cfg.Backoff == nil {
		cfg.Backoff = defaultBackoff
	}
	return &Loop{cfg: cfg}
}

func defaultBackoff(attempt int) time.Duration {
	d := time.Duration(1<<uint(min(attempt, 10))) * time.Second
	if d > 60*time.Second {
		d = 60 * time.Second
	}
	return d
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Run iterates Step until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := l.Step(ctx); err != nil {
			return err
		}
	}
}

// Step executes exactly one Plan→Do→Verify→Reflect iteration.
func (l *Loop) Step(ctx context.Context) error {
	task := l.plan(ctx)

	result, firstTryVerified, stepErr := l.do(ctx, task)

	l.reflect(ctx, task, result, firstTryVerified, stepErr)

	l.cfg.State.mu.Lock()
	l.cfg.State.IterationCount++
	l.cfg.State.Metrics.TotalIterations++
	iter := l.cfg.State.IterationCount
	l.cfg.State.mu.Unlock()

	if iter%10 == 0 && l.cfg.Checkpoints != nil {
		if _, err := l.cfg.Checkpoints.Checkpoint(checkpoint.LevelSession, l.snapshotState()); err != nil {
			slog.Warn("session checkpoint request failed", "error", err)
		}
	}
	if iter%100 == 0 {
		slog.Info("execution loop maintenance",
			"iteration", iter,
			"success_rate", l.cfg.State.Metrics.SuccessRate(),
			"pending", l.cfg.State.PendingCount(),
		)
	}

	if l.cfg.Governor != nil && l.cfg.Governor.Pressure() == resources.PressureCritical {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(30 * time.Second):
		}
	}
	return nil
}

// plan implements Phase Plan: select the next task, synthesizing a
// self-improvement task when the queue is empty or the improvement
// interval is due.
func (l *Loop) plan(ctx context.Context) *tasks.Task {
	if ShouldSelfImprove(l.cfg.State.Iteration(), l.cfg.ImprovementIntervalTasks) {
		return l.synthesizeImprovementTask(ctx)
	}
	if t := l.cfg.State.NextTask(); t != nil {
		return t
	}
	return l.synthesizeImprovementTask(ctx)
}

// do implements Phase Do: acquire a governor slot, run the Executor,
// retrying recoverable failures up to Task.MaxRetries with exponential
// backoff.
func (l *Loop) do(ctx context.Context, task *tasks.Task) (*tasks.TaskResult, bool, error) {
	req := &resources.Request{
		ID:              task.ID,
		Priority:        task.Priority,
		Deadline:        task.Deadline,
		EstimatedTokens: 0,
		SubmittedAt:     time.Now(),
	}

	// The request goes through the governor's priority queue before a slot
	// is reserved: Enqueue enforces the queued-tasks quota, Next applies
	// deadline-expiry-first ordering. The loop is this queue's only
	// in-process producer, so the popped request is the one just enqueued.
	var lease *resources.Lease
	if l.cfg.Governor != nil {
		if err := l.cfg.Governor.Enqueue(req); err != nil {
			return nil, false, l.quotaBackoff(ctx, err)
		}
		next := l.cfg.Governor.Next()
		if next == nil {
			next = req
		}
		var err error
		lease, err = l.cfg.Governor.Acquire(next)
		if err != nil {
			return nil, false, l.quotaBackoff(ctx, err)
		}
		defer l.cfg.Governor.Release(next.ID)
	}

	var lastErr error
	attempt := 0
	for {
		result, err := l.cfg.Executor.Execute(ctx, task)
		if err == nil {
			return result, attempt == 0, nil
		}
		lastErr = err

		class := errs.Classify(err)
		if !class.Recoverable || attempt >= task.MaxRetries {
			break
		}
		attempt++

		wait := l.cfg.Backoff(attempt)
		if lease != nil {
			select {
			case <-lease.PreemptCh:
				return nil, false, fmt.Errorf("pdvr: preempted: %w", lastErr)
			case <-ctx.Done():
				return nil, false, ctx.Err()
			case <-time.After(wait):
			}
		} else {
			select {
			case <-ctx.Done():
				return nil, false, ctx.Err()
			case <-time.After(wait):
			}
		}
	}
	return &tasks.TaskResult{Error: lastErr.Error()}, false, lastErr
}

// quotaBackoff sleeps for the failure-count-driven backoff after a quota
// refusal; the Reflect phase re-queues the task at the front.
func (l *Loop) quotaBackoff(ctx context.Context, err error) error {
	l.cfg.State.mu.RLock()
	consecutive := l.cfg.State.ConsecutiveFailures
	l.cfg.State.mu.RUnlock()
	select {
	case <-ctx.Done():
	case <-time.After(l.cfg.Backoff(consecutive)):
	}
	return fmt.Errorf("pdvr: acquire governor slot: %w", err)
}

// reflect implements Phase Verify + Phase Reflect: record the outcome,
// update consecutive-failure tracking, escalate on sustained recoverable
// failure, and persist an episodic record for the learner.
func (l *Loop) reflect(ctx context.Context, task *tasks.Task, result *tasks.TaskResult, firstTryVerified bool, stepErr error) {
	if stepErr != nil {
		class := errs.Classify(stepErr)
		if class.Recoverable {
			l.cfg.State.Requeue(task)
			l.cfg.State.mu.Lock()
			l.cfg.State.ConsecutiveFailures++
			consecutive := l.cfg.State.ConsecutiveFailures
			l.cfg.State.mu.Unlock()

			if consecutive >= l.cfg.MaxConsecutiveFailures && l.cfg.Escalate != nil {
				l.cfg.Escalate(fmt.Sprintf("%d consecutive recoverable failures", consecutive))
			}
			return
		}
		l.cfg.State.mu.Lock()
		l.cfg.State.ConsecutiveFailures = 0
		l.cfg.State.mu.Unlock()
	}

	if result == nil {
		return
	}

	outcome := episodic.OutcomeSuccess
	if result.Error != "" {
		outcome = episodic.OutcomeFailure
	}

	l.cfg.State.RecordCompletion(CompletedTask{
		Task:        task,
		Result:      result,
		CompletedAt: time.Now(),
	}, firstTryVerified)

	if l.cfg.Bus != nil {
		l.cfg.Bus.Publish(events.NewTypedEvent(events.SourceLoop, events.TaskStatusPayload{
			TaskID: task.ID,
			Title:  task.Title,
			Status: string(task.Status),
			Error:  result.Error,
		}))
	}

	if l.cfg.Episodic != nil {
		_ = l.cfg.Episodic.Record(ctx, episodic.PromptRecord{
			Prompt:    task.Description,
			Context:   task.Title,
			Outcome:   outcome,
			Quality:   qualityFor(outcome),
			Tokens:    result.TokenUsage.Input + result.TokenUsage.Output,
			Timestamp: time.Now(),
		})

		if hint := topToolHint(ctx, l.cfg.Episodic, 200); hint != "" {
			l.cfg.State.PushContextHistory(hint)
			if l.cfg.Window != nil {
				l.cfg.Window.AddMessage(schema.System, hint)
			}
		}
	}

	if l.cfg.Window != nil {
		lesson := fmt.Sprintf("task %q finished: outcome=%s first_try=%t", task.Title, outcome, firstTryVerified)
		l.cfg.Window.AddMessage(schema.Assistant, lesson)
		if err := l.cfg.Window.CompressIfNeeded(ctx); err != nil {
			slog.Warn("context compression failed", "error", err)
		}
	}
}

func qualityFor(o episodic.Outcome) float64 {
	switch o {
	case episodic.OutcomeSuccess:
		return 1.0
	case episodic.OutcomePartial:
		return 0.5
	default:
		return 0.0
	}
}

// synthesizeImprovementTask produces a Background-priority task whose
// description summarizes recent metrics and top-ranked tools.
func (l *Loop) synthesizeImprovementTask(ctx context.Context) *tasks.Task {
	snap := l.cfg.State.Metrics.Snapshot()
	if l.lastSnapshot != nil {
		delta := EffectivenessDelta(*l.lastSnapshot, snap)
		slog.Info("effectiveness delta since last synthesis", "delta", delta, "improved", delta > 0)
	}
	l.lastSnapshot = &snap

	desc := fmt.Sprintf("Review recent performance: success_rate=%.2f avg_iterations=%.1f",
		snap.SuccessRate, snap.AvgIterations)

	if l.cfg.Episodic != nil {
		stats, err := l.cfg.Episodic.ToolSuccessRates(ctx, 200)
		if err == nil && len(stats) > 0 {
			desc += fmt.Sprintf("; top tool %q success_rate=%.2f", stats[0].Context, stats[0].SuccessRate)
		}
	}

	if l.cfg.Engine != nil {
		prompt := "Given these agent performance metrics, write one sentence describing " +
			"what the agent should practice or adjust next: " + desc
		msgs := []*schema.Message{{Role: schema.User, Content: prompt}}
		if l.cfg.Window != nil {
			l.cfg.Window.AddMessage(schema.User, prompt)
			if err := l.cfg.Window.CompressIfNeeded(ctx); err == nil {
				msgs = l.cfg.Window.BuildPrompt()
			}
		}
		out, err := l.cfg.Engine.Generate(ctx, msgs, llmadapter.SamplingParams{MaxTokens: 200})
		if err != nil {
			slog.Warn("self-improvement synthesis via engine failed, using templated description", "error", err)
		} else if out.Content != "" {
			desc = out.Content
		}
	}

	return &tasks.Task{
		ID:          tasks.GenerateTaskID(),
		Title:       "self-improvement",
		Description: desc,
		Status:      tasks.TaskPending,
		Priority:    tasks.PriorityBackground,
		CreatedAt:   time.Now(),
		MaxRetries:  0,
	}
}

// snapshotState serializes the full recoverable AgentState for a
// checkpoint write; AgentState.Restore reverses it after recovery.
func (l *Loop) snapshotState() []byte {
	blob, err := l.cfg.State.Serialize()
	if err != nil {
		slog.Error("agent state serialization failed", "error", err)
		return []byte("{}")
	}
	return blob
}
