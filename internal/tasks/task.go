// Package tasks provides the persistent task model for the execution loop.
package tasks

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
	TaskSuspended TaskStatus = "suspended"
)

// TaskPriority represents the execution priority of a task, ranked
// Critical (runs first) through Background (runs last).
type TaskPriority string

const (
	PriorityCritical   TaskPriority = "critical"
	PriorityHigh       TaskPriority = "high"
	PriorityNormal     TaskPriority = "normal"
	PriorityLow        TaskPriority = "low"
	PriorityBackground TaskPriority = "background"
)

// Rank returns the priority's numeric rank: Critical=0 … Background=4,
// lower rank runs first. Unknown priorities rank as Normal.
func (p TaskPriority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	case PriorityBackground:
		return 4
	default:
		return 2
	}
}

// TaskProgress tracks step-level progress within a task.
type TaskProgress struct {
	CurrentStep      int    `json:"current_step"`
	TotalSteps       int    `json:"total_steps"`
	CurrentStepLabel string `json:"current_step_label,omitempty"`
	Percentage       int    `json:"percentage"`
}

// TaskPlanStep is a single step in a task plan.
type TaskPlanStep struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      TaskStatus `json:"status"`
}

// TaskPlan is the decomposed execution plan for a task.
type TaskPlan struct {
	Steps []TaskPlanStep `json:"steps"`
}

// TokenUsage accounts prompt and completion tokens for one task.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// TaskResult holds the outcome of a completed task.
type TaskResult struct {
	Output       string     `json:"output,omitempty"`
	OutputPath   string     `json:"output_path,omitempty"`
	Error        string     `json:"error,omitempty"`
	TokenUsage   TokenUsage `json:"token_usage"`
	DurationMS   int64      `json:"duration_ms,omitempty"`
	CheckpointID string     `json:"checkpoint_id,omitempty"`
}

// Task represents one unit of work for the execution loop. A task is
// immutable once queued; lifecycle fields (Status, Result, timestamps) are
// written only by the loop that owns it.
type Task struct {
	ID          string       `json:"id"`
	SessionID   string       `json:"session_id,omitempty"`
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Kind        string       `json:"kind,omitempty"`
	Status      TaskStatus   `json:"status"`
	Priority    TaskPriority `json:"priority"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	StartedAt   *time.Time   `json:"started_at,omitempty"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	Deadline    *time.Time   `json:"deadline,omitempty"`

	Input json.RawMessage `json:"input,omitempty"`

	Progress TaskProgress `json:"progress"`
	Plan     *TaskPlan    `json:"plan,omitempty"`
	Result   *TaskResult  `json:"result,omitempty"`
	Tags     []string     `json:"tags,omitempty"`

	SuspendedAt            *time.Time `json:"suspended_at,omitempty"`
	SuspendCount           int        `json:"suspend_count"`
	RetryCount             int        `json:"retry_count"`
	MaxRetries             int        `json:"max_retries"`
	CheckpointOnCompletion bool       `json:"checkpoint_on_completion,omitempty"`
	WaitingForReply        bool       `json:"waiting_for_reply,omitempty"`
}

// MailboxMessage represents a message in a task's mailbox; preempted work
// is returned to its submitter this way for re-submission.
type MailboxMessage struct {
	ID        string    `json:"id"`
	Ts        time.Time `json:"ts"`
	Type      string    `json:"type"` // "request" | "response" | "preempted"
	Token     string    `json:"token"`
	Content   string    `json:"content"`
	Status    string    `json:"status,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
}

// Checkpoint records a point-in-time snapshot of task progress.
type Checkpoint struct {
	Ts      time.Time `json:"ts"`
	StepID  string    `json:"step_id,omitempty"`
	Type    string    `json:"type"`
	Summary string    `json:"summary"`
}

// GenerateTaskID creates a unique task identifier.
func GenerateTaskID() string {
	u := uuid.New().String()
	return "task_" + strings.ReplaceAll(u[:8], "-", "")
}
