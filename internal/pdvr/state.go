package pdvr

import (
	"sync"
	"time"

	"github.com/dohr-michael/ozzie/internal/tasks"
)

// CompletedTask pairs a finished Task with its TaskResult.
type CompletedTask struct {
	Task        *tasks.Task
	Result      *tasks.TaskResult
	CompletedAt time.Time
}

// Metrics accumulates the performance signals the self-improvement
// synthesizer and maintenance pass read.
type Metrics struct {
	SuccessCount        int
	FailureCount        int
	FirstTryVerified    int // Verify passed without a retry
	TotalIterations     int
	TotalTokens         int
	RecoveredFromErrors int
}

// SuccessRate returns successes / total completed tasks, or 0 with none.
func (m Metrics) SuccessRate() float64 {
	total := m.SuccessCount + m.FailureCount
	if total == 0 {
		return 0
	}
	return float64(m.SuccessCount) / float64(total)
}

// VerificationRate returns the fraction of completions that passed Verify
// on the first try.
func (m Metrics) VerificationRate() float64 {
	total := m.SuccessCount + m.FailureCount
	if total == 0 {
		return 0
	}
	return float64(m.FirstTryVerified) / float64(total)
}

// AvgIterationsPerTask returns total loop iterations divided by completed
// tasks.
func (m Metrics) AvgIterationsPerTask() float64 {
	total := m.SuccessCount + m.FailureCount
	if total == 0 {
		return 0
	}
	return float64(m.TotalIterations) / float64(total)
}

// DefaultCompletedTasksCap and DefaultContextHistoryCap bound AgentState's
// two histories; compaction drops the oldest entries past each cap.
const (
	DefaultCompletedTasksCap = 1000
	DefaultContextHistoryCap = 10000
)

// AgentState is the single piece of mutable state the execution loop owns
// exclusively; other components only ever read a snapshot of it.
type AgentState struct {
	mu sync.RWMutex

	IterationCount      int
	ConsecutiveFailures int

	pendingTasks       *TaskQueue
	completedTasks     []CompletedTask
	contextHistory     []string // working-memory lines, e.g. injected tool hints
	completedTasksCap   int
	contextHistoryCap    int

	Metrics Metrics
}

// NewAgentState creates an AgentState with the given compaction caps; a
// cap of 0 uses the package defaults.
func NewAgentState(completedTasksCap, contextHistoryCap int) *AgentState {
	if completedTasksCap <= 0 {
		completedTasksCap = DefaultCompletedTasksCap
	}
	if contextHistoryCap <= 0 {
		contextHistoryCap = DefaultContextHistoryCap
	}
	return &AgentState{
		pendingTasks:      NewTaskQueue(),
		completedTasksCap: completedTasksCap,
		contextHistoryCap: contextHistoryCap,
	}
}

// Enqueue adds a task to pending_tasks.
func (s *AgentState) Enqueue(t *tasks.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingTasks.Push(t)
}

// Requeue re-adds a task at the front of pending_tasks, per the Do-phase
// retry/requeue rule.
func (s *AgentState) Requeue(t *tasks.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingTasks.PushFront(t)
}

// NextTask pops the highest-priority pending task, or nil if none remain.
func (s *AgentState) NextTask() *tasks.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingTasks.Pop()
}

// Iteration reports the current iteration count.
func (s *AgentState) Iteration() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.IterationCount
}

// RestoreIteration sets the iteration counter from a recovered checkpoint.
// The counter never moves backward.
func (s *AgentState) RestoreIteration(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > s.IterationCount {
		s.IterationCount = n
	}
}

// PendingIDs returns the set of task ids currently queued, used to avoid
// double-enqueueing when seeding from a persistent store after recovery.
func (s *AgentState) PendingIDs() map[string]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make(map[string]bool, s.pendingTasks.Len())
	for _, t := range s.pendingTasks.frontSnapshot() {
		ids[t.ID] = true
	}
	for _, t := range s.pendingTasks.heapSnapshot() {
		ids[t.ID] = true
	}
	return ids
}

// PendingCount reports how many tasks are pending.
func (s *AgentState) PendingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pendingTasks.Len()
}

// RecordCompletion appends a CompletedTask and updates Metrics, then
// compacts if the cap is exceeded.
func (s *AgentState) RecordCompletion(ct CompletedTask, firstTryVerified bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.completedTasks = append(s.completedTasks, ct)
	if ct.Result != nil {
		s.Metrics.TotalTokens += ct.Result.TokenUsage.Input + ct.Result.TokenUsage.Output
	}
	if ct.Result != nil && ct.Result.Error == "" {
		s.Metrics.SuccessCount++
		s.ConsecutiveFailures = 0
		if !firstTryVerified {
			s.Metrics.RecoveredFromErrors++
		}
	} else {
		s.Metrics.FailureCount++
	}
	if firstTryVerified {
		s.Metrics.FirstTryVerified++
	}

	s.compactLocked()
}

// PushContextHistory appends a working-memory line (e.g. a tool hint),
// compacting if the cap is exceeded.
func (s *AgentState) PushContextHistory(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contextHistory = append(s.contextHistory, line)
	s.compactLocked()
}

// CompletedTasks returns a copy of the completed task history.
func (s *AgentState) CompletedTasks() []CompletedTask {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]CompletedTask(nil), s.completedTasks...)
}

// compactLocked drops the oldest entries past each cap. Caller must hold
// s.mu for writing.
func (s *AgentState) compactLocked() {
	if len(s.completedTasks) > s.completedTasksCap {
		drop := len(s.completedTasks) - s.completedTasksCap
		s.completedTasks = s.completedTasks[drop:]
	}
	if len(s.contextHistory) > s.contextHistoryCap {
		drop := len(s.contextHistory) - s.contextHistoryCap
		s.contextHistory = s.contextHistory[drop:]
	}
}

// ShouldSelfImprove reports whether the iteration count is a positive
// multiple of interval; iteration 0 never triggers a self-improvement
// task.
func ShouldSelfImprove(iterationCount, interval int) bool {
	return interval > 0 && iterationCount > 0 && iterationCount%interval == 0
}
