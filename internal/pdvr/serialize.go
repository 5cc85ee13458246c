package pdvr

import (
	"encoding/json"
	"fmt"

	"github.com/dohr-michael/ozzie/internal/tasks"
)

// stateSnapshot is the on-disk form of AgentState. Pending tasks are
// stored in two runs so requeued-front tasks keep their position across a
// restart.
type stateSnapshot struct {
	IterationCount      int             `json:"iteration_count"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	FrontTasks          []*tasks.Task   `json:"front_tasks,omitempty"`
	PendingTasks        []*tasks.Task   `json:"pending_tasks,omitempty"`
	CompletedTasks      []CompletedTask `json:"completed_tasks,omitempty"`
	ContextHistory      []string        `json:"context_history,omitempty"`
	Metrics             Metrics         `json:"metrics"`
}

// Serialize renders the full recoverable state as JSON: iteration and
// failure counters, the pending queue (front stack included), the
// completed-task history, the working-memory lines, and the metrics.
func (s *AgentState) Serialize() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := stateSnapshot{
		IterationCount:      s.IterationCount,
		ConsecutiveFailures: s.ConsecutiveFailures,
		FrontTasks:          s.pendingTasks.frontSnapshot(),
		PendingTasks:        s.pendingTasks.heapSnapshot(),
		CompletedTasks:      s.completedTasks,
		ContextHistory:      s.contextHistory,
		Metrics:             s.Metrics,
	}
	blob, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("pdvr: serialize state: %w", err)
	}
	return blob, nil
}

// Restore replaces this state's contents with a snapshot previously
// produced by Serialize. The iteration counter never moves backward.
func (s *AgentState) Restore(blob []byte) error {
	var snap stateSnapshot
	if err := json.Unmarshal(blob, &snap); err != nil {
		return fmt.Errorf("pdvr: restore state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if snap.IterationCount > s.IterationCount {
		s.IterationCount = snap.IterationCount
	}
	s.ConsecutiveFailures = snap.ConsecutiveFailures
	s.completedTasks = snap.CompletedTasks
	s.contextHistory = snap.ContextHistory
	s.Metrics = snap.Metrics

	q := NewTaskQueue()
	for _, t := range snap.PendingTasks {
		q.Push(t)
	}
	// Front tasks were stacked most-recent-last in the snapshot; pushing
	// in order rebuilds the same pop order.
	for _, t := range snap.FrontTasks {
		q.PushFront(t)
	}
	s.pendingTasks = q

	s.compactLocked()
	return nil
}
