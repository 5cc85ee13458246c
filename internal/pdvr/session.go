package pdvr

import (
	"time"

	"github.com/google/uuid"
)

// SessionInfo identifies one autonomous run of the execution loop. It is
// created at startup (or restored from a checkpoint) and lives until
// shutdown.
type SessionInfo struct {
	ID          string    `json:"id"`
	StartedAt   time.Time `json:"started_at"`
	CurrentGoal string    `json:"current_goal,omitempty"`
}

// NewSessionInfo mints a fresh session.
func NewSessionInfo(goal string) SessionInfo {
	return SessionInfo{
		ID:          uuid.NewString(),
		StartedAt:   time.Now(),
		CurrentGoal: goal,
	}
}
