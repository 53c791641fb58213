// Package task defines the Task domain entity and the canonical Result type.
package task

import "time"

// Status represents the current state of a task.
type Status string

const (
	StatusPending             Status = "pending"
	StatusInProgress          Status = "in_progress"
	StatusCompleted           Status = "completed"
	StatusFailed              Status = "failed"
	StatusPendingVerification Status = "pending_verification"
)

// IsTerminal reports whether the status is a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Task represents a unit of work assigned to an agent, optionally tied to a
// goal. GoalID empty means "not goal-driven" (corrective/system task).
type Task struct {
	ID                   string    `json:"id"`
	WorkspaceID          string    `json:"workspace_id"`
	GoalID               string    `json:"goal_id,omitempty"`
	AgentID              string    `json:"agent_id,omitempty"`
	Name                 string    `json:"name"`
	Description          string    `json:"description"`
	Status               Status    `json:"status"`
	Priority             int       `json:"priority"`
	MetricType           string    `json:"metric_type,omitempty"` // denormalized from the goal
	ContributionExpected float64   `json:"contribution_expected"`
	RequiresTools        bool      `json:"requires_tools"` // data gathering vs pure generation
	IsCorrective         bool      `json:"is_corrective"`
	Result               *Result   `json:"result,omitempty"`
	ErrorMessage         string    `json:"error_message,omitempty"`
	ProgressApplied      bool      `json:"progress_applied"` // progress counted exactly once
	Version              int       `json:"version"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// CreateRequest holds the fields needed to create a new task.
type CreateRequest struct {
	WorkspaceID          string  `json:"workspace_id"`
	GoalID               string  `json:"goal_id,omitempty"`
	AgentID              string  `json:"agent_id,omitempty"`
	Name                 string  `json:"name"`
	Description          string  `json:"description"`
	Priority             int     `json:"priority"`
	MetricType           string  `json:"metric_type,omitempty"`
	ContributionExpected float64 `json:"contribution_expected"`
	RequiresTools        bool    `json:"requires_tools"`
	IsCorrective         bool    `json:"is_corrective"`
}
