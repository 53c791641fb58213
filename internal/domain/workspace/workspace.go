// Package workspace defines the Workspace domain entity.
package workspace

import "time"

// Status represents the current state of a workspace.
type Status string

const (
	StatusActive            Status = "active"
	StatusPaused            Status = "paused"
	StatusNeedsIntervention Status = "needs_intervention"
	StatusCompleted         Status = "completed"
)

// Workspace is the top-level container: one free-text objective, the goals
// extracted from it, and the agent team working toward them.
type Workspace struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	GoalText    string    `json:"goal_text"`
	Status      Status    `json:"status"`
	HumanReview bool      `json:"human_review"` // completed tasks require approval before counting
	Version     int       `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CreateRequest holds the fields needed to create a new workspace.
type CreateRequest struct {
	Name        string `json:"name"`
	GoalText    string `json:"goal_text"`
	HumanReview bool   `json:"human_review"`
}
