// Package event defines the typed pipeline events exchanged over the queue.
package event

import (
	"encoding/json"
	"time"
)

// Type identifies the kind of pipeline event.
type Type string

const (
	TypeTaskCompleted    Type = "pipeline.task.completed"
	TypeQualityValidated Type = "pipeline.quality.validated"
	TypeDeliverableReady Type = "pipeline.deliverable.ready"
	TypeGoalProgressed   Type = "pipeline.goal.progressed"
	TypeGoalCompleted    Type = "pipeline.goal.completed"
)

// PipelineEvent is a fire-and-forget message decoupling the quality gate from
// its downstream consumers. Delivery is at-least-once; consumers must be
// idempotent. Ordering across different target components is not guaranteed.
type PipelineEvent struct {
	ID              string          `json:"id"`
	Type            Type            `json:"event_type"`
	SourceComponent string          `json:"source_component"`
	TargetComponent string          `json:"target_component,omitempty"`
	WorkspaceID     string          `json:"workspace_id"`
	GoalID          string          `json:"goal_id,omitempty"`
	TaskID          string          `json:"task_id,omitempty"`
	Data            json.RawMessage `json:"event_data,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// QualityValidatedData is the payload of a quality.validated event.
type QualityValidatedData struct {
	Passes bool    `json:"passes_quality_gate"`
	Score  float64 `json:"score"`
}
