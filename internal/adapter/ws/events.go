package ws

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Event type constants for WebSocket messages.
const (
	EventTaskStatus       = "task.status"
	EventGoalProgress     = "goal.progress"
	EventGoalCompleted    = "goal.completed"
	EventDeliverableReady = "deliverable.ready"
	EventWorkspaceStatus  = "workspace.status"
)

// TaskStatusEvent is broadcast when a task's status changes.
type TaskStatusEvent struct {
	TaskID      string `json:"task_id"`
	WorkspaceID string `json:"workspace_id"`
	Status      string `json:"status"`
	AgentID     string `json:"agent_id,omitempty"`
}

// GoalProgressEvent is broadcast when a goal's current value advances.
type GoalProgressEvent struct {
	GoalID       string  `json:"goal_id"`
	WorkspaceID  string  `json:"workspace_id"`
	CurrentValue float64 `json:"current_value"`
	TargetValue  float64 `json:"target_value"`
	Status       string  `json:"status"`
}

// DeliverableReadyEvent is broadcast when a deliverable is synthesized.
type DeliverableReadyEvent struct {
	DeliverableID  string  `json:"deliverable_id"`
	WorkspaceID    string  `json:"workspace_id"`
	Title          string  `json:"title"`
	AssetType      string  `json:"asset_type"`
	ReadinessScore float64 `json:"readiness_score"`
}

// WorkspaceStatusEvent is broadcast when a workspace transitions state, for
// example into needs_intervention when a goal extraction wants confirmation.
type WorkspaceStatusEvent struct {
	WorkspaceID string `json:"workspace_id"`
	Status      string `json:"status"`
}

// BroadcastEvent is a convenience method that marshals a typed event and broadcasts it.
func (h *Hub) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}

	h.Broadcast(ctx, Message{
		Type:    eventType,
		Payload: json.RawMessage(data),
	})
}
