// Package database defines the database store port (interface).
package database

import (
	"context"
	"time"

	"github.com/potentialgenie/teamflow/internal/domain/agent"
	"github.com/potentialgenie/teamflow/internal/domain/deliverable"
	"github.com/potentialgenie/teamflow/internal/domain/goal"
	"github.com/potentialgenie/teamflow/internal/domain/task"
	"github.com/potentialgenie/teamflow/internal/domain/workspace"
)

// Store is the port interface for database operations.
type Store interface {
	// Workspaces
	ListWorkspaces(ctx context.Context) ([]workspace.Workspace, error)
	GetWorkspace(ctx context.Context, id string) (*workspace.Workspace, error)
	CreateWorkspace(ctx context.Context, req workspace.CreateRequest) (*workspace.Workspace, error)
	UpdateWorkspaceStatus(ctx context.Context, id string, status workspace.Status) error

	// Goals
	ListGoals(ctx context.Context, workspaceID string) ([]goal.Goal, error)
	ListActiveGoals(ctx context.Context, workspaceID string) ([]goal.Goal, error)
	GetGoal(ctx context.Context, id string) (*goal.Goal, error)
	CreateGoal(ctx context.Context, g *goal.Goal) error
	// UpdateGoalProgress persists current_value and status under optimistic
	// concurrency: it fails with domain.ErrConflict when the row's version no
	// longer matches g.Version, and increments g.Version on success.
	UpdateGoalProgress(ctx context.Context, g *goal.Goal) error

	// Agents
	ListAgents(ctx context.Context, workspaceID string) ([]agent.Agent, error)
	GetAgent(ctx context.Context, id string) (*agent.Agent, error)
	CreateAgent(ctx context.Context, a *agent.Agent) error
	UpdateAgentStatus(ctx context.Context, id string, status agent.Status) error

	// Tasks
	ListTasks(ctx context.Context, workspaceID string) ([]task.Task, error)
	ListTasksByGoal(ctx context.Context, goalID string) ([]task.Task, error)
	GetTask(ctx context.Context, id string) (*task.Task, error)
	CreateTask(ctx context.Context, req task.CreateRequest) (*task.Task, error)
	UpdateTaskStatus(ctx context.Context, id string, status task.Status) error
	UpdateTaskResult(ctx context.Context, id string, status task.Status, result *task.Result, errorMessage string) error
	// MarkTaskProgressApplied flips the progress_applied flag; it returns
	// domain.ErrConflict when the flag was already set, which is how the
	// progress updater guarantees exactly-once application per task.
	MarkTaskProgressApplied(ctx context.Context, id string) error
	// UnmarkTaskProgressApplied releases a claimed progress_applied flag after
	// a failed application, so a redelivered completion event can retry
	// instead of short-circuiting on the stale claim.
	UnmarkTaskProgressApplied(ctx context.Context, id string) error
	// ClaimNextTask atomically claims the highest-priority oldest pending task
	// for the workspace and transitions it to in_progress. With correctiveOnly
	// set, only corrective tasks qualify (paused workspaces still run their
	// recovery path). Returns domain.ErrNotFound when no task is pending.
	ClaimNextTask(ctx context.Context, workspaceID string, correctiveOnly bool) (*task.Task, error)
	// CountRecentTasks counts tasks created within the window, split by the
	// corrective flag, for anti-loop capacity checks.
	CountRecentTasks(ctx context.Context, workspaceID string, since time.Time, corrective bool) (int, error)
	// ListStuckTasks returns in_progress tasks not updated since the deadline.
	ListStuckTasks(ctx context.Context, updatedBefore time.Time) ([]task.Task, error)

	// Deliverables
	ListDeliverables(ctx context.Context, workspaceID string) ([]deliverable.Deliverable, error)
	// UpsertDeliverable inserts the deliverable or, when the unique
	// (workspace_id, goal_id, title) triple already exists, updates the
	// existing row in place. Two concurrent calls never produce two rows.
	UpsertDeliverable(ctx context.Context, d *deliverable.Deliverable) error
}
