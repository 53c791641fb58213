package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/potentialgenie/teamflow/internal/domain"
	"github.com/potentialgenie/teamflow/internal/domain/task"
)

const taskCols = `id, workspace_id, goal_id, agent_id, name, description, status, priority,
	metric_type, contribution_expected, requires_tools, is_corrective, result, error_message,
	progress_applied, version, created_at, updated_at`

func scanTask(row scannable) (task.Task, error) {
	var t task.Task
	var goalID, agentID *string
	var resultJSON []byte
	err := row.Scan(&t.ID, &t.WorkspaceID, &goalID, &agentID, &t.Name, &t.Description,
		&t.Status, &t.Priority, &t.MetricType, &t.ContributionExpected, &t.RequiresTools,
		&t.IsCorrective, &resultJSON, &t.ErrorMessage, &t.ProgressApplied,
		&t.Version, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return t, err
	}
	if goalID != nil {
		t.GoalID = *goalID
	}
	if agentID != nil {
		t.AgentID = *agentID
	}
	if len(resultJSON) > 0 {
		var r task.Result
		if err := json.Unmarshal(resultJSON, &r); err != nil {
			return t, fmt.Errorf("unmarshal task result: %w", err)
		}
		t.Result = &r
	}
	return t, nil
}

func (s *Store) ListTasks(ctx context.Context, workspaceID string) ([]task.Task, error) {
	return s.listTasks(ctx,
		`SELECT `+taskCols+` FROM tasks WHERE workspace_id = $1 ORDER BY priority DESC, created_at`,
		workspaceID)
}

func (s *Store) ListTasksByGoal(ctx context.Context, goalID string) ([]task.Task, error) {
	return s.listTasks(ctx,
		`SELECT `+taskCols+` FROM tasks WHERE goal_id = $1 ORDER BY created_at`,
		goalID)
}

func (s *Store) ListStuckTasks(ctx context.Context, updatedBefore time.Time) ([]task.Task, error) {
	return s.listTasks(ctx,
		`SELECT `+taskCols+` FROM tasks WHERE status = 'in_progress' AND updated_at < $1 ORDER BY updated_at`,
		updatedBefore)
}

func (s *Store) listTasks(ctx context.Context, query string, args ...any) ([]task.Task, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskCols+` FROM tasks WHERE id = $1`, id)

	t, err := scanTask(row)
	if err != nil {
		return nil, notFoundWrap(err, "get task %s", id)
	}
	return &t, nil
}

func (s *Store) CreateTask(ctx context.Context, req task.CreateRequest) (*task.Task, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO tasks (workspace_id, goal_id, agent_id, name, description, priority, metric_type, contribution_expected, requires_tools, is_corrective)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING `+taskCols,
		req.WorkspaceID, nullIfEmpty(req.GoalID), nullIfEmpty(req.AgentID), req.Name, req.Description,
		req.Priority, req.MetricType, req.ContributionExpected, req.RequiresTools, req.IsCorrective)

	t, err := scanTask(row)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return &t, nil
}

func (s *Store) UpdateTaskStatus(ctx context.Context, id string, status task.Status) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	return execExpectOne(tag, err, "update task %s status", id)
}

func (s *Store) UpdateTaskResult(ctx context.Context, id string, status task.Status, result *task.Result, errorMessage string) error {
	var resultJSON []byte
	if result != nil {
		var err error
		resultJSON, err = json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal task result: %w", err)
		}
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = $2, result = $3, error_message = $4, updated_at = now() WHERE id = $1`,
		id, status, resultJSON, errorMessage)
	return execExpectOne(tag, err, "update task %s result", id)
}

// MarkTaskProgressApplied flips progress_applied from false to true. A second
// call for the same task finds no matching row and reports ErrConflict, which
// is how redelivered completion events are deduplicated.
func (s *Store) MarkTaskProgressApplied(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET progress_applied = TRUE, updated_at = now()
		 WHERE id = $1 AND progress_applied = FALSE`, id)
	if err != nil {
		return fmt.Errorf("mark task %s progress applied: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark task %s progress applied: %w", id, domain.ErrConflict)
	}
	return nil
}

// UnmarkTaskProgressApplied releases the claim when goal application failed
// after the flip, so the contribution is retried on redelivery instead of
// being dropped.
func (s *Store) UnmarkTaskProgressApplied(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET progress_applied = FALSE, updated_at = now()
		 WHERE id = $1 AND progress_applied = TRUE`, id)
	return execExpectOne(tag, err, "unmark task %s progress applied", id)
}

// ClaimNextTask claims the highest-priority oldest pending task for the
// workspace. FOR UPDATE SKIP LOCKED keeps concurrent scheduler passes from
// claiming the same row.
func (s *Store) ClaimNextTask(ctx context.Context, workspaceID string, correctiveOnly bool) (*task.Task, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE tasks SET status = 'in_progress', updated_at = now()
		 WHERE id = (
		   SELECT id FROM tasks
		   WHERE workspace_id = $1 AND status = 'pending' AND ($2 = FALSE OR is_corrective)
		   ORDER BY priority DESC, created_at
		   FOR UPDATE SKIP LOCKED
		   LIMIT 1
		 )
		 RETURNING `+taskCols, workspaceID, correctiveOnly)

	t, err := scanTask(row)
	if err != nil {
		return nil, notFoundWrap(err, "claim next task for workspace %s", workspaceID)
	}
	return &t, nil
}

func (s *Store) CountRecentTasks(ctx context.Context, workspaceID string, since time.Time, corrective bool) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM tasks WHERE workspace_id = $1 AND is_corrective = $2 AND created_at >= $3`,
		workspaceID, corrective, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count recent tasks: %w", err)
	}
	return count, nil
}
