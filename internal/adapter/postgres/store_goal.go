package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/potentialgenie/teamflow/internal/domain"
	"github.com/potentialgenie/teamflow/internal/domain/goal"
)

const goalCols = `id, workspace_id, metric_type, target_value, current_value, unit, description,
	status, priority, confidence, semantic_context, version, created_at, updated_at`

func scanGoal(row scannable) (goal.Goal, error) {
	var g goal.Goal
	var ctxJSON []byte
	err := row.Scan(&g.ID, &g.WorkspaceID, &g.MetricType, &g.TargetValue, &g.CurrentValue,
		&g.Unit, &g.Description, &g.Status, &g.Priority, &g.Confidence, &ctxJSON,
		&g.Version, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return g, err
	}
	if len(ctxJSON) > 0 {
		if err := json.Unmarshal(ctxJSON, &g.SemanticContext); err != nil {
			return g, fmt.Errorf("unmarshal semantic context: %w", err)
		}
	}
	return g, nil
}

func (s *Store) ListGoals(ctx context.Context, workspaceID string) ([]goal.Goal, error) {
	return s.listGoals(ctx,
		`SELECT `+goalCols+` FROM goals WHERE workspace_id = $1 ORDER BY priority DESC, created_at`,
		workspaceID)
}

func (s *Store) ListActiveGoals(ctx context.Context, workspaceID string) ([]goal.Goal, error) {
	return s.listGoals(ctx,
		`SELECT `+goalCols+` FROM goals WHERE workspace_id = $1 AND status = 'active' ORDER BY priority DESC, created_at`,
		workspaceID)
}

func (s *Store) listGoals(ctx context.Context, query string, args ...any) ([]goal.Goal, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list goals: %w", err)
	}
	defer rows.Close()

	var goals []goal.Goal
	for rows.Next() {
		g, err := scanGoal(rows)
		if err != nil {
			return nil, err
		}
		goals = append(goals, g)
	}
	return goals, rows.Err()
}

func (s *Store) GetGoal(ctx context.Context, id string) (*goal.Goal, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+goalCols+` FROM goals WHERE id = $1`, id)

	g, err := scanGoal(row)
	if err != nil {
		return nil, notFoundWrap(err, "get goal %s", id)
	}
	return &g, nil
}

func (s *Store) CreateGoal(ctx context.Context, g *goal.Goal) error {
	ctxJSON, err := json.Marshal(g.SemanticContext)
	if err != nil {
		return fmt.Errorf("marshal semantic context: %w", err)
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO goals (workspace_id, metric_type, target_value, current_value, unit, description, status, priority, confidence, semantic_context)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING id, version, created_at, updated_at`,
		g.WorkspaceID, g.MetricType, g.TargetValue, g.CurrentValue, g.Unit, g.Description,
		g.Status, g.Priority, g.Confidence, ctxJSON)

	if err := row.Scan(&g.ID, &g.Version, &g.CreatedAt, &g.UpdatedAt); err != nil {
		return fmt.Errorf("create goal: %w", err)
	}
	return nil
}

// UpdateGoalProgress persists current_value and status under optimistic
// concurrency. Two tasks completing near-simultaneously race on the version
// check; the loser gets domain.ErrConflict and the caller reloads and retries.
func (s *Store) UpdateGoalProgress(ctx context.Context, g *goal.Goal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE goals SET current_value = $2, status = $3, version = version + 1, updated_at = now()
		 WHERE id = $1 AND version = $4`,
		g.ID, g.CurrentValue, g.Status, g.Version)
	if err != nil {
		return fmt.Errorf("update goal %s progress: %w", g.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update goal %s progress: %w", g.ID, domain.ErrConflict)
	}
	g.Version++
	return nil
}
