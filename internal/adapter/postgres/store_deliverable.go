package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/potentialgenie/teamflow/internal/domain/deliverable"
)

const deliverableCols = `id, workspace_id, goal_id, title, asset_type, content, status,
	business_value_score, readiness_score, quality_metrics, version, created_at, updated_at`

func scanDeliverable(row scannable) (deliverable.Deliverable, error) {
	var d deliverable.Deliverable
	var goalID *string
	var metricsJSON []byte
	err := row.Scan(&d.ID, &d.WorkspaceID, &goalID, &d.Title, &d.AssetType, &d.Content,
		&d.Status, &d.BusinessValueScore, &d.ReadinessScore, &metricsJSON,
		&d.Version, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return d, err
	}
	if goalID != nil {
		d.GoalID = *goalID
	}
	if len(metricsJSON) > 0 {
		if err := json.Unmarshal(metricsJSON, &d.QualityMetrics); err != nil {
			return d, fmt.Errorf("unmarshal deliverable quality metrics: %w", err)
		}
	}
	return d, nil
}

func (s *Store) ListDeliverables(ctx context.Context, workspaceID string) ([]deliverable.Deliverable, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+deliverableCols+` FROM deliverables WHERE workspace_id = $1 ORDER BY created_at`,
		workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list deliverables: %w", err)
	}
	defer rows.Close()

	var out []deliverable.Deliverable
	for rows.Next() {
		d, err := scanDeliverable(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpsertDeliverable inserts or, on a (workspace_id, goal_id, title) collision,
// updates the existing row. The unique index makes concurrent synthesis of the
// same deliverable converge on one row.
func (s *Store) UpsertDeliverable(ctx context.Context, d *deliverable.Deliverable) error {
	metricsJSON, err := json.Marshal(d.QualityMetrics)
	if err != nil {
		return fmt.Errorf("marshal deliverable quality metrics: %w", err)
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO deliverables (workspace_id, goal_id, title, asset_type, content, status, business_value_score, readiness_score, quality_metrics)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (workspace_id, (COALESCE(goal_id, '00000000-0000-0000-0000-000000000000'::uuid)), title)
		 DO UPDATE SET
		   asset_type = EXCLUDED.asset_type,
		   content = EXCLUDED.content,
		   status = EXCLUDED.status,
		   business_value_score = EXCLUDED.business_value_score,
		   readiness_score = EXCLUDED.readiness_score,
		   quality_metrics = EXCLUDED.quality_metrics,
		   version = deliverables.version + 1,
		   updated_at = now()
		 RETURNING id, version, created_at, updated_at`,
		d.WorkspaceID, nullIfEmpty(d.GoalID), d.Title, d.AssetType, d.Content,
		d.Status, d.BusinessValueScore, d.ReadinessScore, metricsJSON)

	if err := row.Scan(&d.ID, &d.Version, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return fmt.Errorf("upsert deliverable %q: %w", d.Title, err)
	}
	return nil
}
