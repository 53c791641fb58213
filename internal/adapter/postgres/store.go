package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/potentialgenie/teamflow/internal/domain/agent"
	"github.com/potentialgenie/teamflow/internal/domain/workspace"
)

// Store implements database.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// --- Workspaces ---

const workspaceCols = `id, name, goal_text, status, human_review, version, created_at, updated_at`

func scanWorkspace(row scannable) (workspace.Workspace, error) {
	var w workspace.Workspace
	err := row.Scan(&w.ID, &w.Name, &w.GoalText, &w.Status, &w.HumanReview, &w.Version, &w.CreatedAt, &w.UpdatedAt)
	return w, err
}

func (s *Store) ListWorkspaces(ctx context.Context) ([]workspace.Workspace, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+workspaceCols+` FROM workspaces ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	defer rows.Close()

	var workspaces []workspace.Workspace
	for rows.Next() {
		w, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		workspaces = append(workspaces, w)
	}
	return workspaces, rows.Err()
}

func (s *Store) GetWorkspace(ctx context.Context, id string) (*workspace.Workspace, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+workspaceCols+` FROM workspaces WHERE id = $1`, id)

	w, err := scanWorkspace(row)
	if err != nil {
		return nil, notFoundWrap(err, "get workspace %s", id)
	}
	return &w, nil
}

func (s *Store) CreateWorkspace(ctx context.Context, req workspace.CreateRequest) (*workspace.Workspace, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO workspaces (name, goal_text, human_review)
		 VALUES ($1, $2, $3)
		 RETURNING `+workspaceCols, req.Name, req.GoalText, req.HumanReview)

	w, err := scanWorkspace(row)
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return &w, nil
}

func (s *Store) UpdateWorkspaceStatus(ctx context.Context, id string, status workspace.Status) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE workspaces SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	return execExpectOne(tag, err, "update workspace %s status", id)
}

// --- Agents ---

const agentCols = `id, workspace_id, name, role, seniority, skills, status, version, created_at, updated_at`

func scanAgent(row scannable) (agent.Agent, error) {
	var a agent.Agent
	var skillsJSON []byte
	err := row.Scan(&a.ID, &a.WorkspaceID, &a.Name, &a.Role, &a.Seniority, &skillsJSON, &a.Status, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return a, err
	}
	if len(skillsJSON) > 0 {
		if err := json.Unmarshal(skillsJSON, &a.Skills); err != nil {
			return a, fmt.Errorf("unmarshal agent skills: %w", err)
		}
	}
	return a, nil
}

func (s *Store) ListAgents(ctx context.Context, workspaceID string) ([]agent.Agent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+agentCols+` FROM agents WHERE workspace_id = $1 ORDER BY created_at`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []agent.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *Store) GetAgent(ctx context.Context, id string) (*agent.Agent, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+agentCols+` FROM agents WHERE id = $1`, id)

	a, err := scanAgent(row)
	if err != nil {
		return nil, notFoundWrap(err, "get agent %s", id)
	}
	return &a, nil
}

func (s *Store) CreateAgent(ctx context.Context, a *agent.Agent) error {
	skillsJSON, err := json.Marshal(orEmpty(a.Skills))
	if err != nil {
		return fmt.Errorf("marshal agent skills: %w", err)
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO agents (workspace_id, name, role, seniority, skills, status)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, version, created_at, updated_at`,
		a.WorkspaceID, a.Name, a.Role, a.Seniority, skillsJSON, a.Status)

	if err := row.Scan(&a.ID, &a.Version, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	return nil
}

func (s *Store) UpdateAgentStatus(ctx context.Context, id string, status agent.Status) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agents SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	return execExpectOne(tag, err, "update agent %s status", id)
}
