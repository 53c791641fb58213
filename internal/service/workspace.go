package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/potentialgenie/teamflow/internal/domain"
	"github.com/potentialgenie/teamflow/internal/domain/workspace"
	"github.com/potentialgenie/teamflow/internal/port/database"
)

// WorkspaceService is the intake path: creating a workspace extracts its
// quantified goals and plans the initial tasks, tying the pipeline together
// end to end.
type WorkspaceService struct {
	store      database.Store
	extractor  *GoalExtractorService
	planner    *TaskPlannerService
	reconciler *ReconcilerService
}

// NewWorkspaceService creates a WorkspaceService.
func NewWorkspaceService(store database.Store, extractor *GoalExtractorService, planner *TaskPlannerService, reconciler *ReconcilerService) *WorkspaceService {
	return &WorkspaceService{store: store, extractor: extractor, planner: planner, reconciler: reconciler}
}

// Create persists the workspace, extracts goals from its objective, and runs
// an initial planning pass per goal. Extraction failure leaves the workspace
// created but qualitative-only; the error is surfaced for the caller to log,
// never papered over with a fabricated goal.
func (s *WorkspaceService) Create(ctx context.Context, req workspace.CreateRequest) (*workspace.Workspace, error) {
	w, err := s.store.CreateWorkspace(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	goals, err := s.extractor.Extract(ctx, w.ID, req.GoalText)
	if err != nil {
		slog.Error("goal extraction failed, workspace is qualitative-only", "workspace_id", w.ID, "error", err)
		return w, nil
	}

	for i := range goals {
		if _, err := s.planner.Plan(ctx, &goals[i]); err != nil {
			if errors.Is(err, domain.ErrCapacity) {
				s.reconciler.RecordCapacityError(w.ID)
				slog.Warn("initial planning hit capacity ceiling", "workspace_id", w.ID, "goal_id", goals[i].ID)
				continue
			}
			slog.Error("initial planning failed", "goal_id", goals[i].ID, "error", err)
		}
	}
	return w, nil
}

// Get returns one workspace.
func (s *WorkspaceService) Get(ctx context.Context, id string) (*workspace.Workspace, error) {
	return s.store.GetWorkspace(ctx, id)
}

// List returns all workspaces.
func (s *WorkspaceService) List(ctx context.Context) ([]workspace.Workspace, error) {
	return s.store.ListWorkspaces(ctx)
}

// SetStatus pauses or resumes a workspace.
func (s *WorkspaceService) SetStatus(ctx context.Context, id string, status workspace.Status) error {
	return s.store.UpdateWorkspaceStatus(ctx, id, status)
}
