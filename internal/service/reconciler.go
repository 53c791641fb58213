package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/potentialgenie/teamflow/internal/adapter/ws"
	"github.com/potentialgenie/teamflow/internal/config"
	"github.com/potentialgenie/teamflow/internal/domain/task"
	"github.com/potentialgenie/teamflow/internal/domain/workspace"
	"github.com/potentialgenie/teamflow/internal/port/broadcast"
	"github.com/potentialgenie/teamflow/internal/port/database"
)

// capacityErrorThreshold is how many capacity errors a workspace accumulates
// within one sweep interval before it is flagged for intervention.
const capacityErrorThreshold = 5

// ReconcilerService is the scheduled reconciliation sweep. It requeues tasks
// stuck in_progress past the deadline (a crashed executor would otherwise
// strand them forever) and flags workspaces with repeated capacity errors as
// needs_intervention.
type ReconcilerService struct {
	store database.Store
	hub   broadcast.Broadcaster
	cfg   config.Executor

	mu             sync.Mutex
	capacityErrors map[string]int
}

// NewReconcilerService creates a ReconcilerService.
func NewReconcilerService(store database.Store, hub broadcast.Broadcaster, cfg config.Executor) *ReconcilerService {
	return &ReconcilerService{
		store:          store,
		hub:            hub,
		cfg:            cfg,
		capacityErrors: make(map[string]int),
	}
}

// RecordCapacityError counts an anti-loop or concurrency ceiling hit for the
// workspace. Called by the planner's and executor's callers.
func (s *ReconcilerService) RecordCapacityError(workspaceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.capacityErrors[workspaceID]++
}

// Run sweeps on the configured interval until ctx is cancelled.
func (s *ReconcilerService) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ReconcileInterval)
	defer ticker.Stop()

	slog.Info("reconciler started", "interval", s.cfg.ReconcileInterval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("reconciler stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one reconciliation pass.
func (s *ReconcilerService) Sweep(ctx context.Context) {
	s.requeueStuckTasks(ctx)
	s.flagOverloadedWorkspaces(ctx)
}

func (s *ReconcilerService) requeueStuckTasks(ctx context.Context) {
	deadline := time.Now().Add(-s.cfg.StuckTaskDeadline)
	stuck, err := s.store.ListStuckTasks(ctx, deadline)
	if err != nil {
		slog.Error("list stuck tasks", "error", err)
		return
	}

	for i := range stuck {
		t := &stuck[i]
		if err := s.store.UpdateTaskStatus(ctx, t.ID, task.StatusPending); err != nil {
			slog.Error("requeue stuck task", "task_id", t.ID, "error", err)
			continue
		}
		slog.Warn("requeued stuck task",
			"task_id", t.ID,
			"workspace_id", t.WorkspaceID,
			"stuck_since", t.UpdatedAt,
		)
	}
}

func (s *ReconcilerService) flagOverloadedWorkspaces(ctx context.Context) {
	s.mu.Lock()
	counts := s.capacityErrors
	s.capacityErrors = make(map[string]int)
	s.mu.Unlock()

	for workspaceID, n := range counts {
		if n < capacityErrorThreshold {
			continue
		}
		if err := s.store.UpdateWorkspaceStatus(ctx, workspaceID, workspace.StatusNeedsIntervention); err != nil {
			slog.Error("flag workspace", "workspace_id", workspaceID, "error", err)
			continue
		}
		slog.Warn("workspace flagged for intervention after repeated capacity errors",
			"workspace_id", workspaceID, "capacity_errors", n)

		if s.hub != nil {
			s.hub.BroadcastEvent(ctx, ws.EventWorkspaceStatus, ws.WorkspaceStatusEvent{
				WorkspaceID: workspaceID,
				Status:      string(workspace.StatusNeedsIntervention),
			})
		}
	}
}
