package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/potentialgenie/teamflow/internal/domain"
	"github.com/potentialgenie/teamflow/internal/domain/task"
	"github.com/potentialgenie/teamflow/internal/port/database"
)

// VerificationService handles human-in-the-loop approval for tasks gated in
// pending_verification. Approval routes through the same single-application
// progress path as direct completion: a task transitioning
// completed -> pending_verification -> completed is never double-counted.
type VerificationService struct {
	store    database.Store
	gate     *QualityGateService
	executor *TaskExecutorService
}

// NewVerificationService creates a VerificationService.
func NewVerificationService(store database.Store, gate *QualityGateService, executor *TaskExecutorService) *VerificationService {
	return &VerificationService{store: store, gate: gate, executor: executor}
}

// Approve transitions a pending_verification task to completed and runs it
// through the quality gate, whose events drive deliverable synthesis and the
// exactly-once progress update.
func (s *VerificationService) Approve(ctx context.Context, taskID string) (*task.Task, error) {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	if t.Status != task.StatusPendingVerification {
		return nil, &domain.ValidationError{Field: "status", Detail: fmt.Sprintf("task %s is %s, not pending_verification", taskID, t.Status)}
	}

	if err := s.store.UpdateTaskStatus(ctx, taskID, task.StatusCompleted); err != nil {
		return nil, fmt.Errorf("approve task: %w", err)
	}
	t.Status = task.StatusCompleted

	slog.Info("task approved", "task_id", taskID, "workspace_id", t.WorkspaceID)
	s.executor.broadcastStatus(ctx, t)
	s.gate.ValidateTask(ctx, t, s.executor.goalContext(ctx, t))
	return t, nil
}

// Reject transitions a pending_verification task to failed with the given
// reason. No progress is applied; the planner closes the remaining gap with a
// fresh corrective task on its next pass.
func (s *VerificationService) Reject(ctx context.Context, taskID, reason string) (*task.Task, error) {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	if t.Status != task.StatusPendingVerification {
		return nil, &domain.ValidationError{Field: "status", Detail: fmt.Sprintf("task %s is %s, not pending_verification", taskID, t.Status)}
	}

	if err := s.store.UpdateTaskResult(ctx, taskID, task.StatusFailed, t.Result, reason); err != nil {
		return nil, fmt.Errorf("reject task: %w", err)
	}
	t.Status = task.StatusFailed
	t.ErrorMessage = reason

	slog.Info("task rejected", "task_id", taskID, "reason", reason)
	s.executor.broadcastStatus(ctx, t)
	return t, nil
}
