package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/potentialgenie/teamflow/internal/domain"
	"github.com/potentialgenie/teamflow/internal/domain/event"
	"github.com/potentialgenie/teamflow/internal/port/messagequeue"
)

// EventRouter wires the two independent quality-event consumers. Both read
// the same subject under separate durable consumer names, so each keeps its
// own cursor and redelivery schedule. Handlers are idempotent: delivery is
// at-least-once.
type EventRouter struct {
	queue       messagequeue.Queue
	synthesizer *AssetSynthesizerService
	progress    *GoalProgressUpdaterService
	planner     *TaskPlannerService
	reconciler  *ReconcilerService
}

// NewEventRouter creates an EventRouter.
func NewEventRouter(queue messagequeue.Queue, synthesizer *AssetSynthesizerService, progress *GoalProgressUpdaterService, planner *TaskPlannerService, reconciler *ReconcilerService) *EventRouter {
	return &EventRouter{
		queue:       queue,
		synthesizer: synthesizer,
		progress:    progress,
		planner:     planner,
		reconciler:  reconciler,
	}
}

// Subscribe registers both consumers. The returned cancel funcs are invoked
// on shutdown.
func (r *EventRouter) Subscribe(ctx context.Context) ([]func(), error) {
	var cancels []func()

	c1, err := r.queue.Subscribe(ctx, messagequeue.SubjectQualityValidated, TargetDeliverableAggregator, r.handleForAggregator)
	if err != nil {
		return nil, fmt.Errorf("subscribe aggregator consumer: %w", err)
	}
	cancels = append(cancels, c1)

	c2, err := r.queue.Subscribe(ctx, messagequeue.SubjectQualityValidated, TargetProgressUpdater, r.handleForProgress)
	if err != nil {
		c1()
		return nil, fmt.Errorf("subscribe progress consumer: %w", err)
	}
	cancels = append(cancels, c2)

	return cancels, nil
}

// handleForAggregator synthesizes a deliverable when a goal-linked task
// passes the gate, and opens a corrective task when it fails. Events
// addressed to the other consumer are acked untouched.
func (r *EventRouter) handleForAggregator(ctx context.Context, _ string, data []byte) error {
	ev, payload, err := decodeQualityEvent(data)
	if err != nil {
		slog.Error("malformed quality event", "error", err)
		return nil // acking a poison message beats redelivering it forever
	}
	if ev.TargetComponent != TargetDeliverableAggregator {
		return nil
	}

	if !payload.Passes {
		r.openCorrective(ctx, ev, payload)
		return nil
	}
	if ev.GoalID == "" {
		return nil
	}

	if _, err := r.synthesizer.SynthesizeForGoal(ctx, ev.WorkspaceID, ev.GoalID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("synthesize for goal %s: %w", ev.GoalID, err)
	}
	return nil
}

// handleForProgress applies goal progress for a task that passed the gate.
// The progress updater's applied marker makes redelivery a no-op.
func (r *EventRouter) handleForProgress(ctx context.Context, _ string, data []byte) error {
	ev, payload, err := decodeQualityEvent(data)
	if err != nil {
		slog.Error("malformed quality event", "error", err)
		return nil
	}
	if ev.TargetComponent != TargetProgressUpdater || !payload.Passes {
		return nil
	}

	if err := r.progress.ApplyTaskCompletion(ctx, ev.TaskID); err != nil {
		return fmt.Errorf("apply completion for task %s: %w", ev.TaskID, err)
	}
	return nil
}

func (r *EventRouter) openCorrective(ctx context.Context, ev *event.PipelineEvent, payload *event.QualityValidatedData) {
	name := "Address quality gate failure"
	reason := fmt.Sprintf("task %s failed the quality gate with score %.0f", ev.TaskID, payload.Score)

	if _, err := r.planner.PlanCorrective(ctx, ev.WorkspaceID, ev.GoalID, name, reason); err != nil {
		if errors.Is(err, domain.ErrCapacity) {
			r.reconciler.RecordCapacityError(ev.WorkspaceID)
			slog.Warn("corrective budget exhausted after quality failure", "workspace_id", ev.WorkspaceID, "task_id", ev.TaskID)
			return
		}
		slog.Error("open corrective task after quality failure", "task_id", ev.TaskID, "error", err)
	}
}

func decodeQualityEvent(data []byte) (*event.PipelineEvent, *event.QualityValidatedData, error) {
	var ev event.PipelineEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, nil, fmt.Errorf("decode event: %w", err)
	}
	var payload event.QualityValidatedData
	if len(ev.Data) > 0 {
		if err := json.Unmarshal(ev.Data, &payload); err != nil {
			return nil, nil, fmt.Errorf("decode event data: %w", err)
		}
	}
	return &ev, &payload, nil
}
