package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/potentialgenie/teamflow/internal/domain/event"
	"github.com/potentialgenie/teamflow/internal/domain/goal"
	"github.com/potentialgenie/teamflow/internal/domain/task"
	"github.com/potentialgenie/teamflow/internal/port/messagequeue"
)

type routerSetup struct {
	store  *mockStore
	client *mockLLM
	queue  *mockQueue
	router *EventRouter
}

func newRouterSetup(t *testing.T) *routerSetup {
	t.Helper()
	store := &mockStore{}
	client := &mockLLM{}
	queue := &mockQueue{}
	bc := &mockBroadcaster{}

	planner := NewTaskPlannerService(store, client, newMockCache(), plannerConfig())
	synthesizer := NewAssetSynthesizerService(store, client, queue, bc, planner)
	progress := NewGoalProgressUpdaterService(store, client, queue, bc, planner, progressConfig())
	reconciler := NewReconcilerService(store, bc, executorConfig())
	router := NewEventRouter(queue, synthesizer, progress, planner, reconciler)

	if _, err := router.Subscribe(context.Background()); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	return &routerSetup{store: store, client: client, queue: queue, router: router}
}

func qualityEvent(target, taskID, goalID string, passes bool, score float64) []byte {
	data, _ := json.Marshal(event.QualityValidatedData{Passes: passes, Score: score})
	ev := event.PipelineEvent{
		ID:              uuid.NewString(),
		Type:            event.TypeQualityValidated,
		SourceComponent: "quality_gate",
		TargetComponent: target,
		WorkspaceID:     "ws-1",
		GoalID:          goalID,
		TaskID:          taskID,
		Data:            data,
		CreatedAt:       time.Now().UTC(),
	}
	payload, _ := json.Marshal(ev)
	return payload
}

func TestSubscribe_RegistersBothConsumers(t *testing.T) {
	s := newRouterSetup(t)

	consumers := make(map[string]bool)
	for _, sub := range s.queue.subs {
		if sub.subject == messagequeue.SubjectQualityValidated {
			consumers[sub.consumer] = true
		}
	}
	if !consumers[TargetDeliverableAggregator] || !consumers[TargetProgressUpdater] {
		t.Errorf("expected both durable consumers registered, got %v", consumers)
	}
}

func TestHandleQuality_PassAppliesProgressOnce(t *testing.T) {
	s := newRouterSetup(t)
	s.store.goals = append(s.store.goals, goal.Goal{
		ID: "goal-1", WorkspaceID: "ws-1", MetricType: "contacts",
		TargetValue: 50, Status: goal.StatusActive,
	})
	s.store.tasks = append(s.store.tasks, task.Task{
		ID: "task-1", WorkspaceID: "ws-1", GoalID: "goal-1",
		Status: task.StatusCompleted,
		Result: &task.Result{
			Content:      "anna@acme.io",
			Achievements: map[string]float64{"contacts": 10},
		},
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	})
	// Replanning and re-synthesis after progress would consume LLM script
	// entries; a hard failure routes both to their deterministic fallbacks.
	s.client.err = errTestLLMDown

	payload := qualityEvent(TargetProgressUpdater, "task-1", "goal-1", true, 85)
	// At-least-once delivery: the same event arrives twice.
	for i := 0; i < 2; i++ {
		if err := s.queue.deliver(context.Background(), messagequeue.SubjectQualityValidated, payload); err != nil {
			t.Fatalf("deliver #%d: %v", i+1, err)
		}
	}

	g, _ := s.store.GetGoal(context.Background(), "goal-1")
	if g.CurrentValue != 10 {
		t.Errorf("expected exactly-once progress of 10, got %g", g.CurrentValue)
	}
}

func TestHandleQuality_PassSynthesizesDeliverable(t *testing.T) {
	s := newRouterSetup(t)
	s.store.goals = append(s.store.goals, goal.Goal{
		ID: "goal-1", WorkspaceID: "ws-1", MetricType: "contacts",
		TargetValue: 2, Description: "contact list of leads", Status: goal.StatusActive,
	})
	s.store.tasks = append(s.store.tasks, task.Task{
		ID: "task-1", WorkspaceID: "ws-1", GoalID: "goal-1",
		Status:    task.StatusCompleted,
		Result:    &task.Result{Content: "Anna Rossi anna@acme.io\nPiero Bianchi piero@nordify.com"},
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	})

	payload := qualityEvent(TargetDeliverableAggregator, "task-1", "goal-1", true, 85)
	if err := s.queue.deliver(context.Background(), messagequeue.SubjectQualityValidated, payload); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	all, _ := s.store.ListDeliverables(context.Background(), "ws-1")
	if len(all) != 1 {
		t.Fatalf("expected a synthesized deliverable, got %d", len(all))
	}
}

func TestHandleQuality_FailureOpensCorrective(t *testing.T) {
	s := newRouterSetup(t)
	s.store.goals = append(s.store.goals, goal.Goal{
		ID: "goal-1", WorkspaceID: "ws-1", MetricType: "contacts",
		TargetValue: 50, Status: goal.StatusActive,
	})

	payload := qualityEvent(TargetDeliverableAggregator, "task-1", "goal-1", false, 20)
	if err := s.queue.deliver(context.Background(), messagequeue.SubjectQualityValidated, payload); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	tasks, _ := s.store.ListTasksByGoal(context.Background(), "goal-1")
	if len(tasks) != 1 || !tasks[0].IsCorrective {
		t.Fatalf("expected one corrective task, got %+v", tasks)
	}

	all, _ := s.store.ListDeliverables(context.Background(), "ws-1")
	if len(all) != 0 {
		t.Error("a failing task must not synthesize a deliverable")
	}
}

func TestHandleQuality_MalformedEventIsAcked(t *testing.T) {
	s := newRouterSetup(t)

	if err := s.queue.deliver(context.Background(), messagequeue.SubjectQualityValidated, []byte("{not json")); err != nil {
		t.Fatalf("malformed events must be acked, not redelivered: %v", err)
	}
	if len(s.store.tasks) != 0 || len(s.store.deliverables) != 0 {
		t.Error("malformed event must have no effect")
	}
}

func TestHandleQuality_EventWithoutGoalIsIgnoredByAggregator(t *testing.T) {
	s := newRouterSetup(t)

	payload := qualityEvent(TargetDeliverableAggregator, "task-1", "", true, 85)
	if err := s.queue.deliver(context.Background(), messagequeue.SubjectQualityValidated, payload); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(s.store.deliverables) != 0 {
		t.Error("no goal means nothing to synthesize")
	}
}
