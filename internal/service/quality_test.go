package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/potentialgenie/teamflow/internal/domain/event"
	"github.com/potentialgenie/teamflow/internal/domain/task"
	"github.com/potentialgenie/teamflow/internal/port/messagequeue"
)

func completedTask() *task.Task {
	return &task.Task{
		ID:          "task-1",
		WorkspaceID: "ws-1",
		GoalID:      "goal-1",
		MetricType:  "contacts",
		Status:      task.StatusCompleted,
		Result: &task.Result{
			Content:      "Found contacts: anna@acme.io, piero@nordify.com",
			Achievements: map[string]float64{"contacts": 2},
		},
	}
}

func TestValidate_DeterministicFailureOnLLMError(t *testing.T) {
	client := &mockLLM{err: errors.New("upstream 503")}
	svc := NewQualityGateService(client, &mockQueue{}, newMockCache())

	a := svc.Validate(context.Background(), "some asset", "some goal")
	if a.Passes {
		t.Error("assessment must fail when the evaluator is unavailable")
	}
	if a.Score != 0 {
		t.Errorf("expected score 0, got %g", a.Score)
	}
	if !strings.Contains(a.Reasoning, "quality assessment unavailable") {
		t.Errorf("expected fallback reasoning, got %q", a.Reasoning)
	}
}

func TestValidate_ClampsScore(t *testing.T) {
	client := &mockLLM{responses: []string{`{"passes_quality_gate": true, "score": 150, "reasoning": "great"}`}}
	svc := NewQualityGateService(client, &mockQueue{}, newMockCache())

	a := svc.Validate(context.Background(), "asset", "goal")
	if a.Score != 100 {
		t.Errorf("expected score clamped to 100, got %g", a.Score)
	}
	if !a.Passes {
		t.Error("expected pass")
	}
}

func TestValidateTask_PublishesOneEventPerConsumer(t *testing.T) {
	client := &mockLLM{responses: []string{`{"passes_quality_gate": true, "score": 85, "reasoning": "usable data"}`}}
	queue := &mockQueue{}
	svc := NewQualityGateService(client, queue, newMockCache())

	a := svc.ValidateTask(context.Background(), completedTask(), "find 50 contacts")
	if !a.Passes {
		t.Fatal("expected pass")
	}

	msgs := queue.bySubject(messagequeue.SubjectQualityValidated)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 quality events, got %d", len(msgs))
	}

	targets := make(map[string]bool)
	for _, msg := range msgs {
		var ev event.PipelineEvent
		if err := json.Unmarshal(msg.data, &ev); err != nil {
			t.Fatalf("unmarshal event: %v", err)
		}
		if ev.Type != event.TypeQualityValidated {
			t.Errorf("wrong event type %q", ev.Type)
		}
		if ev.TaskID != "task-1" || ev.GoalID != "goal-1" || ev.WorkspaceID != "ws-1" {
			t.Errorf("event missing identifiers: %+v", ev)
		}
		var data event.QualityValidatedData
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			t.Fatalf("unmarshal event data: %v", err)
		}
		if !data.Passes || data.Score != 85 {
			t.Errorf("wrong payload: %+v", data)
		}
		targets[ev.TargetComponent] = true
	}
	if !targets[TargetDeliverableAggregator] || !targets[TargetProgressUpdater] {
		t.Errorf("expected one event per consumer, got targets %v", targets)
	}
}

func TestValidateTask_FailureStillPublishes(t *testing.T) {
	client := &mockLLM{err: errors.New("timeout")}
	queue := &mockQueue{}
	svc := NewQualityGateService(client, queue, newMockCache())

	a := svc.ValidateTask(context.Background(), completedTask(), "find 50 contacts")
	if a.Passes {
		t.Fatal("expected deterministic failure")
	}
	if len(queue.bySubject(messagequeue.SubjectQualityValidated)) != 2 {
		t.Error("failing assessments must still reach both consumers")
	}
}

func TestValidateTask_RecordsLearningSuggestions(t *testing.T) {
	client := &mockLLM{responses: []string{
		`{"passes_quality_gate": false, "score": 25, "reasoning": "process prose", "improvement_suggestions": ["include real emails", "list concrete companies"]}`,
	}}
	cache := newMockCache()
	svc := NewQualityGateService(client, &mockQueue{}, cache)

	svc.ValidateTask(context.Background(), completedTask(), "find 50 contacts")

	v, ok, _ := cache.Get(context.Background(), "learning:ws-1:contacts")
	if !ok {
		t.Fatal("expected learning suggestions cached")
	}
	var suggestions []string
	if err := json.Unmarshal(v, &suggestions); err != nil || len(suggestions) != 2 {
		t.Errorf("expected 2 cached suggestions, got %q (err %v)", v, err)
	}
}
