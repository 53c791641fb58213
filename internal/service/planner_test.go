package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/potentialgenie/teamflow/internal/config"
	"github.com/potentialgenie/teamflow/internal/domain"
	"github.com/potentialgenie/teamflow/internal/domain/agent"
	"github.com/potentialgenie/teamflow/internal/domain/goal"
	"github.com/potentialgenie/teamflow/internal/domain/task"
)

func plannerConfig() config.Planner {
	return config.Planner{
		MaxTasksPerPass:     3,
		SimilarityThreshold: 0.8,
		AntiLoopWindow:      time.Hour,
		AntiLoopMaxTasks:    30,
		CorrectiveMaxTasks:  2,
		SimilarityCacheTTL:  30 * time.Minute,
	}
}

func activeGoal(id string) *goal.Goal {
	return &goal.Goal{
		ID:          id,
		WorkspaceID: "ws-1",
		MetricType:  "contacts",
		TargetValue: 50,
		Unit:        "contacts",
		Description: "find 50 ICP contacts in fintech",
		Status:      goal.StatusActive,
	}
}

const analysisNeedsData = `{"requires_data_gathering": true, "confidence": 0.9, "reasoning": "needs research"}`

func TestPlan_CapsTasksPerPass(t *testing.T) {
	store := &mockStore{}
	client := &mockLLM{responses: []string{
		analysisNeedsData,
		`{"tasks": [
			{"name": "Research fintech companies", "description": "search directories", "priority": 8, "contribution_expected": 10},
			{"name": "Scrape conference attendees", "description": "pull attendee lists", "priority": 7, "contribution_expected": 10},
			{"name": "Mine LinkedIn groups", "description": "collect member profiles", "priority": 6, "contribution_expected": 10},
			{"name": "Check AngelList", "description": "startup founder contacts", "priority": 5, "contribution_expected": 10},
			{"name": "Review Crunchbase", "description": "funded company contacts", "priority": 4, "contribution_expected": 10}
		]}`,
	}}
	svc := NewTaskPlannerService(store, client, newMockCache(), plannerConfig())

	created, err := svc.Plan(context.Background(), activeGoal("goal-1"))
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(created) != 3 {
		t.Fatalf("expected creation capped at 3 tasks per pass, got %d", len(created))
	}
	for _, tk := range created {
		if tk.GoalID != "goal-1" || tk.MetricType != "contacts" {
			t.Errorf("task %s not linked to goal: goal=%q metric=%q", tk.ID, tk.GoalID, tk.MetricType)
		}
		if !tk.RequiresTools {
			t.Errorf("task %s expected requires_tools from the analysis", tk.ID)
		}
	}
}

func TestPlan_MetGoalIsNoOp(t *testing.T) {
	store := &mockStore{}
	client := &mockLLM{}
	svc := NewTaskPlannerService(store, client, newMockCache(), plannerConfig())

	g := activeGoal("goal-1")
	g.CurrentValue = 50

	created, err := svc.Plan(context.Background(), g)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(created) != 0 {
		t.Fatalf("expected no tasks for a met goal, got %d", len(created))
	}
	if client.callCount() != 0 {
		t.Errorf("expected no LLM calls for a met goal, got %d", client.callCount())
	}
}

func TestPlan_WindowCapReturnsCapacity(t *testing.T) {
	store := &mockStore{}
	cfg := plannerConfig()
	cfg.AntiLoopMaxTasks = 2
	for i := 0; i < 2; i++ {
		if _, err := store.CreateTask(context.Background(), task.CreateRequest{WorkspaceID: "ws-1", Name: "earlier"}); err != nil {
			t.Fatal(err)
		}
	}
	svc := NewTaskPlannerService(store, &mockLLM{}, newMockCache(), cfg)

	_, err := svc.Plan(context.Background(), activeGoal("goal-1"))
	if !errors.Is(err, domain.ErrCapacity) {
		t.Fatalf("expected ErrCapacity, got %v", err)
	}
}

func TestPlan_DropsDuplicateCandidates(t *testing.T) {
	store := &mockStore{}
	existing, err := store.CreateTask(context.Background(), task.CreateRequest{
		WorkspaceID: "ws-1",
		GoalID:      "goal-1",
		Name:        "Research fintech companies",
		Description: "search startup directories for contacts",
	})
	if err != nil {
		t.Fatal(err)
	}

	client := &mockLLM{responses: []string{
		analysisNeedsData,
		`{"tasks": [
			{"name": "Search fintech startup directories", "description": "research companies for contacts", "priority": 8, "contribution_expected": 10},
			{"name": "Draft outreach template", "description": "write a cold email template", "priority": 5, "contribution_expected": 0}
		]}`,
		`{"similar": true, "score": 0.95}`,
		`{"similar": false, "score": 0.05}`,
	}}
	svc := NewTaskPlannerService(store, client, newMockCache(), plannerConfig())

	created, err := svc.Plan(context.Background(), activeGoal("goal-1"))
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(created) != 1 {
		t.Fatalf("expected the restated candidate dropped, got %d created", len(created))
	}
	if created[0].Name != "Draft outreach template" {
		t.Errorf("wrong survivor: %q", created[0].Name)
	}
	if created[0].ID == existing.ID {
		t.Error("created task must be a new row")
	}
}

func TestPlan_AssignsBestMatchingAgent(t *testing.T) {
	store := &mockStore{}
	store.agents = append(store.agents,
		agent.Agent{ID: "a-writer", WorkspaceID: "ws-1", Role: "copywriter", Status: agent.StatusAvailable},
		agent.Agent{ID: "a-research", WorkspaceID: "ws-1", Role: "research analyst", Skills: []string{"prospecting"}, Status: agent.StatusAvailable},
	)
	client := &mockLLM{responses: []string{
		analysisNeedsData,
		`{"tasks": [{"name": "Prospecting research", "description": "research analyst work: prospecting fintech contacts", "priority": 8, "contribution_expected": 10}]}`,
	}}
	svc := NewTaskPlannerService(store, client, newMockCache(), plannerConfig())

	created, err := svc.Plan(context.Background(), activeGoal("goal-1"))
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(created) != 1 {
		t.Fatalf("expected 1 task, got %d", len(created))
	}
	if created[0].AgentID != "a-research" {
		t.Errorf("expected research agent assigned, got %q", created[0].AgentID)
	}
}

func TestPlanCorrective_BypassesNormalCapWithOwnBudget(t *testing.T) {
	store := &mockStore{}
	cfg := plannerConfig()
	cfg.AntiLoopMaxTasks = 1
	cfg.CorrectiveMaxTasks = 1
	// Normal budget already exhausted.
	if _, err := store.CreateTask(context.Background(), task.CreateRequest{WorkspaceID: "ws-1", Name: "earlier"}); err != nil {
		t.Fatal(err)
	}
	if err := store.CreateGoal(context.Background(), activeGoal("goal-1")); err != nil {
		t.Fatal(err)
	}
	svc := NewTaskPlannerService(store, &mockLLM{}, newMockCache(), cfg)

	corrective, err := svc.PlanCorrective(context.Background(), "ws-1", "goal-1", "Rework deliverable", "insufficient data")
	if err != nil {
		t.Fatalf("PlanCorrective must bypass the normal window cap: %v", err)
	}
	if !corrective.IsCorrective || corrective.Priority != 100 {
		t.Errorf("expected corrective priority-100 task, got corrective=%t priority=%d", corrective.IsCorrective, corrective.Priority)
	}
	if corrective.MetricType != "contacts" || corrective.ContributionExpected != 50 {
		t.Errorf("expected goal metric and remaining gap, got %q/%g", corrective.MetricType, corrective.ContributionExpected)
	}

	// The separate corrective budget is now spent.
	if _, err := svc.PlanCorrective(context.Background(), "ws-1", "goal-1", "again", "still insufficient"); !errors.Is(err, domain.ErrCapacity) {
		t.Fatalf("expected ErrCapacity on second corrective, got %v", err)
	}
}

func TestSimilar_FallsBackToKeywordOverlapAndCaches(t *testing.T) {
	cache := newMockCache()
	client := &mockLLM{err: errors.New("quota exhausted")}
	svc := NewTaskPlannerService(&mockStore{}, client, cache, plannerConfig())

	a := "research fintech startup contacts in europe"
	if !svc.similar(context.Background(), a, a) {
		t.Fatal("identical texts must be similar under the keyword fallback")
	}
	if svc.similar(context.Background(), a, "bake a chocolate cake recipe") {
		t.Fatal("unrelated texts must not be similar")
	}

	// Second judgment of the same pair is served from cache, not the LLM.
	calls := client.callCount()
	svc.similar(context.Background(), a, a)
	if client.callCount() != calls {
		t.Errorf("expected cached judgment, got %d extra LLM calls", client.callCount()-calls)
	}
}
