package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/potentialgenie/teamflow/internal/domain"
	"github.com/potentialgenie/teamflow/internal/domain/agent"
	"github.com/potentialgenie/teamflow/internal/domain/deliverable"
	"github.com/potentialgenie/teamflow/internal/domain/goal"
	"github.com/potentialgenie/teamflow/internal/domain/task"
	"github.com/potentialgenie/teamflow/internal/domain/workspace"
	"github.com/potentialgenie/teamflow/internal/port/llm"
	"github.com/potentialgenie/teamflow/internal/port/messagequeue"
	"github.com/potentialgenie/teamflow/internal/port/tools"
)

// errTestLLMDown forces every LLM-backed path onto its deterministic fallback.
var errTestLLMDown = errors.New("llm unavailable")

// mockStore is an in-memory database.Store for service tests.
type mockStore struct {
	mu           sync.Mutex
	workspaces   []workspace.Workspace
	goals        []goal.Goal
	agents       []agent.Agent
	tasks        []task.Task
	deliverables []deliverable.Deliverable

	// goalConflicts makes the next N UpdateGoalProgress calls fail with
	// ErrConflict, to exercise the optimistic-retry path.
	goalConflicts int
}

func (m *mockStore) ListWorkspaces(_ context.Context) ([]workspace.Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]workspace.Workspace(nil), m.workspaces...), nil
}

func (m *mockStore) GetWorkspace(_ context.Context, id string) (*workspace.Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.workspaces {
		if m.workspaces[i].ID == id {
			w := m.workspaces[i]
			return &w, nil
		}
	}
	return nil, fmt.Errorf("get workspace %s: %w", id, domain.ErrNotFound)
}

func (m *mockStore) CreateWorkspace(_ context.Context, req workspace.CreateRequest) (*workspace.Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := workspace.Workspace{
		ID:          fmt.Sprintf("ws-%d", len(m.workspaces)+1),
		Name:        req.Name,
		GoalText:    req.GoalText,
		Status:      workspace.StatusActive,
		HumanReview: req.HumanReview,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	m.workspaces = append(m.workspaces, w)
	return &w, nil
}

func (m *mockStore) UpdateWorkspaceStatus(_ context.Context, id string, status workspace.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.workspaces {
		if m.workspaces[i].ID == id {
			m.workspaces[i].Status = status
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *mockStore) ListGoals(_ context.Context, workspaceID string) ([]goal.Goal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []goal.Goal
	for i := range m.goals {
		if m.goals[i].WorkspaceID == workspaceID {
			out = append(out, m.goals[i])
		}
	}
	return out, nil
}

func (m *mockStore) ListActiveGoals(_ context.Context, workspaceID string) ([]goal.Goal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []goal.Goal
	for i := range m.goals {
		if m.goals[i].WorkspaceID == workspaceID && m.goals[i].Status == goal.StatusActive {
			out = append(out, m.goals[i])
		}
	}
	return out, nil
}

func (m *mockStore) GetGoal(_ context.Context, id string) (*goal.Goal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.goals {
		if m.goals[i].ID == id {
			g := m.goals[i]
			return &g, nil
		}
	}
	return nil, fmt.Errorf("get goal %s: %w", id, domain.ErrNotFound)
}

func (m *mockStore) CreateGoal(_ context.Context, g *goal.Goal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g.ID == "" {
		g.ID = fmt.Sprintf("goal-%d", len(m.goals)+1)
	}
	g.CreatedAt = time.Now()
	g.UpdatedAt = time.Now()
	m.goals = append(m.goals, *g)
	return nil
}

func (m *mockStore) UpdateGoalProgress(_ context.Context, g *goal.Goal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.goalConflicts > 0 {
		m.goalConflicts--
		return domain.ErrConflict
	}
	for i := range m.goals {
		if m.goals[i].ID != g.ID {
			continue
		}
		if m.goals[i].Version != g.Version {
			return domain.ErrConflict
		}
		m.goals[i].CurrentValue = g.CurrentValue
		m.goals[i].Status = g.Status
		m.goals[i].Version++
		g.Version++
		return nil
	}
	return domain.ErrNotFound
}

func (m *mockStore) ListAgents(_ context.Context, workspaceID string) ([]agent.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []agent.Agent
	for i := range m.agents {
		if m.agents[i].WorkspaceID == workspaceID {
			out = append(out, m.agents[i])
		}
	}
	return out, nil
}

func (m *mockStore) GetAgent(_ context.Context, id string) (*agent.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.agents {
		if m.agents[i].ID == id {
			a := m.agents[i]
			return &a, nil
		}
	}
	return nil, fmt.Errorf("get agent %s: %w", id, domain.ErrNotFound)
}

func (m *mockStore) CreateAgent(_ context.Context, a *agent.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == "" {
		a.ID = fmt.Sprintf("agent-%d", len(m.agents)+1)
	}
	m.agents = append(m.agents, *a)
	return nil
}

func (m *mockStore) UpdateAgentStatus(_ context.Context, id string, status agent.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.agents {
		if m.agents[i].ID == id {
			m.agents[i].Status = status
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *mockStore) ListTasks(_ context.Context, workspaceID string) ([]task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []task.Task
	for i := range m.tasks {
		if m.tasks[i].WorkspaceID == workspaceID {
			out = append(out, m.tasks[i])
		}
	}
	return out, nil
}

func (m *mockStore) ListTasksByGoal(_ context.Context, goalID string) ([]task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []task.Task
	for i := range m.tasks {
		if m.tasks[i].GoalID == goalID {
			out = append(out, m.tasks[i])
		}
	}
	return out, nil
}

func (m *mockStore) GetTask(_ context.Context, id string) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.tasks {
		if m.tasks[i].ID == id {
			t := m.tasks[i]
			return &t, nil
		}
	}
	return nil, fmt.Errorf("get task %s: %w", id, domain.ErrNotFound)
}

func (m *mockStore) CreateTask(_ context.Context, req task.CreateRequest) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := task.Task{
		ID:                   fmt.Sprintf("task-%d", len(m.tasks)+1),
		WorkspaceID:          req.WorkspaceID,
		GoalID:               req.GoalID,
		AgentID:              req.AgentID,
		Name:                 req.Name,
		Description:          req.Description,
		Status:               task.StatusPending,
		Priority:             req.Priority,
		MetricType:           req.MetricType,
		ContributionExpected: req.ContributionExpected,
		RequiresTools:        req.RequiresTools,
		IsCorrective:         req.IsCorrective,
		CreatedAt:            time.Now(),
		UpdatedAt:            time.Now(),
	}
	m.tasks = append(m.tasks, t)
	return &t, nil
}

func (m *mockStore) UpdateTaskStatus(_ context.Context, id string, status task.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.tasks {
		if m.tasks[i].ID == id {
			m.tasks[i].Status = status
			m.tasks[i].UpdatedAt = time.Now()
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *mockStore) UpdateTaskResult(_ context.Context, id string, status task.Status, result *task.Result, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.tasks {
		if m.tasks[i].ID == id {
			m.tasks[i].Status = status
			m.tasks[i].Result = result
			m.tasks[i].ErrorMessage = errorMessage
			m.tasks[i].UpdatedAt = time.Now()
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *mockStore) MarkTaskProgressApplied(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.tasks {
		if m.tasks[i].ID == id {
			if m.tasks[i].ProgressApplied {
				return domain.ErrConflict
			}
			m.tasks[i].ProgressApplied = true
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *mockStore) UnmarkTaskProgressApplied(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.tasks {
		if m.tasks[i].ID == id {
			m.tasks[i].ProgressApplied = false
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *mockStore) ClaimNextTask(_ context.Context, workspaceID string, correctiveOnly bool) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	best := -1
	for i := range m.tasks {
		t := &m.tasks[i]
		if t.WorkspaceID != workspaceID || t.Status != task.StatusPending {
			continue
		}
		if correctiveOnly && !t.IsCorrective {
			continue
		}
		if best < 0 || t.Priority > m.tasks[best].Priority ||
			(t.Priority == m.tasks[best].Priority && t.CreatedAt.Before(m.tasks[best].CreatedAt)) {
			best = i
		}
	}
	if best < 0 {
		return nil, domain.ErrNotFound
	}
	m.tasks[best].Status = task.StatusInProgress
	m.tasks[best].UpdatedAt = time.Now()
	t := m.tasks[best]
	return &t, nil
}

func (m *mockStore) CountRecentTasks(_ context.Context, workspaceID string, since time.Time, corrective bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for i := range m.tasks {
		t := &m.tasks[i]
		if t.WorkspaceID == workspaceID && t.IsCorrective == corrective && t.CreatedAt.After(since) {
			count++
		}
	}
	return count, nil
}

func (m *mockStore) ListStuckTasks(_ context.Context, updatedBefore time.Time) ([]task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []task.Task
	for i := range m.tasks {
		if m.tasks[i].Status == task.StatusInProgress && m.tasks[i].UpdatedAt.Before(updatedBefore) {
			out = append(out, m.tasks[i])
		}
	}
	return out, nil
}

func (m *mockStore) ListDeliverables(_ context.Context, workspaceID string) ([]deliverable.Deliverable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []deliverable.Deliverable
	for i := range m.deliverables {
		if m.deliverables[i].WorkspaceID == workspaceID {
			out = append(out, m.deliverables[i])
		}
	}
	return out, nil
}

func (m *mockStore) UpsertDeliverable(_ context.Context, d *deliverable.Deliverable) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.deliverables {
		existing := &m.deliverables[i]
		if existing.WorkspaceID == d.WorkspaceID && existing.GoalID == d.GoalID && existing.Title == d.Title {
			existing.Content = d.Content
			existing.Status = d.Status
			existing.BusinessValueScore = d.BusinessValueScore
			existing.ReadinessScore = d.ReadinessScore
			existing.QualityMetrics = d.QualityMetrics
			existing.Version++
			existing.UpdatedAt = time.Now()
			d.ID = existing.ID
			d.Version = existing.Version
			return nil
		}
	}
	d.ID = fmt.Sprintf("deliv-%d", len(m.deliverables)+1)
	d.Version = 1
	d.CreatedAt = time.Now()
	d.UpdatedAt = time.Now()
	m.deliverables = append(m.deliverables, *d)
	return nil
}

// mockLLM plays back scripted responses in order. When respond is set it
// takes precedence and decides per request.
type mockLLM struct {
	mu        sync.Mutex
	responses []string
	err       error
	respond   func(req llm.Request) (string, error)
	calls     []llm.Request
}

func (m *mockLLM) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)

	if m.respond != nil {
		content, err := m.respond(req)
		if err != nil {
			return nil, err
		}
		return &llm.Response{Content: content, TokensIn: 10, TokensOut: 20}, nil
	}
	if m.err != nil {
		return nil, m.err
	}
	if len(m.responses) == 0 {
		return nil, fmt.Errorf("mockLLM: no scripted response for call %d", len(m.calls))
	}
	content := m.responses[0]
	if len(m.responses) > 1 {
		m.responses = m.responses[1:]
	}
	return &llm.Response{Content: content, TokensIn: 10, TokensOut: 20}, nil
}

func (m *mockLLM) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

type queueMsg struct {
	subject string
	data    []byte
}

type subscription struct {
	subject  string
	consumer string
	handler  messagequeue.Handler
}

// mockQueue records published messages and registered subscriptions; deliver
// pushes a message through every handler on a subject, as JetStream would.
type mockQueue struct {
	mu        sync.Mutex
	published []queueMsg
	subs      []subscription
}

func (m *mockQueue) Publish(_ context.Context, subject string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, queueMsg{subject: subject, data: data})
	return nil
}

func (m *mockQueue) Subscribe(_ context.Context, subject, consumer string, handler messagequeue.Handler) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, subscription{subject: subject, consumer: consumer, handler: handler})
	return func() {}, nil
}

func (m *mockQueue) Close() error { return nil }

func (m *mockQueue) bySubject(subject string) []queueMsg {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []queueMsg
	for _, msg := range m.published {
		if msg.subject == subject {
			out = append(out, msg)
		}
	}
	return out
}

func (m *mockQueue) deliver(ctx context.Context, subject string, data []byte) error {
	m.mu.Lock()
	subs := append([]subscription(nil), m.subs...)
	m.mu.Unlock()
	for _, sub := range subs {
		if sub.subject != subject {
			continue
		}
		if err := sub.handler(ctx, subject, data); err != nil {
			return err
		}
	}
	return nil
}

// mockCache is a map-backed cache.Cache.
type mockCache struct {
	mu    sync.Mutex
	items map[string][]byte
}

func newMockCache() *mockCache {
	return &mockCache{items: make(map[string][]byte)}
}

func (m *mockCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.items[key]
	return v, ok, nil
}

func (m *mockCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = value
	return nil
}

func (m *mockCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

type toolCallRecord struct {
	name string
	args map[string]any
}

// mockToolRunner is a scripted tools.Runner: results maps tool name to the
// output returned for that tool.
type mockToolRunner struct {
	mu      sync.Mutex
	tools   []tools.Tool
	results map[string]string
	err     error
	calls   []toolCallRecord
}

func (m *mockToolRunner) ListTools(_ context.Context) ([]tools.Tool, error) {
	if m.err != nil {
		return nil, m.err
	}
	return append([]tools.Tool(nil), m.tools...), nil
}

func (m *mockToolRunner) CallTool(_ context.Context, name string, args map[string]any) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, toolCallRecord{name: name, args: args})
	if m.err != nil {
		return "", m.err
	}
	return m.results[name], nil
}

type broadcastCall struct {
	eventType string
	payload   any
}

// mockBroadcaster records BroadcastEvent calls.
type mockBroadcaster struct {
	mu     sync.Mutex
	events []broadcastCall
}

func (m *mockBroadcaster) BroadcastEvent(_ context.Context, eventType string, payload any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, broadcastCall{eventType: eventType, payload: payload})
}

func (m *mockBroadcaster) byType(eventType string) []broadcastCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []broadcastCall
	for _, e := range m.events {
		if e.eventType == eventType {
			out = append(out, e)
		}
	}
	return out
}
