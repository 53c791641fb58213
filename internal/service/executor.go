package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	tfotel "github.com/potentialgenie/teamflow/internal/adapter/otel"
	"github.com/potentialgenie/teamflow/internal/adapter/ws"
	"github.com/potentialgenie/teamflow/internal/config"
	"github.com/potentialgenie/teamflow/internal/domain"
	"github.com/potentialgenie/teamflow/internal/domain/agent"
	"github.com/potentialgenie/teamflow/internal/domain/task"
	"github.com/potentialgenie/teamflow/internal/domain/workspace"
	"github.com/potentialgenie/teamflow/internal/port/broadcast"
	"github.com/potentialgenie/teamflow/internal/port/cache"
	"github.com/potentialgenie/teamflow/internal/port/database"
	"github.com/potentialgenie/teamflow/internal/port/llm"
	"github.com/potentialgenie/teamflow/internal/port/tools"
)

// TaskExecutorService drains pending tasks through LLM-backed agents. A
// single polling loop claims tasks per workspace in priority-then-creation
// order; individual executions run concurrently up to a global and a
// per-workspace ceiling. Failures are recorded and never retried here:
// retry is the planner's job, via corrective tasks against the remaining gap.
type TaskExecutorService struct {
	store   database.Store
	llm     llm.Client
	gate    *QualityGateService
	hub     broadcast.Broadcaster
	cache   cache.Cache
	cfg     config.Executor
	tools   tools.Runner
	metrics *tfotel.Metrics
	global  *semaphore.Weighted
	mu      sync.Mutex
	perWS   map[string]*semaphore.Weighted
	wg      sync.WaitGroup
}

// SetMetrics attaches optional pipeline metric instruments.
func (s *TaskExecutorService) SetMetrics(m *tfotel.Metrics) { s.metrics = m }

// SetToolRunner attaches the tool server connection. Without one,
// data-gathering tasks run on generation alone.
func (s *TaskExecutorService) SetToolRunner(r tools.Runner) { s.tools = r }

// NewTaskExecutorService creates a TaskExecutorService.
func NewTaskExecutorService(store database.Store, client llm.Client, gate *QualityGateService, hub broadcast.Broadcaster, c cache.Cache, cfg config.Executor) *TaskExecutorService {
	return &TaskExecutorService{
		store:  store,
		llm:    client,
		gate:   gate,
		hub:    hub,
		cache:  c,
		cfg:    cfg,
		global: semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		perWS:  make(map[string]*semaphore.Weighted),
	}
}

// Run polls for pending tasks until ctx is cancelled, then waits for
// in-flight executions to finish.
func (s *TaskExecutorService) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	slog.Info("task executor started", "poll_interval", s.cfg.PollInterval, "max_concurrent", s.cfg.MaxConcurrent)
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			slog.Info("task executor stopped")
			return
		case <-ticker.C:
			if err := s.pass(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("scheduling pass failed", "error", err)
			}
		}
	}
}

// pass claims and dispatches runnable tasks across all workspaces. Paused
// workspaces only run corrective tasks: a paused workspace must never block
// its own recovery path. Completed workspaces are skipped entirely.
func (s *TaskExecutorService) pass(ctx context.Context) error {
	workspaces, err := s.store.ListWorkspaces(ctx)
	if err != nil {
		return fmt.Errorf("list workspaces: %w", err)
	}

	for i := range workspaces {
		w := workspaces[i]
		if w.Status == workspace.StatusCompleted {
			continue
		}
		correctiveOnly := w.Status == workspace.StatusPaused || w.Status == workspace.StatusNeedsIntervention

		for {
			if !s.global.TryAcquire(1) {
				return nil // global ceiling reached, next tick continues
			}
			wsSem := s.workspaceSemaphore(w.ID)
			if !wsSem.TryAcquire(1) {
				s.global.Release(1)
				break
			}

			t, err := s.store.ClaimNextTask(ctx, w.ID, correctiveOnly)
			if err != nil {
				wsSem.Release(1)
				s.global.Release(1)
				if errors.Is(err, domain.ErrNotFound) {
					break
				}
				return fmt.Errorf("claim task in workspace %s: %w", w.ID, err)
			}

			s.wg.Add(1)
			go func(t *task.Task, requiresApproval bool) {
				defer s.wg.Done()
				defer s.global.Release(1)
				defer wsSem.Release(1)
				s.executeTask(ctx, t, requiresApproval)
			}(t, w.HumanReview)
		}
	}
	return nil
}

func (s *TaskExecutorService) workspaceSemaphore(workspaceID string) *semaphore.Weighted {
	s.mu.Lock()
	defer s.mu.Unlock()
	sem, ok := s.perWS[workspaceID]
	if !ok {
		sem = semaphore.NewWeighted(int64(s.cfg.MaxPerWorkspace))
		s.perWS[workspaceID] = sem
	}
	return sem
}

// executeTask runs one claimed task end to end: agent resolution, the LLM
// call, result normalization, terminal transition, and the quality gate.
func (s *TaskExecutorService) executeTask(ctx context.Context, t *task.Task, requiresApproval bool) {
	started := time.Now()

	a, err := s.resolveAgent(ctx, t)
	if err != nil {
		s.failTask(ctx, t, fmt.Errorf("resolve agent: %w", err))
		return
	}

	result, err := s.invokeAgent(ctx, t, a)
	if err != nil {
		s.failTask(ctx, t, err)
		return
	}

	status := task.StatusCompleted
	if requiresApproval {
		status = task.StatusPendingVerification
	}
	if err := s.store.UpdateTaskResult(ctx, t.ID, status, result, ""); err != nil {
		slog.Error("persist task result", "task_id", t.ID, "error", err)
		return
	}
	t.Status = status
	t.Result = result

	s.broadcastStatus(ctx, t)
	if s.metrics != nil {
		s.metrics.TasksCompleted.Add(ctx, 1)
		s.metrics.TaskDuration.Record(ctx, time.Since(started).Seconds())
		s.metrics.LLMTokens.Add(ctx, int64(result.TokensIn+result.TokensOut))
	}
	slog.Info("task executed",
		"task_id", t.ID,
		"workspace_id", t.WorkspaceID,
		"status", status,
		"duration_ms", time.Since(started).Milliseconds(),
		"tokens_in", result.TokensIn,
		"tokens_out", result.TokensOut,
	)

	// Verification-gated tasks hit the quality gate after human approval.
	if status == task.StatusCompleted {
		s.gate.ValidateTask(ctx, t, s.goalContext(ctx, t))
	}
}

// resolveAgent returns the task's assigned agent, or picks the best match
// among workable agents when the task was created unassigned.
func (s *TaskExecutorService) resolveAgent(ctx context.Context, t *task.Task) (*agent.Agent, error) {
	if t.AgentID != "" {
		a, err := s.store.GetAgent(ctx, t.AgentID)
		if err == nil && a.Status.CanAcceptWork() {
			return a, nil
		}
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		// Assigned agent gone or unworkable: fall through to re-matching.
	}

	agents, err := s.store.ListAgents(ctx, t.WorkspaceID)
	if err != nil {
		return nil, err
	}
	best := agent.BestMatch(agents, t.Name+" "+t.Description)
	if best == nil {
		return nil, fmt.Errorf("no workable agent in workspace %s", t.WorkspaceID)
	}
	return best, nil
}

// invokeAgent performs the LLM call for the task and normalizes the payload
// into the canonical Result exactly once, at this boundary. Downstream
// consumers never parse raw agent output.
func (s *TaskExecutorService) invokeAgent(ctx context.Context, t *task.Task, a *agent.Agent) (*task.Result, error) {
	system := fmt.Sprintf(`You are %s, a %s %s on a virtual business team. Complete the task below and report concrete results.

Rules:
- Output ONLY valid JSON, no markdown fences.
- Report quantified outcomes in the achievements map (metric name -> amount achieved).
- List produced artifacts in deliverables.
- content holds the actual produced material, not a description of it.`,
		a.Name, a.Seniority, a.Role)

	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n%s\n", sanitizePromptInput(t.Name), sanitizePromptInput(t.Description))
	if t.MetricType != "" {
		fmt.Fprintf(&b, "\nExpected contribution: %g toward metric %q\n", t.ContributionExpected, t.MetricType)
	}
	if t.RequiresTools && s.tools != nil {
		if gathered := s.gatherData(ctx, t); gathered != "" {
			fmt.Fprintf(&b, "\nData gathered from tools:\n%s\nGround your results in the gathered data above.\n", gathered)
		}
	}
	if insights := s.loadInsights(ctx, t); insights != "" {
		fmt.Fprintf(&b, "\nLessons from prior quality reviews:\n%s\n", insights)
	}
	b.WriteString(`
Output JSON:
{"status": "completed", "content": "...", "summary": "...", "achievements": {"metric": 0}, "deliverables": ["..."]}`)

	resp, err := s.llm.Complete(ctx, llm.Request{
		CallType: llm.CallGenerate,
		Messages: []llm.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: b.String()},
		},
		Temperature: 0.4,
	})
	if err != nil {
		return nil, fmt.Errorf("agent %s execution: %w", a.ID, err)
	}

	result := task.ParseResult([]byte(extractJSON(resp.Content)))
	result.TokensIn = resp.TokensIn
	result.TokensOut = resp.TokensOut
	return result, nil
}

type toolCall struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
}

type toolPlan struct {
	Calls []toolCall `json:"calls"`
}

// maxToolOutputBytes caps each tool result fed back into the prompt.
const maxToolOutputBytes = 4000

// gatherData routes a data-gathering task through the tool server: the model
// plans the calls against the advertised tool list, the runner executes them,
// and the collected output is folded into the execution prompt. Tool failures
// degrade to whatever was gathered; the task itself still runs.
func (s *TaskExecutorService) gatherData(ctx context.Context, t *task.Task) string {
	available, err := s.tools.ListTools(ctx)
	if err != nil || len(available) == 0 {
		slog.Warn("tool listing failed, executing without gathered data", "task_id", t.ID, "error", err)
		return ""
	}

	system := `You plan tool calls for a data-gathering task. Pick only tools from the list, with concrete arguments. Output ONLY valid JSON: {"calls": [{"tool": "...", "arguments": {...}}]}. Use an empty list when no tool helps.`

	var b strings.Builder
	b.WriteString("Available tools:\n")
	for _, tool := range available {
		fmt.Fprintf(&b, "- %s: %s\n", tool.Name, tool.Description)
	}
	fmt.Fprintf(&b, "\nTask: %s\n%s\n", sanitizePromptInput(t.Name), sanitizePromptInput(t.Description))

	plan, _, err := generateStructured[toolPlan](ctx, s.llm, llm.CallClassify, system, b.String())
	if err != nil {
		slog.Warn("tool planning failed, executing without gathered data", "task_id", t.ID, "error", err)
		return ""
	}

	calls := plan.Calls
	if len(calls) > s.cfg.MaxToolCalls {
		calls = calls[:s.cfg.MaxToolCalls]
	}

	var out strings.Builder
	for _, c := range calls {
		result, err := s.tools.CallTool(ctx, c.Tool, c.Arguments)
		if err != nil {
			slog.Warn("tool call failed", "task_id", t.ID, "tool", c.Tool, "error", err)
			continue
		}
		fmt.Fprintf(&out, "[%s]\n%s\n", c.Tool, truncate(result, maxToolOutputBytes))
	}
	return out.String()
}

// loadInsights pulls cached quality-gate suggestions for the task's metric.
func (s *TaskExecutorService) loadInsights(ctx context.Context, t *task.Task) string {
	if s.cache == nil || t.MetricType == "" {
		return ""
	}
	v, ok, err := s.cache.Get(ctx, "learning:"+t.WorkspaceID+":"+t.MetricType)
	if err != nil || !ok {
		return ""
	}
	return string(v)
}

func (s *TaskExecutorService) goalContext(ctx context.Context, t *task.Task) string {
	if t.GoalID == "" {
		return t.Description
	}
	g, err := s.store.GetGoal(ctx, t.GoalID)
	if err != nil {
		slog.Debug("load goal context", "task_id", t.ID, "error", err)
		return t.Description
	}
	return fmt.Sprintf("%s (metric %s, target %g %s, current %g)",
		g.Description, g.MetricType, g.TargetValue, g.Unit, g.CurrentValue)
}

func (s *TaskExecutorService) failTask(ctx context.Context, t *task.Task, cause error) {
	slog.Error("task failed", "task_id", t.ID, "workspace_id", t.WorkspaceID, "error", cause)
	if err := s.store.UpdateTaskResult(ctx, t.ID, task.StatusFailed, nil, cause.Error()); err != nil {
		slog.Error("persist task failure", "task_id", t.ID, "error", err)
		return
	}
	t.Status = task.StatusFailed
	s.broadcastStatus(ctx, t)
	if s.metrics != nil {
		s.metrics.TasksFailed.Add(ctx, 1)
	}
}

func (s *TaskExecutorService) broadcastStatus(ctx context.Context, t *task.Task) {
	if s.hub == nil {
		return
	}
	s.hub.BroadcastEvent(ctx, ws.EventTaskStatus, ws.TaskStatusEvent{
		TaskID:      t.ID,
		WorkspaceID: t.WorkspaceID,
		Status:      string(t.Status),
		AgentID:     t.AgentID,
	})
}
