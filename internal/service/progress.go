package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	tfotel "github.com/potentialgenie/teamflow/internal/adapter/otel"
	"github.com/potentialgenie/teamflow/internal/adapter/ws"
	"github.com/potentialgenie/teamflow/internal/config"
	"github.com/potentialgenie/teamflow/internal/domain"
	"github.com/potentialgenie/teamflow/internal/domain/event"
	"github.com/potentialgenie/teamflow/internal/domain/goal"
	"github.com/potentialgenie/teamflow/internal/domain/task"
	"github.com/potentialgenie/teamflow/internal/port/broadcast"
	"github.com/potentialgenie/teamflow/internal/port/database"
	"github.com/potentialgenie/teamflow/internal/port/llm"
	"github.com/potentialgenie/teamflow/internal/port/messagequeue"
)

// GoalProgressUpdaterService reconciles completed-task achievements against
// goal progress. Application is exactly-once per terminal completed
// transition: the task row's progress-applied marker is claimed before any
// goal mutation, so a redelivered completion event is a no-op. A failed
// application releases the claim, so redelivery still applies it.
type GoalProgressUpdaterService struct {
	store   database.Store
	llm     llm.Client
	queue   messagequeue.Queue
	hub     broadcast.Broadcaster
	planner *TaskPlannerService
	cfg     config.Progress
	metrics *tfotel.Metrics
}

// SetMetrics attaches optional pipeline metric instruments.
func (s *GoalProgressUpdaterService) SetMetrics(m *tfotel.Metrics) { s.metrics = m }

// NewGoalProgressUpdaterService creates a GoalProgressUpdaterService.
func NewGoalProgressUpdaterService(store database.Store, client llm.Client, queue messagequeue.Queue, hub broadcast.Broadcaster, planner *TaskPlannerService, cfg config.Progress) *GoalProgressUpdaterService {
	return &GoalProgressUpdaterService{store: store, llm: client, queue: queue, hub: hub, planner: planner, cfg: cfg}
}

// ApplyTaskCompletion applies the task's contributions to the matched goal.
// Safe to call more than once for the same task; only the first call applies.
func (s *GoalProgressUpdaterService) ApplyTaskCompletion(ctx context.Context, taskID string) (err error) {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("get task: %w", err)
	}
	if t.Status != task.StatusCompleted {
		slog.Debug("task not in completed state, skipping progress", "task_id", taskID, "status", t.Status)
		return nil
	}

	// Claim the single application slot before touching any goal.
	if err := s.store.MarkTaskProgressApplied(ctx, taskID); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			slog.Debug("progress already applied", "task_id", taskID)
			return nil
		}
		return fmt.Errorf("claim progress application: %w", err)
	}
	// A failure past this point must release the claim: a redelivered event
	// would otherwise hit the marker conflict, no-op, and lose the
	// contribution for good.
	defer func() {
		if err == nil {
			return
		}
		release := context.WithoutCancel(ctx)
		if uerr := s.store.UnmarkTaskProgressApplied(release, taskID); uerr != nil {
			slog.Error("release progress claim", "task_id", taskID, "error", uerr)
		}
	}()

	contributions := t.Result.Contributions()
	if len(contributions) == 0 {
		slog.Info("task result carries no recognized achievements", "task_id", taskID)
		return nil
	}

	g, err := s.matchGoal(ctx, t)
	if err != nil {
		return err
	}
	if g == nil {
		slog.Info("no active goal matches task result", "task_id", taskID)
		return nil
	}

	amount := contributionAmount(contributions, g)
	if amount <= 0 {
		slog.Debug("no contribution toward matched goal", "task_id", taskID, "goal_id", g.ID)
		return nil
	}

	applied, err := s.applyWithRetry(ctx, g.ID, amount)
	if err != nil {
		return err
	}

	slog.Info("goal progress applied",
		"task_id", taskID,
		"goal_id", g.ID,
		"amount", amount,
		"applied", applied.delta,
		"current_value", applied.goal.CurrentValue,
		"target_value", applied.goal.TargetValue,
	)

	s.announce(ctx, applied.goal)
	if s.metrics != nil {
		s.metrics.ProgressApplied.Add(ctx, 1)
		if applied.goal.Status == goal.StatusCompleted {
			s.metrics.GoalsCompleted.Add(ctx, 1)
		}
	}

	if applied.goal.Status == goal.StatusCompleted {
		return nil
	}
	// Still under target: re-trigger planning, bounded by the anti-loop window.
	if _, err := s.planner.Plan(ctx, applied.goal); err != nil && !errors.Is(err, domain.ErrCapacity) {
		slog.Error("replanning after progress update", "goal_id", applied.goal.ID, "error", err)
	}
	return nil
}

type appliedUpdate struct {
	goal  *goal.Goal
	delta float64
}

// applyWithRetry performs the capped monotonic update under optimistic
// concurrency. On a version conflict the goal is reloaded and the arithmetic
// redone, up to the configured retry budget: two tasks completing against the
// same goal near-simultaneously must not lose an update.
func (s *GoalProgressUpdaterService) applyWithRetry(ctx context.Context, goalID string, amount float64) (*appliedUpdate, error) {
	for attempt := 0; attempt <= s.cfg.MaxUpdateRetries; attempt++ {
		g, err := s.store.GetGoal(ctx, goalID)
		if err != nil {
			return nil, fmt.Errorf("reload goal: %w", err)
		}

		delta := g.ApplyContribution(amount, s.cfg.OvershootTolerance)
		if delta == 0 {
			return &appliedUpdate{goal: g}, nil
		}

		if err := s.store.UpdateGoalProgress(ctx, g); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				continue
			}
			return nil, fmt.Errorf("persist goal progress: %w", err)
		}
		return &appliedUpdate{goal: g, delta: delta}, nil
	}
	return nil, fmt.Errorf("goal %s progress update: retries exhausted: %w", goalID, domain.ErrConflict)
}

// matchGoal resolves which goal the task contributes to. A direct goal link
// wins. Otherwise the AI matcher selects the best fit across all active
// goals; when that call fails, the deterministic keyword fallback takes over.
// Neither path ever defaults to the first active goal.
func (s *GoalProgressUpdaterService) matchGoal(ctx context.Context, t *task.Task) (*goal.Goal, error) {
	if t.GoalID != "" {
		g, err := s.store.GetGoal(ctx, t.GoalID)
		if err != nil {
			return nil, fmt.Errorf("get linked goal: %w", err)
		}
		if g.Status != goal.StatusActive {
			return nil, nil
		}
		return g, nil
	}

	goals, err := s.store.ListActiveGoals(ctx, t.WorkspaceID)
	if err != nil {
		return nil, fmt.Errorf("list active goals: %w", err)
	}
	if len(goals) == 0 {
		return nil, nil
	}
	if len(goals) == 1 {
		return &goals[0], nil
	}

	text := t.Name + " " + t.Description + " " + t.Result.Text()

	if idx, err := s.matchGoalAI(ctx, text, goals); err == nil && idx >= 0 {
		return &goals[idx], nil
	} else if err != nil {
		slog.Warn("ai goal matching failed, using keyword fallback", "task_id", t.ID, "error", err)
	}

	return &goals[matchGoalFallback(text, goals)], nil
}

type goalMatch struct {
	Index      int     `json:"index"`
	Confidence float64 `json:"confidence"`
}

func (s *GoalProgressUpdaterService) matchGoalAI(ctx context.Context, text string, goals []goal.Goal) (int, error) {
	system := `You match a completed task's output to the goal it contributes to. Consider meaning, not keyword equality. Output ONLY valid JSON: {"index": 0, "confidence": 0.9}. Use index -1 only when no goal is a plausible fit.`

	var b strings.Builder
	b.WriteString("Goals:\n")
	for i := range goals {
		fmt.Fprintf(&b, "%d: [%s] %s (target %g %s)\n", i, goals[i].MetricType, goals[i].Description, goals[i].TargetValue, goals[i].Unit)
	}
	b.WriteString("\nTask output:\n")
	b.WriteString(sanitizePromptInput(text))

	m, _, err := generateStructured[goalMatch](ctx, s.llm, llm.CallClassify, system, b.String())
	if err != nil {
		return -1, err
	}
	if m.Index < 0 || m.Index >= len(goals) || m.Confidence < 0.3 {
		return -1, nil
	}
	return m.Index, nil
}

// matchGoalFallback deterministically picks the goal whose metric type and
// description best keyword-overlap the text. Scoreless inputs are spread
// across goals by content hash instead of collapsing onto the first goal.
func matchGoalFallback(text string, goals []goal.Goal) int {
	bestIdx := -1
	bestScore := 0.0
	for i := range goals {
		score := keywordOverlap(text, goals[i].MetricType+" "+goals[i].Description)
		if score > bestScore {
			bestScore = score
			bestIdx = i
		}
	}
	if bestIdx >= 0 {
		return bestIdx
	}
	return int(hashText(text) % uint64(len(goals)))
}

// contributionAmount sums the contributions applicable to the goal. A pair
// whose metric matches the goal's metric type counts directly; when none
// matches, the task's expected contribution is NOT substituted in: only
// declared achievements move progress.
func contributionAmount(contributions []task.Contribution, g *goal.Goal) float64 {
	goalMetric := normalizeMetricKey(g.MetricType)

	total := 0.0
	matched := false
	for _, c := range contributions {
		if metricMatches(c.Metric, goalMetric) {
			total += c.Amount
			matched = true
		}
	}
	if matched {
		return total
	}

	// Single-contribution results from a goal-linked task count even when the
	// metric name was phrased differently.
	if len(contributions) == 1 {
		return contributions[0].Amount
	}
	return 0
}

// metricMatches compares metric keys loosely: exact match or one containing
// the other ("contacts_generated" matches goal metric "contacts").
func metricMatches(metric, goalMetric string) bool {
	if metric == goalMetric {
		return true
	}
	return strings.Contains(metric, goalMetric) || strings.Contains(goalMetric, metric)
}

func (s *GoalProgressUpdaterService) announce(ctx context.Context, g *goal.Goal) {
	if s.hub != nil {
		s.hub.BroadcastEvent(ctx, ws.EventGoalProgress, ws.GoalProgressEvent{
			GoalID:       g.ID,
			WorkspaceID:  g.WorkspaceID,
			CurrentValue: g.CurrentValue,
			TargetValue:  g.TargetValue,
			Status:       string(g.Status),
		})
	}

	evType := event.TypeGoalProgressed
	if g.Status == goal.StatusCompleted {
		evType = event.TypeGoalCompleted
	}
	ev := event.PipelineEvent{
		ID:              uuid.NewString(),
		Type:            evType,
		SourceComponent: TargetProgressUpdater,
		WorkspaceID:     g.WorkspaceID,
		GoalID:          g.ID,
		CreatedAt:       time.Now().UTC(),
	}
	if payload, err := json.Marshal(ev); err == nil {
		if err := s.queue.Publish(ctx, messagequeue.SubjectGoalProgressed, payload); err != nil {
			slog.Error("publish goal progress event", "goal_id", g.ID, "error", err)
		}
	}
}
