// Package goal defines the Goal domain entity and its progress arithmetic.
package goal

import "time"

// Status represents the current state of a goal.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusPaused    Status = "paused"
)

// Goal is a quantified sub-objective extracted from a workspace's free-text
// goal. CurrentValue is mutated exclusively by the progress updater and is
// monotonically non-decreasing while the goal is active.
type Goal struct {
	ID              string            `json:"id"`
	WorkspaceID     string            `json:"workspace_id"`
	MetricType      string            `json:"metric_type"` // open string, domain-agnostic
	TargetValue     float64           `json:"target_value"`
	CurrentValue    float64           `json:"current_value"`
	Unit            string            `json:"unit,omitempty"`
	Description     string            `json:"description"`
	Status          Status            `json:"status"`
	Priority        int               `json:"priority"`
	Confidence      float64           `json:"confidence"` // extractor certainty, 0..1
	SemanticContext map[string]string `json:"semantic_context,omitempty"`
	Version         int               `json:"version"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Quantified is a goal candidate produced by extraction, before persistence.
type Quantified struct {
	MetricType      string            `json:"metric_type"`
	TargetValue     float64           `json:"target_value"`
	Unit            string            `json:"unit"`
	Description     string            `json:"description"`
	Confidence      float64           `json:"confidence"`
	SemanticContext map[string]string `json:"semantic_context,omitempty"`
}

// NeedsConfirmation reports whether the extraction confidence is below the
// threshold where a human should confirm the goal. Low-confidence goals are
// still persisted, never dropped.
func (q Quantified) NeedsConfirmation() bool {
	return q.Confidence < 0.5
}

// Remaining returns the gap between target and current value, never negative.
func (g *Goal) Remaining() float64 {
	r := g.TargetValue - g.CurrentValue
	if r < 0 {
		return 0
	}
	return r
}

// Met reports whether the goal has reached its target.
func (g *Goal) Met() bool {
	return g.CurrentValue >= g.TargetValue
}

// ApplyContribution adds amount to CurrentValue, capped at TargetValue plus
// the configured overshoot tolerance (0 by default). Negative amounts are
// ignored: progress is monotonic while the goal is active. It returns the
// delta actually applied and flips the status to completed when the target
// is reached.
func (g *Goal) ApplyContribution(amount, overshootTolerance float64) float64 {
	if amount <= 0 || g.Status != StatusActive {
		return 0
	}

	ceiling := g.TargetValue + overshootTolerance
	next := g.CurrentValue + amount
	if next > ceiling {
		next = ceiling
	}
	if next < g.CurrentValue {
		return 0
	}

	applied := next - g.CurrentValue
	g.CurrentValue = next
	if g.CurrentValue >= g.TargetValue {
		g.Status = StatusCompleted
	}
	return applied
}
