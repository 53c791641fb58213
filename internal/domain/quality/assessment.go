// Package quality defines the quality-gate assessment value object.
package quality

// Assessment is the outcome of evaluating a produced asset against its goal
// context. Passes is set by the evaluating model independently of Score: a
// mid-score early draft can legitimately pass while a high-score asset that
// misses the goal's intent can fail.
type Assessment struct {
	Passes      bool     `json:"passes_quality_gate"`
	Score       float64  `json:"score"` // 0..100 inclusive
	Reasoning   string   `json:"reasoning,omitempty"`
	Suggestions []string `json:"improvement_suggestions,omitempty"`
}

// Failed is the deterministic assessment returned when the underlying LLM
// call fails: callers always receive a well-formed result.
func Failed(reason string) Assessment {
	return Assessment{
		Passes:    false,
		Score:     0,
		Reasoning: reason,
	}
}

// Clamp forces Score into the valid 0..100 range.
func (a *Assessment) Clamp() {
	if a.Score < 0 {
		a.Score = 0
	}
	if a.Score > 100 {
		a.Score = 100
	}
}
