package task

import (
	"encoding/json"
	"strings"
)

// Result is the canonical structured output of an executed task. The executor
// normalizes every agent payload into this shape at the boundary; downstream
// consumers never parse raw agent output themselves. All fields are optional
// and consumers must tolerate any subset being absent.
type Result struct {
	Status       string             `json:"status,omitempty"`
	Content      string             `json:"content,omitempty"`
	Summary      string             `json:"summary,omitempty"`
	Achievements map[string]float64 `json:"achievements,omitempty"`
	Metrics      map[string]float64 `json:"metrics,omitempty"`
	Deliverables []string           `json:"deliverables,omitempty"`
	TokensIn     int                `json:"tokens_in,omitempty"`
	TokensOut    int                `json:"tokens_out,omitempty"`
}

// Contribution is one normalized (metric name, amount) pair derived from a
// task result.
type Contribution struct {
	Metric string
	Amount float64
}

// Contributions flattens the result's achievement shapes into a single set of
// (metric, amount) pairs. Achievements take precedence over metrics when the
// same key appears in both; deliverable entries count one unit each under the
// "deliverables" metric. A result with no recognized fields yields nil.
func (r *Result) Contributions() []Contribution {
	if r == nil {
		return nil
	}

	seen := make(map[string]bool)
	var out []Contribution

	for name, amount := range r.Achievements {
		key := normalizeMetric(name)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, Contribution{Metric: key, Amount: amount})
	}
	for name, amount := range r.Metrics {
		key := normalizeMetric(name)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, Contribution{Metric: key, Amount: amount})
	}
	if len(r.Deliverables) > 0 && !seen["deliverables"] {
		out = append(out, Contribution{Metric: "deliverables", Amount: float64(len(r.Deliverables))})
	}
	return out
}

// Text returns the best human-readable representation of the result, for
// semantic matching and asset synthesis.
func (r *Result) Text() string {
	if r == nil {
		return ""
	}
	if r.Content != "" {
		return r.Content
	}
	return r.Summary
}

// ParseResult decodes a raw agent payload into a canonical Result. Agent
// backends historically returned a bare JSON object, a double-encoded JSON
// string, or plain prose; all three are accepted here, once, so downstream
// components see exactly one shape.
func ParseResult(raw []byte) *Result {
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return &Result{}
	}

	var res Result
	if err := json.Unmarshal([]byte(text), &res); err == nil && !res.empty() {
		return &res
	}

	// Double-encoded: a JSON string containing a JSON object.
	var inner string
	if err := json.Unmarshal([]byte(text), &inner); err == nil {
		if err := json.Unmarshal([]byte(inner), &res); err == nil && !res.empty() {
			return &res
		}
		return &Result{Content: inner}
	}

	return &Result{Content: text}
}

func (r *Result) empty() bool {
	return r.Status == "" && r.Content == "" && r.Summary == "" &&
		len(r.Achievements) == 0 && len(r.Metrics) == 0 && len(r.Deliverables) == 0
}

// normalizeMetric lowercases and trims a metric key so that "Contacts_Generated"
// and "contacts generated" compare equal downstream.
func normalizeMetric(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.ReplaceAll(name, " ", "_")
	return strings.Trim(name, "_")
}
