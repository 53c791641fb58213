// Package deliverable defines the Deliverable domain entity and business
// asset value types.
package deliverable

import (
	"encoding/json"
	"strings"
	"time"
)

// Status represents the lifecycle state of a deliverable.
type Status string

const (
	StatusDraft        Status = "draft"
	StatusReady        Status = "ready"
	StatusInsufficient Status = "insufficient" // flagged for corrective follow-up
)

// AssetType classifies the kind of business artifact a goal calls for.
type AssetType string

const (
	AssetContactList   AssetType = "contact_list"
	AssetEmailSequence AssetType = "email_sequence"
	AssetReport        AssetType = "report"
)

// Deliverable is a synthesized business-usable artifact assembled from one or
// more completed task results. The (WorkspaceID, GoalID, Title) triple is
// unique at the persistence layer; re-synthesis updates in place.
type Deliverable struct {
	ID                 string          `json:"id"`
	WorkspaceID        string          `json:"workspace_id"`
	GoalID             string          `json:"goal_id,omitempty"`
	Title              string          `json:"title"`
	AssetType          AssetType       `json:"asset_type"`
	Content            json.RawMessage `json:"content"`
	Status             Status          `json:"status"`
	BusinessValueScore float64         `json:"business_value_score"` // 0..100
	ReadinessScore     float64         `json:"readiness_score"`      // 0..100
	QualityMetrics     QualityMetrics  `json:"quality_metrics"`
	Version            int             `json:"version"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// QualityMetrics aggregates quality-gate outcomes over the tasks feeding a
// deliverable.
type QualityMetrics struct {
	SourceTasks  int     `json:"source_tasks"`
	AverageScore float64 `json:"average_score"`
	GatePasses   int     `json:"gate_passes"`
}

// Contact is one extracted contact entity.
type Contact struct {
	Name    string `json:"name,omitempty"`
	Email   string `json:"email"`
	Company string `json:"company,omitempty"`
}

// ClassifyAsset infers the intended asset type from a goal description.
// Unrecognized descriptions default to a report, the most generic artifact.
func ClassifyAsset(goalDescription string) AssetType {
	d := strings.ToLower(goalDescription)
	switch {
	case containsAny(d, "email sequence", "email campaign", "drip", "outreach sequence", "newsletter"):
		return AssetEmailSequence
	case containsAny(d, "contact", "lead", "prospect", "icp", "mailing list"):
		return AssetContactList
	default:
		return AssetReport
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
