// Package agent defines the Agent domain entity.
//
// Status is the single source of truth for agent state. Earlier iterations of
// the system carried separate status vocabularies in the executor, the health
// manager, and the goal monitor; everything now consumes this one enum.
package agent

import (
	"strings"
	"time"
)

// Status represents the current state of an agent.
type Status string

const (
	StatusAvailable  Status = "available"
	StatusActive     Status = "active"
	StatusBusy       Status = "busy"
	StatusInactive   Status = "inactive"
	StatusFailed     Status = "failed"
	StatusTerminated Status = "terminated"
)

// CanAcceptWork reports whether an agent in this status may be assigned a task.
func (s Status) CanAcceptWork() bool {
	return s == StatusAvailable || s == StatusActive
}

// Seniority is the competence tier of an agent.
type Seniority string

const (
	SeniorityJunior Seniority = "junior"
	SenioritySenior Seniority = "senior"
	SeniorityExpert Seniority = "expert"
)

// Agent represents an AI specialist on a workspace's virtual team.
type Agent struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	Name        string    `json:"name"`
	Role        string    `json:"role"` // open string, domain-agnostic
	Seniority   Seniority `json:"seniority"`
	Skills      []string  `json:"skills,omitempty"`
	Status      Status    `json:"status"`
	Version     int       `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// MatchScore rates how well this agent fits a task description. Role and
// skill tokens found in the text each add weight; seniority breaks ties.
func (a *Agent) MatchScore(text string) int {
	if !a.Status.CanAcceptWork() {
		return -1
	}

	lower := strings.ToLower(text)
	score := 0
	for _, tok := range strings.Fields(strings.ToLower(a.Role)) {
		if strings.Contains(lower, tok) {
			score += 3
		}
	}
	for _, skill := range a.Skills {
		if skill != "" && strings.Contains(lower, strings.ToLower(skill)) {
			score += 2
		}
	}

	switch a.Seniority {
	case SeniorityExpert:
		score++
	case SeniorityJunior:
		if score > 0 {
			score--
		}
	}
	return score
}

// BestMatch returns the workable agent with the highest MatchScore for the
// given text, or nil when no agent can accept work.
func BestMatch(agents []Agent, text string) *Agent {
	var best *Agent
	bestScore := -1
	for i := range agents {
		if s := agents[i].MatchScore(text); s > bestScore {
			best = &agents[i]
			bestScore = s
		}
	}
	return best
}
