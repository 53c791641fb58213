package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "teamflow"

// Metrics holds all Teamflow pipeline metric instruments.
type Metrics struct {
	TasksGenerated    metric.Int64Counter
	TasksDeduplicated metric.Int64Counter
	TasksCompleted    metric.Int64Counter
	TasksFailed       metric.Int64Counter
	QualityPasses     metric.Int64Counter
	QualityFailures   metric.Int64Counter
	ProgressApplied   metric.Int64Counter
	GoalsCompleted    metric.Int64Counter
	TaskDuration      metric.Float64Histogram
	LLMTokens         metric.Int64Counter
}

// NewMetrics creates all metric instruments against the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.TasksGenerated, err = meter.Int64Counter("teamflow.tasks.generated",
		metric.WithDescription("Number of tasks created by the planner"))
	if err != nil {
		return nil, err
	}

	m.TasksDeduplicated, err = meter.Int64Counter("teamflow.tasks.deduplicated",
		metric.WithDescription("Number of task candidates dropped as duplicates"))
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("teamflow.tasks.completed",
		metric.WithDescription("Number of tasks completed"))
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("teamflow.tasks.failed",
		metric.WithDescription("Number of tasks failed"))
	if err != nil {
		return nil, err
	}

	m.QualityPasses, err = meter.Int64Counter("teamflow.quality.passes",
		metric.WithDescription("Number of quality gate passes"))
	if err != nil {
		return nil, err
	}

	m.QualityFailures, err = meter.Int64Counter("teamflow.quality.failures",
		metric.WithDescription("Number of quality gate failures"))
	if err != nil {
		return nil, err
	}

	m.ProgressApplied, err = meter.Int64Counter("teamflow.progress.applied",
		metric.WithDescription("Number of goal progress contributions applied"))
	if err != nil {
		return nil, err
	}

	m.GoalsCompleted, err = meter.Int64Counter("teamflow.goals.completed",
		metric.WithDescription("Number of goals driven to completion"))
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("teamflow.task.duration_seconds",
		metric.WithDescription("Task execution duration in seconds"))
	if err != nil {
		return nil, err
	}

	m.LLMTokens, err = meter.Int64Counter("teamflow.llm.tokens",
		metric.WithDescription("LLM tokens consumed"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
