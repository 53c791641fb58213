// Package messagequeue defines the message queue port (interface).
package messagequeue

import "context"

// Handler processes a message received from the queue.
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue is the port interface for publishing and subscribing to messages.
// Delivery is at-least-once: handlers must be idempotent.
type Queue interface {
	// Publish sends a message to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a durable handler for messages on the given subject.
	// The returned function cancels the subscription.
	Subscribe(ctx context.Context, subject, consumer string, handler Handler) (cancel func(), err error)

	// Close shuts down the queue connection.
	Close() error
}

// Subject constants for pipeline events.
const (
	SubjectTaskCompleted    = "pipeline.task.completed"
	SubjectQualityValidated = "pipeline.quality.validated"
	SubjectDeliverableReady = "pipeline.deliverable.ready"
	SubjectGoalProgressed   = "pipeline.goal.progressed"
)
