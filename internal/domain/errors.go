// Package domain provides shared domain-level sentinel errors and error types.
package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict (optimistic locking).
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrCapacity indicates an anti-loop or concurrency ceiling was hit. The
// affected task stays pending and is picked up on a later scheduling pass.
var ErrCapacity = errors.New("capacity ceiling reached")

// GenerationError indicates an LLM call failed or timed out. It is never
// retried silently inside the failing component; retry is caller policy.
type GenerationError struct {
	Reason    string
	Retryable bool
	Err       error
}

func (e *GenerationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("generation failed (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("generation failed (%s)", e.Reason)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// NewGenerationError wraps err as a GenerationError with the given reason.
func NewGenerationError(reason string, retryable bool, err error) *GenerationError {
	return &GenerationError{Reason: reason, Retryable: retryable, Err: err}
}

// ValidationError indicates a quality-gate or schema mismatch. Non-fatal:
// components recover it into a deterministic fallback result.
type ValidationError struct {
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Detail)
	}
	return "validation failed: " + e.Detail
}
