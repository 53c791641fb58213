// Package service implements the orchestration use-cases on top of the domain
// entities and ports.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/potentialgenie/teamflow/internal/domain"
	"github.com/potentialgenie/teamflow/internal/port/llm"
)

// generateStructured sends a system/user prompt pair through the LLM gateway
// and unmarshals the response into T. The model is resolved by the adapter
// from the call type, so no model name is hard-coded here. Parse failures are
// surfaced as non-retryable GenerationErrors: a malformed response is a prompt
// problem, not a transient one.
func generateStructured[T any](ctx context.Context, client llm.Client, callType llm.CallType, system, user string) (T, *llm.Response, error) {
	var out T

	resp, err := client.Complete(ctx, llm.Request{
		CallType: callType,
		Messages: []llm.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: 0.2,
	})
	if err != nil {
		return out, nil, fmt.Errorf("llm %s call: %w", callType, err)
	}

	content := extractJSON(resp.Content)
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		return out, resp, domain.NewGenerationError(
			fmt.Sprintf("parse %s response: %s", callType, truncate(resp.Content, 200)), false, err)
	}
	return out, resp, nil
}

// sanitizePromptInput strips control characters and common prompt injection
// patterns from user-supplied text before it is embedded in an LLM prompt.
// This prevents role-override attacks (e.g., "system: ignore all previous
// instructions") and fence escaping.
func sanitizePromptInput(s string) string {
	// Strip non-printable control characters (keep newlines, tabs, spaces).
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' || r == '\r' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)

	// Remove common prompt injection role markers at line beginnings.
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(strings.ToLower(line))
		for _, prefix := range []string{
			"system:", "assistant:", "user:", "[system]", "[assistant]",
			"<|system|>", "<|assistant|>", "<|im_start|>",
			"### system", "### assistant", "### instruction",
		} {
			if strings.HasPrefix(trimmed, prefix) {
				lines[i] = "[sanitized] " + line
				break
			}
		}
	}
	s = strings.Join(lines, "\n")

	// Enforce a reasonable length limit to prevent context flooding.
	const maxInputLen = 10000
	if len(s) > maxInputLen {
		s = s[:maxInputLen] + "\n[truncated]"
	}

	return s
}

// extractJSON attempts to extract a JSON object from a string that may contain
// markdown fences or other surrounding text.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)

	// Strip markdown code fences
	if strings.HasPrefix(s, "```json") {
		s = strings.TrimPrefix(s, "```json")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		return strings.TrimSpace(s)
	}
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		return strings.TrimSpace(s)
	}

	// Find first { and last }
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}

	return s
}

// truncate shortens s to at most n bytes for log and error messages.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
