// Package llm defines the LLM gateway port (interface).
package llm

import "context"

// CallType selects the timeout and model policy for a request. Cheap
// classification calls run short; rich synthesis calls run long.
type CallType string

const (
	CallClassify   CallType = "classify"
	CallGenerate   CallType = "generate"
	CallSynthesize CallType = "synthesize"
)

// Message is one chat message in a completion request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a chat completion request. Model may be empty; the adapter
// resolves it from the call-type policy so no model name is hard-coded in
// core logic.
type Request struct {
	CallType    CallType  `json:"-"`
	Model       string    `json:"model,omitempty"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// Response is the completion returned by the gateway.
type Response struct {
	Content   string `json:"content"`
	Model     string `json:"model,omitempty"`
	TokensIn  int    `json:"tokens_in"`
	TokensOut int    `json:"tokens_out"`
}

// Client is the port interface for LLM completions. Implementations fail with
// *domain.GenerationError on quota, timeout, or transport errors.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}
