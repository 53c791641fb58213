// Package litellm implements the LLM gateway port over a LiteLLM proxy.
package litellm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/potentialgenie/teamflow/internal/config"
	"github.com/potentialgenie/teamflow/internal/domain"
	"github.com/potentialgenie/teamflow/internal/port/llm"
	"github.com/potentialgenie/teamflow/internal/resilience"
)

// Client talks to the LiteLLM proxy's OpenAI-compatible completion API.
// It is constructed once at startup and injected wherever completions are
// needed; nothing in the core instantiates its own gateway client.
type Client struct {
	cfg        config.LiteLLM
	httpClient *http.Client
	breaker    *resilience.Breaker
}

// NewClient creates a new LiteLLM gateway client.
func NewClient(cfg config.LiteLLM) *Client {
	return &Client{
		cfg: cfg,
		// Per-request deadlines come from the call-type policy; this is a
		// hard upper bound for stray requests.
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

// SetBreaker attaches a circuit breaker to all outgoing completion calls.
func (c *Client) SetBreaker(b *resilience.Breaker) {
	c.breaker = b
}

// Breaker returns the attached breaker, if any, for health reporting.
func (c *Client) Breaker() *resilience.Breaker {
	return c.breaker
}

type completionRequest struct {
	Model       string        `json:"model"`
	Messages    []llm.Message `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type completionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Complete sends a chat completion request. The model and deadline are
// resolved from the request's call type unless explicitly set. Failures are
// reported as *domain.GenerationError; timeouts and 429/5xx responses are
// marked retryable.
func (c *Client) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	model := req.Model
	if model == "" {
		model = c.modelFor(req.CallType)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeoutFor(req.CallType))
	defer cancel()

	body, err := json.Marshal(completionRequest{
		Model:       model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, domain.NewGenerationError("marshal request", false, err)
	}

	var result *llm.Response
	call := func() error {
		httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.cfg.URL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return domain.NewGenerationError("create request", false, err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if c.cfg.MasterKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+c.cfg.MasterKey)
		}

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			reason := "http request"
			if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() != nil {
				reason = "timeout"
			}
			return domain.NewGenerationError(reason, true, err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return domain.NewGenerationError("read response", true, err)
		}

		if resp.StatusCode >= 400 {
			retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
			return domain.NewGenerationError(
				fmt.Sprintf("gateway status %d", resp.StatusCode),
				retryable,
				fmt.Errorf("litellm error: %s", truncateBody(data)),
			)
		}

		var cr completionResponse
		if err := json.Unmarshal(data, &cr); err != nil {
			return domain.NewGenerationError("unmarshal response", false, err)
		}
		if len(cr.Choices) == 0 {
			return domain.NewGenerationError("empty completion", true, nil)
		}

		result = &llm.Response{
			Content:   cr.Choices[0].Message.Content,
			Model:     cr.Model,
			TokensIn:  cr.Usage.PromptTokens,
			TokensOut: cr.Usage.CompletionTokens,
		}
		return nil
	}

	if c.breaker != nil {
		if err := c.breaker.Execute(call); err != nil {
			if errors.Is(err, resilience.ErrCircuitOpen) {
				return nil, domain.NewGenerationError("circuit open", true, err)
			}
			return nil, err
		}
		return result, nil
	}

	if err := call(); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) modelFor(t llm.CallType) string {
	switch t {
	case llm.CallClassify:
		return c.cfg.ClassifyModel
	case llm.CallSynthesize:
		return c.cfg.SynthesizeModel
	default:
		return c.cfg.GenerateModel
	}
}

func (c *Client) timeoutFor(t llm.CallType) time.Duration {
	var d time.Duration
	switch t {
	case llm.CallClassify:
		d = c.cfg.ClassifyTimeout
	case llm.CallSynthesize:
		d = c.cfg.SynthesizeTimeout
	default:
		d = c.cfg.GenerateTimeout
	}
	if d <= 0 {
		d = 90 * time.Second
	}
	return d
}

func truncateBody(data []byte) string {
	const max = 500
	if len(data) > max {
		return string(data[:max]) + "..."
	}
	return string(data)
}
