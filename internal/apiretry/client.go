package apiretry

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"forge/internal/config"
	"forge/internal/metrics"
)

// Client wraps the Anthropic SDK client behind Runner's retry/breaker/
// rate-limit discipline, so every completion request a worker's chat
// command layer issues goes through the same Do path.
type Client struct {
	sdk    anthropic.Client
	runner *Runner
	model  string
}

// NewClient creates a Client from cfg's API key and default model.
func NewClient(cfg *config.Config, runner *Runner) *Client {
	return &Client{
		sdk:    anthropic.NewClient(option.WithAPIKey(cfg.AnthropicAPIKey)),
		runner: runner,
		model:  cfg.ClaudeModel,
	}
}

// Complete sends a single-turn message request, retried per Runner.Do, and
// returns the concatenated text of the response.
func (c *Client) Complete(ctx context.Context, prompt string, maxTokens int64) (string, error) {
	timer := metrics.NewTimer()
	var text string
	err := c.runner.Do(ctx, "anthropic.messages.create", func(ctx context.Context) error {
		resp, err := c.sdk.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     anthropic.Model(c.model),
			MaxTokens: maxTokens,
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
		if err != nil {
			return classifyError(err)
		}
		var b []byte
		for _, block := range resp.Content {
			if block.Type == "text" {
				b = append(b, block.Text...)
			}
		}
		text = string(b)
		return nil
	})
	timer.ObserveDurationVec(metrics.APICallDuration, c.model)
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	metrics.APICallsTotal.WithLabelValues(c.model, outcome).Inc()
	return text, err
}

// classifyError maps an SDK error to the taxonomy spec §4.8 requires:
// a 429 becomes ErrRateLimited so Runner.Do honors the server's
// Retry-After wait; 401/403 (bad credentials) and 400 (malformed
// request) become ErrNonRetryable so Runner.Do fails immediately
// instead of retrying an error that can't succeed on a later attempt.
// A response body that fails to decode is classified the same way.
func classifyError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429:
			if wait, ok := ParseRetryAfter(apiErr.Response.Header.Get("Retry-After")); ok {
				return &ErrRateLimited{RetryAfter: wait}
			}
			return &ErrRateLimited{}
		case 401, 403:
			return &ErrNonRetryable{Kind: "Auth", Message: apiErr.Error()}
		case 400:
			return &ErrNonRetryable{Kind: "BadRequest", Message: apiErr.Error()}
		}
		return err
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return &ErrNonRetryable{Kind: "Parse", Message: err.Error()}
	}
	return err
}
