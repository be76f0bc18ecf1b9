package decompose

import (
	"context"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/loomctl/loom/pkg/apierr"
)

// Client is the completion interface the decomposer depends on
type Client interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// AnthropicClient talks to the Anthropic messages API. The API key comes
// from ANTHROPIC_API_KEY in the environment.
type AnthropicClient struct {
	client anthropic.Client
	model  string
}

// NewAnthropicClient creates a client for the given model
func NewAnthropicClient(model string) *AnthropicClient {
	return &AnthropicClient{
		client: anthropic.NewClient(),
		model:  model,
	}
}

// Complete sends one prompt and returns the concatenated text blocks
func (c *AnthropicClient) Complete(ctx context.Context, system, prompt string) (string, error) {
	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: 4096,
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", apierr.Timeout("llm_timeout", "completion deadline exceeded").Wrap(err)
		}
		return "", apierr.Transient("llm_request_failed", "completion request failed").Wrap(err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), nil
}
