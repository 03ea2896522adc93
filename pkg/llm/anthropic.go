package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/briefcast/briefcast/pkg/models"
)

// anthropicDefaultMaxTokens applies when the request does not set a cap; the
// Messages API requires one.
const anthropicDefaultMaxTokens = 8192

// AnthropicProvider implements Provider using the Anthropic Messages API.
// It has no schema-enforced output mode, so ResponseSchema is ignored and
// prompts carry the format contract. ReasoningEffort is likewise ignored.
type AnthropicProvider struct {
	client anthropic.Client
}

// NewAnthropic constructs the Anthropic provider with SDK retries disabled.
func NewAnthropic(apiKey string, opts ...Option) (*AnthropicProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic: api key must not be empty")
	}

	cfg := newConfig(opts)
	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
		option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}

	return &AnthropicProvider{client: anthropic.NewClient(reqOpts...)}, nil
}

// Name implements Provider.
func (p *AnthropicProvider) Name() string { return "anthropic" }

// Complete implements Provider.
func (p *AnthropicProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	maxTokens := req.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.UserPrompt)),
		},
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}

	message, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, classifyAnthropicError(err)
	}

	in := int(message.Usage.InputTokens)
	out := int(message.Usage.OutputTokens)
	return &Response{
		Text: messageText(message),
		Usage: Usage{
			InputTokens:  in,
			OutputTokens: out,
			TotalTokens:  in + out,
		},
	}, nil
}

func classifyAnthropicError(err error) error {
	wrapped := fmt.Errorf("anthropic: message: %w", err)

	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		switch {
		case apierr.StatusCode == http.StatusTooManyRequests:
			return &models.RateLimitError{RetryAfter: retryAfterHeader(apierr.Response), Err: wrapped}
		case apierr.StatusCode >= http.StatusInternalServerError:
			return models.Transient(wrapped)
		}
		return wrapped
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return wrapped
	}
	return models.Transient(wrapped)
}

// messageText joins the text blocks of a response.
func messageText(msg *anthropic.Message) string {
	var parts []string
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			parts = append(parts, tb.Text)
		}
	}
	return strings.Join(parts, "")
}
