// Package llm wraps the chat-completion providers used for topic scoring,
// digest script generation, and metadata generation behind one interface.
package llm

import (
	"context"
	"fmt"
	"time"
)

// defaultTimeout bounds a single completion call.
const defaultTimeout = 120 * time.Second

// Usage reports token consumption for one call.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// Schema requests provider-enforced structured output. Providers without a
// schema mode ignore it; prompts always carry the format contract as well.
type Schema struct {
	Name   string
	Schema map[string]any
}

// Request is one completion call.
type Request struct {
	Model           string
	SystemPrompt    string
	UserPrompt      string
	MaxOutputTokens int64
	// Temperature is forwarded when non-nil. Reasoning models reject
	// non-default temperatures, so unset means provider default.
	Temperature *float64
	// ReasoningEffort is forwarded for models that accept it ("minimal",
	// "low", "medium", "high").
	ReasoningEffort string
	ResponseSchema  *Schema
}

// Response carries the model output.
type Response struct {
	Text  string
	Usage Usage
}

// Provider executes one completion call against a hosted model.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
}

// config holds optional provider configuration.
type config struct {
	baseURL string
	timeout time.Duration
}

// Option is a functional option shared by the provider constructors.
type Option func(*config)

// WithBaseURL overrides the provider's default API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets the per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

func newConfig(opts []Option) *config {
	cfg := &config{timeout: defaultTimeout}
	for _, o := range opts {
		o(cfg)
	}
	return cfg
}

// ForProvider builds the provider selected in settings.
func ForProvider(name, apiKey string, opts ...Option) (Provider, error) {
	switch name {
	case "openai":
		return NewOpenAI(apiKey, opts...)
	case "anthropic":
		return NewAnthropic(apiKey, opts...)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", name)
	}
}
