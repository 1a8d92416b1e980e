// Package llm provides the advisory LLM layer: runbook suggestion for
// unmatched alerts and post-execution enrichment summaries. Providers
// translate a neutral completion request into a specific vendor API.
// Everything here is advisory; callers swallow failures and record them.
package llm

import (
	"context"
	"fmt"
	"time"
)

// Stable error codes for the advisory taxonomy.
const (
	CodeUnavailable = "unavailable"
	CodeTimeout     = "timeout"
	CodeRateLimit   = "rate_limit"
)

// Error is a structured provider failure.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("llm %s: %s", e.Code, e.Message)
}

// CompletionRequest is the neutral input to a completion call.
type CompletionRequest struct {
	// System is the system-level instruction.
	System string
	// Prompt is the single user message.
	Prompt string
	// Model overrides the provider's configured model.
	Model string
	// MaxTokens bounds the response length.
	MaxTokens int
}

// CompletionResponse is the neutral output of a completion call.
type CompletionResponse struct {
	Content      string
	Model        string
	InputTokens  int64
	OutputTokens int64
}

// Provider is the interface for LLM backends.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Complete sends a completion request and returns the response.
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)

	// Name returns the provider identifier (e.g. "anthropic", "openai").
	Name() string
}

// ProviderConfig holds connection details for a provider.
type ProviderConfig struct {
	Endpoint       string
	APIKey         string
	Model          string
	TimeoutSeconds int
	MaxRetries     int
}

func (c ProviderConfig) timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c ProviderConfig) retries() int {
	if c.MaxRetries <= 0 {
		return 2
	}
	return c.MaxRetries
}

// NewProvider builds the named provider. Supported names: anthropic,
// openai, mock.
func NewProvider(name string, cfg ProviderConfig) (Provider, error) {
	switch name {
	case "", "anthropic":
		return NewAnthropicProvider(cfg)
	case "openai":
		return NewOpenAIProvider(cfg)
	case "mock":
		return NewMockProviderSimple(""), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", name)
	}
}
