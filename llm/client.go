// Package llm provides a provider-agnostic LLM client with retry support.
// Providers register themselves at init time; the registry is frozen on
// first use.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`    // "system", "user", "assistant", or "tool"
	Content string `json:"content"` // Message content
}

// Request defines an LLM completion request.
type Request struct {
	// Provider selects the registered provider; empty means "openai".
	Provider string

	// Model is the concrete model name sent to the provider.
	Model string

	// Messages is the chat history to send to the LLM.
	Messages []Message

	// Temperature controls randomness. nil uses the provider default.
	Temperature *float64

	// MaxTokens limits response length. 0 uses the provider default.
	MaxTokens int
}

// TokenUsage represents token consumption details for an LLM call.
type TokenUsage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	CostUSD          float64 `json:"cost_usd,omitempty"`
}

// Response contains the LLM completion result.
type Response struct {
	// Content is the generated text.
	Content string

	// Model is the actual model that was used.
	Model string

	// Usage contains token consumption metrics when the provider reports them.
	Usage TokenUsage

	// FinishReason indicates why generation stopped.
	FinishReason string
}

// Provider is a single LLM backend.
type Provider interface {
	// Name returns the provider identifier used in node configuration.
	Name() string

	// Complete performs one chat completion. Retries are the client's job;
	// providers return the raw outcome.
	Complete(ctx context.Context, req Request) (*Response, error)
}

var (
	providersMu sync.Mutex
	providers   = make(map[string]Provider)
	frozen      bool
)

// RegisterProvider adds a provider to the global registry. Called from
// provider package init functions; registration after the registry froze
// panics, matching the construct-then-freeze contract.
func RegisterProvider(p Provider) {
	providersMu.Lock()
	defer providersMu.Unlock()
	if frozen {
		panic("llm: RegisterProvider called after registry was frozen")
	}
	providers[p.Name()] = p
}

// lookupProvider freezes the registry on first use and returns the provider.
func lookupProvider(name string) (Provider, error) {
	providersMu.Lock()
	defer providersMu.Unlock()
	frozen = true
	if name == "" {
		name = "openai"
	}
	p, ok := providers[name]
	if !ok {
		names := make([]string, 0, len(providers))
		for n := range providers {
			names = append(names, n)
		}
		sort.Strings(names)
		return nil, fmt.Errorf("llm provider %q not registered (have %v)", name, names)
	}
	return p, nil
}

// Client wraps providers with retry and exponential backoff.
type Client struct {
	retryConfig RetryConfig
	logger      *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithRetryConfig sets the retry configuration.
func WithRetryConfig(cfg RetryConfig) ClientOption {
	return func(c *Client) {
		c.retryConfig = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates an LLM client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		retryConfig: DefaultRetryConfig(),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Complete performs a chat completion with retry and capped backoff.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	provider, err := lookupProvider(req.Provider)
	if err != nil {
		return nil, err
	}
	if req.Model == "" {
		return nil, fmt.Errorf("llm request: model is required")
	}

	var lastErr error
	for attempt := 0; attempt < c.retryConfig.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := c.retryConfig.backoffFor(attempt - 1)
			c.logger.Debug("Retrying LLM request",
				"provider", provider.Name(),
				"model", req.Model,
				"attempt", attempt+1,
				"delay", delay)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		resp, err := provider.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Warn("LLM request failed",
			"provider", provider.Name(),
			"model", req.Model,
			"attempt", attempt+1,
			"error", err)
	}
	return nil, fmt.Errorf("llm request failed after %d attempts: %w", c.retryConfig.MaxAttempts, lastErr)
}
