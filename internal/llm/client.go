// Package llm provides the text generation backends behind ai_generate
// actions.
package llm

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Backend is one text generation provider
type Backend interface {
	Provider() Provider
	// Chat sends a single-turn exchange and returns the reply text
	Chat(ctx context.Context, system, userMessage string, maxTokens int) (string, error)
	// IsConfigured reports whether the backend has what it needs to be tried
	IsConfigured() bool
}

// Client handles Claude API calls
type Client struct {
	client  anthropic.Client
	apiKey  string
	model   string
	timeout time.Duration
}

// Config for the Claude client
type Config struct {
	APIKey     string // Anthropic API key
	BaseURL    string // API base URL, empty for the SDK default
	Model      string // Model to use
	Timeout    time.Duration
	MaxRetries int
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	return Config{
		APIKey:     apiKey,
		Model:      "claude-sonnet-4-20250514",
		Timeout:    60 * time.Second,
		MaxRetries: 2,
	}
}

// NewClient creates a new Claude client
func NewClient(cfg Config) *Client {
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-20250514"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Client{
		client:  anthropic.NewClient(opts...),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		timeout: cfg.Timeout,
	}
}

// Provider identifies the backend
func (c *Client) Provider() Provider {
	return ProviderClaude
}

// Chat sends a system prompt and one user message
func (c *Client) Chat(ctx context.Context, system, userMessage string, maxTokens int) (string, error) {
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userMessage)),
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("claude: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return "", fmt.Errorf("claude: empty response")
	}

	log.WithFields(map[string]interface{}{
		"provider":      string(ProviderClaude),
		"input_tokens":  resp.Usage.InputTokens,
		"output_tokens": resp.Usage.OutputTokens,
	}).Debug("Generated %d chars", text.Len())
	return text.String(), nil
}

// IsConfigured checks if API key is set
func (c *Client) IsConfigured() bool {
	return c.apiKey != ""
}

// GetModel returns the current model
func (c *Client) GetModel() string {
	return c.model
}
