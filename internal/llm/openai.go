package llm

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIClient talks to the OpenAI chat completions API or any server
// compatible with it
type OpenAIClient struct {
	client  openai.Client
	apiKey  string
	model   string
	timeout time.Duration
}

// OpenAIConfig for the OpenAI client
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string // Empty for api.openai.com
	Model      string
	Timeout    time.Duration
	MaxRetries int
}

// DefaultOpenAIConfig returns sensible defaults
func DefaultOpenAIConfig() OpenAIConfig {
	return OpenAIConfig{
		APIKey:     os.Getenv("OPENAI_API_KEY"),
		Model:      "gpt-4o-mini",
		Timeout:    60 * time.Second,
		MaxRetries: 2,
	}
}

// NewOpenAIClient creates a new OpenAI client
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
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

	return &OpenAIClient{
		client:  openai.NewClient(opts...),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		timeout: cfg.Timeout,
	}
}

// Provider identifies the backend
func (c *OpenAIClient) Provider() Provider {
	return ProviderOpenAI
}

// Chat sends a system prompt and one user message
func (c *OpenAIClient) Chat(ctx context.Context, system, userMessage string, maxTokens int) (string, error) {
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if system != "" {
		messages = append(messages, openai.SystemMessage(system))
	}
	messages = append(messages, openai.UserMessage(userMessage))

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:               c.model,
		Messages:            messages,
		MaxCompletionTokens: openai.Int(int64(maxTokens)),
	})
	if err != nil {
		return "", fmt.Errorf("openai: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("openai: empty response")
	}

	log.WithFields(map[string]interface{}{
		"provider":          string(ProviderOpenAI),
		"prompt_tokens":     resp.Usage.PromptTokens,
		"completion_tokens": resp.Usage.CompletionTokens,
	}).Debug("Generated reply")
	return resp.Choices[0].Message.Content, nil
}

// IsConfigured checks if an API key is set
func (c *OpenAIClient) IsConfigured() bool {
	return c.apiKey != ""
}

// GetModel returns the current model
func (c *OpenAIClient) GetModel() string {
	return c.model
}
