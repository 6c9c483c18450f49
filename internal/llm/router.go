package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/quantumlife/pulse/internal/config"
	"github.com/quantumlife/pulse/internal/logging"
)

var log = logging.WithField("component", "llm")

// Provider represents an LLM provider
type Provider string

const (
	ProviderClaude Provider = "claude"
	ProviderOpenAI Provider = "openai"
	ProviderOllama Provider = "ollama"
)

// ErrNoProvider is returned when no backend is configured
var ErrNoProvider = errors.New("no AI provider configured")

// Router sends requests to the first configured backend that answers,
// in preference order.
type Router struct {
	backends []Backend

	mu    sync.RWMutex
	stats RouterStats
}

// RouterStats tracks router usage
type RouterStats struct {
	Requests         map[Provider]int64 `json:"requests"`
	Failures         map[Provider]int64 `json:"failures"`
	FallbackCount    int64              `json:"fallback_count"`
	AverageLatencyMs int64              `json:"average_latency_ms"`
}

// NewRouter creates a router over backends in preference order. Nil
// backends are skipped.
func NewRouter(backends ...Backend) *Router {
	r := &Router{
		stats: RouterStats{
			Requests: make(map[Provider]int64),
			Failures: make(map[Provider]int64),
		},
	}
	for _, b := range backends {
		if b != nil {
			r.backends = append(r.backends, b)
		}
	}
	return r
}

// NewRouterFromConfig builds the backends named in cfg.Providers, in
// that order. Unknown names are logged and skipped.
func NewRouterFromConfig(cfg config.AIConfig) *Router {
	var backends []Backend
	for _, name := range cfg.Providers {
		switch Provider(strings.ToLower(strings.TrimSpace(name))) {
		case ProviderClaude:
			c := DefaultConfig()
			c.APIKey = cfg.Claude.APIKey
			if cfg.Claude.Model != "" {
				c.Model = cfg.Claude.Model
			}
			backends = append(backends, NewClient(c))
		case ProviderOpenAI:
			c := DefaultOpenAIConfig()
			c.APIKey = cfg.OpenAI.APIKey
			c.BaseURL = cfg.OpenAI.BaseURL
			if cfg.OpenAI.Model != "" {
				c.Model = cfg.OpenAI.Model
			}
			backends = append(backends, NewOpenAIClient(c))
		case ProviderOllama:
			c := DefaultOllamaConfig()
			if cfg.Ollama.URL != "" {
				c.BaseURL = cfg.Ollama.URL
			}
			if cfg.Ollama.Model != "" {
				c.Model = cfg.Ollama.Model
			}
			backends = append(backends, NewOllamaClient(c))
		default:
			log.Warn("Unknown AI provider %q, skipping", name)
		}
	}
	return NewRouter(backends...)
}

// RouteRequest represents a request to be routed
type RouteRequest struct {
	System    string
	Prompt    string
	MaxTokens int

	// PreferredProvider is tried first when configured
	PreferredProvider Provider
}

// RouteResponse contains the response and metadata
type RouteResponse struct {
	Content     string
	Provider    Provider
	LatencyMs   int64
	WasFallback bool
}

// Route sends a request to the first backend that succeeds
func (r *Router) Route(ctx context.Context, req RouteRequest) (*RouteResponse, error) {
	order := r.order(req.PreferredProvider)
	if len(order) == 0 {
		return nil, ErrNoProvider
	}

	start := time.Now()
	var errs []error
	for i, b := range order {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		content, err := b.Chat(ctx, req.System, req.Prompt, req.MaxTokens)
		if err != nil {
			r.recordFailure(b.Provider())
			log.WithField("provider", string(b.Provider())).Warn("Generation failed: %v", err)
			errs = append(errs, fmt.Errorf("%s: %w", b.Provider(), err))
			continue
		}

		latency := time.Since(start).Milliseconds()
		r.recordSuccess(b.Provider(), latency, i > 0)
		return &RouteResponse{
			Content:     content,
			Provider:    b.Provider(),
			LatencyMs:   latency,
			WasFallback: i > 0,
		}, nil
	}
	return nil, fmt.Errorf("all providers failed: %w", errors.Join(errs...))
}

// order lists configured backends, preferred first
func (r *Router) order(preferred Provider) []Backend {
	var first, rest []Backend
	for _, b := range r.backends {
		if !b.IsConfigured() {
			continue
		}
		if b.Provider() == preferred {
			first = append(first, b)
		} else {
			rest = append(rest, b)
		}
	}
	return append(first, rest...)
}

// GenerateResponse drafts a chat reply in the given tone, at most
// maxLength characters long.
func (r *Router) GenerateResponse(ctx context.Context, prompt, tone string, maxLength int) (string, error) {
	resp, err := r.Route(ctx, RouteRequest{
		System:    replySystemPrompt(tone, maxLength),
		Prompt:    prompt,
		MaxTokens: tokensFor(maxLength),
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}

func replySystemPrompt(tone string, maxLength int) string {
	if tone == "" {
		tone = "friendly"
	}
	var b strings.Builder
	b.WriteString("You write short chat replies on the user's behalf. ")
	fmt.Fprintf(&b, "Use a %s tone. ", tone)
	if maxLength > 0 {
		fmt.Fprintf(&b, "Keep the reply under %d characters. ", maxLength)
	}
	b.WriteString("Answer with the reply text only, no quotes or preamble.")
	return b.String()
}

// tokensFor budgets output tokens for a character limit
func tokensFor(maxLength int) int {
	if maxLength <= 0 {
		return 256
	}
	return max(64, maxLength/3+32)
}

func (r *Router) recordSuccess(p Provider, latencyMs int64, fallback bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stats.Requests[p]++
	if fallback {
		r.stats.FallbackCount++
	}

	// Update average latency (simple moving average)
	var total int64
	for _, n := range r.stats.Requests {
		total += n
	}
	r.stats.AverageLatencyMs = (r.stats.AverageLatencyMs*(total-1) + latencyMs) / total
}

func (r *Router) recordFailure(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.Failures[p]++
}

// GetStats returns router statistics
func (r *Router) GetStats() RouterStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := RouterStats{
		Requests:         make(map[Provider]int64, len(r.stats.Requests)),
		Failures:         make(map[Provider]int64, len(r.stats.Failures)),
		FallbackCount:    r.stats.FallbackCount,
		AverageLatencyMs: r.stats.AverageLatencyMs,
	}
	for k, v := range r.stats.Requests {
		out.Requests[k] = v
	}
	for k, v := range r.stats.Failures {
		out.Failures[k] = v
	}
	return out
}

// Providers lists the configured providers in preference order
func (r *Router) Providers() []Provider {
	var out []Provider
	for _, b := range r.order("") {
		out = append(out, b.Provider())
	}
	return out
}

// HealthCheck reports which providers are configured. Ollama is pinged.
func (r *Router) HealthCheck(ctx context.Context) map[Provider]bool {
	health := make(map[Provider]bool)
	for _, b := range r.backends {
		ok := b.IsConfigured()
		if o, isOllama := b.(*OllamaClient); isOllama && ok {
			ok = o.Ping(ctx)
		}
		health[b.Provider()] = ok
	}
	return health
}
