// Package config handles Pulse configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration
type Config struct {
	// Paths
	DataDir string `json:"data_dir"`

	// Server
	Server ServerConfig `json:"server"`

	// Persistence
	Storage StorageConfig `json:"storage"`

	// Core
	Window   WindowConfig   `json:"window"`
	Rules    RulesConfig    `json:"rules"`
	Insights InsightsConfig `json:"insights"`
	Dispatch DispatchConfig `json:"dispatch"`
	Lexicon  LexiconConfig  `json:"lexicon"`

	// Services
	AI    AIConfig    `json:"ai"`
	Redis RedisConfig `json:"redis"`

	Logging LoggingConfig `json:"logging"`
}

// ServerConfig for HTTP server
type ServerConfig struct {
	Port           int      `json:"port"`
	Host           string   `json:"host"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
}

// StorageConfig selects the SQLite driver and database file.
// Driver is "sqlite" (pure Go) or "sqlite3" (cgo).
type StorageConfig struct {
	Driver string `json:"driver"`
	Path   string `json:"path,omitempty"` // Defaults to DataDir/pulse.db
}

// WindowConfig bounds each conversation window
type WindowConfig struct {
	MaxMessages int `json:"max_messages"`
	MaxAgeHours int `json:"max_age_hours"` // 0 disables age eviction
}

// RulesConfig for the rule engine
type RulesConfig struct {
	Timezone            string `json:"timezone"` // IANA name used for schedules and time conditions
	TickIntervalSeconds int    `json:"tick_interval_seconds"`
}

// InsightsConfig for the insight generator
type InsightsConfig struct {
	StaleDays int `json:"stale_days"`
}

// DispatchConfig for the action dispatcher
type DispatchConfig struct {
	MaxAttempts            int `json:"max_attempts"`
	InitialBackoffMillis   int `json:"initial_backoff_ms"`
	GenerateTimeoutSeconds int `json:"generate_timeout_seconds"`
	ActionTimeoutSeconds   int `json:"action_timeout_seconds"`
	MaxConcurrent          int `json:"max_concurrent"`
	RecentLimit            int `json:"recent_limit"`
}

// LexiconConfig points at an optional YAML lexicon file
type LexiconConfig struct {
	Path  string `json:"path,omitempty"`
	Watch bool   `json:"watch"`
}

// AIConfig for text generation backends, tried in Providers order
type AIConfig struct {
	Providers []string     `json:"providers"`
	Claude    ClaudeConfig `json:"claude"`
	OpenAI    OpenAIConfig `json:"openai"`
	Ollama    OllamaConfig `json:"ollama"`
}

// ClaudeConfig for Claude API
type ClaudeConfig struct {
	APIKey string `json:"api_key"`
	Model  string `json:"model"`
}

// OpenAIConfig for OpenAI compatible API
type OpenAIConfig struct {
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url,omitempty"`
	Model   string `json:"model"`
}

// OllamaConfig for local LLM
type OllamaConfig struct {
	URL   string `json:"url"`
	Model string `json:"model"`
}

// RedisConfig for the notification stream
type RedisConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
	Stream  string `json:"stream"`
	MaxLen  int64  `json:"max_len"`
}

// LoggingConfig for the logger
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"` // console or json
}

// Default returns default configuration
func Default() *Config {
	home, _ := os.UserHomeDir()

	return &Config{
		DataDir: filepath.Join(home, ".pulse"),
		Server: ServerConfig{
			Port:           8090,
			Host:           "localhost",
			AllowedOrigins: []string{"http://localhost:*"},
		},
		Storage: StorageConfig{
			Driver: "sqlite",
		},
		Window: WindowConfig{
			MaxMessages: 500,
			MaxAgeHours: 24 * 90,
		},
		Rules: RulesConfig{
			Timezone:            "Local",
			TickIntervalSeconds: 60,
		},
		Insights: InsightsConfig{
			StaleDays: 3,
		},
		Dispatch: DispatchConfig{
			MaxAttempts:            3,
			InitialBackoffMillis:   500,
			GenerateTimeoutSeconds: 30,
			ActionTimeoutSeconds:   10,
			MaxConcurrent:          8,
			RecentLimit:            100,
		},
		Lexicon: LexiconConfig{
			Watch: true,
		},
		AI: AIConfig{
			Providers: []string{"claude", "openai", "ollama"},
			Claude: ClaudeConfig{
				APIKey: os.Getenv("ANTHROPIC_API_KEY"),
				Model:  "claude-sonnet-4-20250514",
			},
			OpenAI: OpenAIConfig{
				APIKey: os.Getenv("OPENAI_API_KEY"),
				Model:  "gpt-4o-mini",
			},
			Ollama: OllamaConfig{
				URL:   "http://localhost:11434",
				Model: "llama3.2",
			},
		},
		Redis: RedisConfig{
			URL:    "redis://localhost:6379/0",
			Stream: "pulse:notifications",
			MaxLen: 10000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load loads config from file, falling back to defaults.
// A .env file next to the config (or in the working directory) is read
// first, then environment overrides are applied.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = filepath.Join(cfg.DataDir, "config.json")
	}

	loadDotEnv(filepath.Join(filepath.Dir(path), ".env"), ".env")

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist):
		// Use defaults
	default:
		return nil, err
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadDotEnv loads the first readable env file. Existing variables win.
func loadDotEnv(candidates ...string) {
	for _, f := range candidates {
		if err := godotenv.Load(f); err == nil {
			return
		}
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PULSE_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("PULSE_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := envInt("PULSE_PORT"); v > 0 {
		c.Server.Port = v
	}
	if v := os.Getenv("PULSE_DB_DRIVER"); v != "" {
		c.Storage.Driver = v
	}
	if v := os.Getenv("PULSE_DB_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("PULSE_TIMEZONE"); v != "" {
		c.Rules.Timezone = v
	}
	if v := os.Getenv("PULSE_LEXICON"); v != "" {
		c.Lexicon.Path = v
	}
	if v := os.Getenv("PULSE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("PULSE_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("PULSE_AI_PROVIDERS"); v != "" {
		c.AI.Providers = splitList(v)
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.AI.Claude.APIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.AI.OpenAI.APIKey = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		c.AI.OpenAI.BaseURL = v
	}
	if v := os.Getenv("OLLAMA_URL"); v != "" {
		c.AI.Ollama.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
		c.Redis.Enabled = true
	}
}

func envInt(key string) int {
	v, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return 0
	}
	return v
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks values that would otherwise fail deep inside a component
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("storage.driver %q: must be sqlite or sqlite3", c.Storage.Driver)
	}
	if c.Window.MaxMessages <= 0 {
		return fmt.Errorf("window.max_messages must be positive")
	}
	if c.Window.MaxAgeHours < 0 {
		return fmt.Errorf("window.max_age_hours must not be negative")
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("rules.timezone: %w", err)
	}
	if c.Dispatch.MaxAttempts < 1 {
		return fmt.Errorf("dispatch.max_attempts must be at least 1")
	}
	return nil
}

// DBPath returns the database file path
func (c *Config) DBPath() string {
	if c.Storage.Path != "" {
		return c.Storage.Path
	}
	return filepath.Join(c.DataDir, "pulse.db")
}

// Location resolves the rules timezone
func (c *Config) Location() (*time.Location, error) {
	if c.Rules.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Rules.Timezone)
}

// MaxAge returns the window age bound
func (w WindowConfig) MaxAge() time.Duration {
	return time.Duration(w.MaxAgeHours) * time.Hour
}

// TickInterval returns the scheduled rule check period
func (r RulesConfig) TickInterval() time.Duration {
	if r.TickIntervalSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(r.TickIntervalSeconds) * time.Second
}

// Save saves config to file
func (c *Config) Save(path string) error {
	if path == "" {
		path = filepath.Join(c.DataDir, "config.json")
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	// Don't save API keys to file
	safeCfg := *c
	safeCfg.AI.Claude.APIKey = ""
	safeCfg.AI.OpenAI.APIKey = ""

	data, err := json.MarshalIndent(safeCfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}
