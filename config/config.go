// Package config loads runtime configuration from an optional JSON file
// layered with environment variable overrides.
package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the full runtime configuration.
type Config struct {
	Provider  string          `json:"provider" env:"AGENTLOOP_PROVIDER"` // "openai", "anthropic", "mock"
	OpenAI    ProviderConfig  `json:"openai" envPrefix:"AGENTLOOP_OPENAI_"`
	Anthropic ProviderConfig  `json:"anthropic" envPrefix:"AGENTLOOP_ANTHROPIC_"`
	Engine    EngineConfig    `json:"engine"`
	Retry     RetryConfig     `json:"retry"`
	Memory    MemoryConfig    `json:"memory"`
	Logging   LoggingConfig   `json:"logging"`
	WebSocket WebSocketConfig `json:"websocket"`
}

// ProviderConfig holds per-provider credentials and model selection.
type ProviderConfig struct {
	APIKey      string  `json:"api_key" env:"API_KEY"`
	Model       string  `json:"model" env:"MODEL"`
	Temperature float64 `json:"temperature" env:"TEMPERATURE"`
	MaxTokens   int64   `json:"max_tokens" env:"MAX_TOKENS"`
}

// EngineConfig holds loop and session knobs.
type EngineConfig struct {
	MaxIterations       int  `json:"max_iterations" env:"AGENTLOOP_ENGINE_MAX_ITERATIONS"`
	TrimBudget          int  `json:"trim_budget" env:"AGENTLOOP_ENGINE_TRIM_BUDGET"`
	MemoryRecallLimit   int  `json:"memory_recall_limit" env:"AGENTLOOP_ENGINE_MEMORY_RECALL_LIMIT"`
	ModelTimeoutSeconds int  `json:"model_timeout_seconds" env:"AGENTLOOP_ENGINE_MODEL_TIMEOUT_SECONDS"`
	ToolTimeoutSeconds  int  `json:"tool_timeout_seconds" env:"AGENTLOOP_ENGINE_TOOL_TIMEOUT_SECONDS"`
	MaxParallelTools    int  `json:"max_parallel_tools" env:"AGENTLOOP_ENGINE_MAX_PARALLEL_TOOLS"`
	SessionIdleMinutes  int  `json:"session_idle_minutes" env:"AGENTLOOP_ENGINE_SESSION_IDLE_MINUTES"`
	PinFirstUserTurn    bool `json:"pin_first_user_turn" env:"AGENTLOOP_ENGINE_PIN_FIRST_USER_TURN"`
}

// RetryConfig holds completion retry knobs.
type RetryConfig struct {
	MaxAttempts int `json:"max_attempts" env:"AGENTLOOP_RETRY_MAX_ATTEMPTS"`
	BaseDelayMS int `json:"base_delay_ms" env:"AGENTLOOP_RETRY_BASE_DELAY_MS"`
	MaxDelayMS  int `json:"max_delay_ms" env:"AGENTLOOP_RETRY_MAX_DELAY_MS"`
}

// MemoryConfig selects and tunes the memory store.
type MemoryConfig struct {
	Backend string `json:"backend" env:"AGENTLOOP_MEMORY_BACKEND"` // "none", "inmemory", "sqlite"
	Path    string `json:"path" env:"AGENTLOOP_MEMORY_PATH"`
}

// LoggingConfig tunes the built-in slog logger.
type LoggingConfig struct {
	Level  string `json:"level" env:"AGENTLOOP_LOG_LEVEL"`   // debug, info, warn, error
	Format string `json:"format" env:"AGENTLOOP_LOG_FORMAT"` // json, text
}

// WebSocketConfig tunes the websocket delivery sink.
type WebSocketConfig struct {
	WriteTimeoutSeconds int `json:"write_timeout_seconds" env:"AGENTLOOP_WS_WRITE_TIMEOUT_SECONDS"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Provider: "openai",
		OpenAI: ProviderConfig{
			Model:       "gpt-4o-mini",
			Temperature: 0.7,
			MaxTokens:   4096,
		},
		Anthropic: ProviderConfig{
			Model:       "claude-3-5-sonnet-20241022",
			Temperature: 0.7,
			MaxTokens:   4096,
		},
		Engine: EngineConfig{
			MaxIterations:       8,
			TrimBudget:          24000,
			MemoryRecallLimit:   5,
			ModelTimeoutSeconds: 120,
			ToolTimeoutSeconds:  30,
			MaxParallelTools:    4,
			SessionIdleMinutes:  30,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelayMS: 500,
			MaxDelayMS:  8000,
		},
		Memory: MemoryConfig{
			Backend: "inmemory",
			Path:    "data/memory.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		WebSocket: WebSocketConfig{
			WriteTimeoutSeconds: 5,
		},
	}
}

// Load reads the config file at path (missing file is not an error) and
// applies environment overrides on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		} else if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ModelTimeout returns the engine model timeout as a duration.
func (c *Config) ModelTimeout() time.Duration {
	return time.Duration(c.Engine.ModelTimeoutSeconds) * time.Second
}

// ToolTimeout returns the engine tool timeout as a duration.
func (c *Config) ToolTimeout() time.Duration {
	return time.Duration(c.Engine.ToolTimeoutSeconds) * time.Second
}

// SessionIdleTimeout returns the idle eviction window as a duration.
func (c *Config) SessionIdleTimeout() time.Duration {
	return time.Duration(c.Engine.SessionIdleMinutes) * time.Minute
}
