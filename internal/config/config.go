package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrConfiguration marks configuration that cannot start the program.
var ErrConfiguration = errors.New("invalid configuration")

// Provider names accepted in model.provider.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderScripted  = "scripted"
)

// DefaultInstruction is the calculator assistant prompt.
const DefaultInstruction = "You are a helpful calculator assistant. When users ask you to perform calculations, " +
	"use the available tools. Always show your work and explain the result."

// Defaults reproduce the Groq-hosted calculator setup.
const (
	DefaultBaseURL        = "https://api.groq.com/openai/v1"
	DefaultModel          = "groq/llama3-70b-8192"
	DefaultOpenAIModel    = "gpt-4o-mini"
	DefaultAnthropicModel = "claude-3-5-haiku-latest"
)

// Config represents the main turnloop configuration
type Config struct {
	App     AppConfig     `json:"app" mapstructure:"app"`
	Agent   AgentConfig   `json:"agent" mapstructure:"agent"`
	Model   ModelConfig   `json:"model" mapstructure:"model"`
	Runner  RunnerConfig  `json:"runner" mapstructure:"runner"`
	Session SessionConfig `json:"session" mapstructure:"session"`
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`
}

// AppConfig identifies the application and the default conversation.
type AppConfig struct {
	Name      string `json:"name" mapstructure:"name"`
	UserID    string `json:"user_id" mapstructure:"user_id"`
	SessionID string `json:"session_id" mapstructure:"session_id"`
}

// AgentConfig describes the single agent.
type AgentConfig struct {
	Name        string `json:"name" mapstructure:"name"`
	Instruction string `json:"instruction" mapstructure:"instruction"`
}

// ModelConfig selects the model provider.
type ModelConfig struct {
	Provider          string  `json:"provider" mapstructure:"provider"` // openai, anthropic, scripted
	Model             string  `json:"model" mapstructure:"model"`
	BaseURL           string  `json:"base_url" mapstructure:"base_url"`
	APIKey            string  `json:"api_key" mapstructure:"api_key"`
	Temperature       float64 `json:"temperature" mapstructure:"temperature"`
	MaxTokens         int     `json:"max_tokens" mapstructure:"max_tokens"`
	RequestsPerMinute int     `json:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// RunnerConfig holds turn execution limits.
type RunnerConfig struct {
	MaxIterations      int    `json:"max_iterations" mapstructure:"max_iterations"`
	MaxRetries         int    `json:"max_retries" mapstructure:"max_retries"`
	RetryBaseDelayMs   int    `json:"retry_base_delay_ms" mapstructure:"retry_base_delay_ms"`
	ToolConcurrency    int    `json:"tool_concurrency" mapstructure:"tool_concurrency"`
	ToolTimeoutSeconds int    `json:"tool_timeout_seconds" mapstructure:"tool_timeout_seconds"`
	BusyPolicy         string `json:"busy_policy" mapstructure:"busy_policy"` // reject, wait
	AutoCreateSession  bool   `json:"auto_create_session" mapstructure:"auto_create_session"`
	HistoryWindow      int    `json:"history_window" mapstructure:"history_window"`
}

// RetryBaseDelay returns the configured backoff base.
func (r RunnerConfig) RetryBaseDelay() time.Duration {
	return time.Duration(r.RetryBaseDelayMs) * time.Millisecond
}

// ToolTimeout returns the per-call tool deadline.
func (r RunnerConfig) ToolTimeout() time.Duration {
	return time.Duration(r.ToolTimeoutSeconds) * time.Second
}

// SessionConfig selects the event log backend.
type SessionConfig struct {
	Backend string `json:"backend" mapstructure:"backend"` // memory, jsonl, sqlite
	Path    string `json:"path" mapstructure:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"`
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`
	Compress  bool   `json:"compress" mapstructure:"compress"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
}

// MetricsConfig holds the metrics endpoint and span export settings.
type MetricsConfig struct {
	Listen    string `json:"listen" mapstructure:"listen"`
	Tracing   bool   `json:"tracing" mapstructure:"tracing"`
	TraceFile string `json:"trace_file" mapstructure:"trace_file"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:      "calculator_app",
			UserID:    "demo_user",
			SessionID: "demo_session_001",
		},
		Agent: AgentConfig{
			Name:        "calculator_agent",
			Instruction: DefaultInstruction,
		},
		Model: ModelConfig{
			Provider:  ProviderOpenAI,
			Model:     DefaultModel,
			BaseURL:   DefaultBaseURL,
			MaxTokens: 1024,
		},
		Runner: RunnerConfig{
			MaxIterations:      10,
			MaxRetries:         3,
			RetryBaseDelayMs:   1000,
			ToolConcurrency:    4,
			ToolTimeoutSeconds: 30,
			BusyPolicy:         "reject",
			AutoCreateSession:  true,
		},
		Session: SessionConfig{
			Backend: "memory",
		},
		Logging: LoggingConfig{
			Level:     "warn",
			Pretty:    true,
			Redaction: true,
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
		},
	}
}

// String returns the configuration as JSON with the API key masked.
func (c *Config) String() string {
	masked := *c
	if masked.Model.APIKey != "" {
		masked.Model.APIKey = maskKey(masked.Model.APIKey)
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

func maskKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}

// Validate checks the configuration is usable. Errors wrap ErrConfiguration.
func (c *Config) Validate() error {
	if errs := NewValidator().ValidateConfig(c); len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrConfiguration, errors.Join(errs...))
	}
	return nil
}
