package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Loader handles configuration loading
type Loader struct {
	configPath string
	envFiles   []string
}

// NewLoader creates a new config loader. Environment files are loaded before
// the config is read; a missing file is not an error.
func NewLoader(configPath string, envFiles ...string) *Loader {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	return &Loader{
		configPath: configPath,
		envFiles:   envFiles,
	}
}

// Load loads the configuration from file, then environment overrides.
func (l *Loader) Load() (*Config, error) {
	if err := l.loadEnvFiles(); err != nil {
		return nil, err
	}

	configPath := l.GetConfigPath()
	if configPath == "" {
		return nil, fmt.Errorf("failed to get home directory")
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	// TURNLOOP_MODEL_API_KEY overrides model.api_key
	v.SetEnvPrefix("TURNLOOP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindDefaults(v, DefaultConfig())

	if _, err := os.Stat(configPath); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ResolveCredentials(cfg)
	return cfg, nil
}

func (l *Loader) loadEnvFiles() error {
	for _, file := range l.envFiles {
		if err := godotenv.Load(file); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}
	return nil
}

// bindDefaults registers every key so AutomaticEnv can override keys absent from the file.
func bindDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("app.name", cfg.App.Name)
	v.SetDefault("app.user_id", cfg.App.UserID)
	v.SetDefault("app.session_id", cfg.App.SessionID)
	v.SetDefault("agent.name", cfg.Agent.Name)
	v.SetDefault("agent.instruction", cfg.Agent.Instruction)
	v.SetDefault("model.provider", cfg.Model.Provider)
	v.SetDefault("model.model", "")
	v.SetDefault("model.base_url", "")
	v.SetDefault("model.api_key", "")
	v.SetDefault("model.temperature", cfg.Model.Temperature)
	v.SetDefault("model.max_tokens", cfg.Model.MaxTokens)
	v.SetDefault("model.requests_per_minute", cfg.Model.RequestsPerMinute)
	v.SetDefault("runner.max_iterations", cfg.Runner.MaxIterations)
	v.SetDefault("runner.max_retries", cfg.Runner.MaxRetries)
	v.SetDefault("runner.retry_base_delay_ms", cfg.Runner.RetryBaseDelayMs)
	v.SetDefault("runner.tool_concurrency", cfg.Runner.ToolConcurrency)
	v.SetDefault("runner.tool_timeout_seconds", cfg.Runner.ToolTimeoutSeconds)
	v.SetDefault("runner.busy_policy", cfg.Runner.BusyPolicy)
	v.SetDefault("runner.auto_create_session", cfg.Runner.AutoCreateSession)
	v.SetDefault("runner.history_window", cfg.Runner.HistoryWindow)
	v.SetDefault("session.backend", cfg.Session.Backend)
	v.SetDefault("session.path", cfg.Session.Path)
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.pretty", cfg.Logging.Pretty)
	v.SetDefault("logging.redaction", cfg.Logging.Redaction)
	v.SetDefault("logging.max_size", cfg.Logging.MaxSize)
	v.SetDefault("logging.max_age", cfg.Logging.MaxAge)
	v.SetDefault("logging.compress", cfg.Logging.Compress)
	v.SetDefault("logging.audit_file", cfg.Logging.AuditFile)
	v.SetDefault("metrics.listen", cfg.Metrics.Listen)
	v.SetDefault("metrics.tracing", cfg.Metrics.Tracing)
	v.SetDefault("metrics.trace_file", cfg.Metrics.TraceFile)
}

// ResolveCredentials fills model settings from the provider's conventional
// environment variables when neither the file nor TURNLOOP_* set them. A bare
// OPENAI_API_KEY targets the SDK's default endpoint; anything else targets Groq.
func ResolveCredentials(cfg *Config) {
	m := &cfg.Model
	switch m.Provider {
	case ProviderAnthropic:
		if m.APIKey == "" {
			m.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if m.Model == "" {
			m.Model = firstEnv("ANTHROPIC_MODEL")
		}
		if m.Model == "" {
			m.Model = DefaultAnthropicModel
		}
	case ProviderOpenAI:
		groqKey := os.Getenv("GROQ_API_KEY")
		if m.APIKey == "" {
			m.APIKey = firstEnv("GROQ_API_KEY", "OPENAI_API_KEY")
		}
		if m.Model == "" {
			m.Model = firstEnv("GROQ_MODEL")
		}
		if m.BaseURL == "" {
			m.BaseURL = firstEnv("GROQ_BASE_URL")
		}

		openAIOnly := groqKey == "" && m.APIKey != "" && m.APIKey == os.Getenv("OPENAI_API_KEY")
		if openAIOnly {
			if m.Model == "" {
				m.Model = DefaultOpenAIModel
			}
			return
		}
		if m.Model == "" {
			m.Model = DefaultModel
		}
		if m.BaseURL == "" {
			m.BaseURL = DefaultBaseURL
		}
	}
}

func firstEnv(keys ...string) string {
	for _, key := range keys {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return ""
}

// Save saves the configuration to file
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to get home directory")
	}

	// Ensure directory exists
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.Set("app", cfg.App)
	v.Set("agent", cfg.Agent)
	v.Set("model", cfg.Model)
	v.Set("runner", cfg.Runner)
	v.Set("session", cfg.Session)
	v.Set("logging", cfg.Logging)
	v.Set("metrics", cfg.Metrics)

	// Write config file
	if err := v.WriteConfig(); err != nil {
		// If file doesn't exist, create it
		if os.IsNotExist(err) {
			if err := v.SafeWriteConfig(); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
		} else {
			return fmt.Errorf("failed to write config file: %w", err)
		}
	}

	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".turnloop", "turnloop.json")
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	loader := NewLoader(configPath)
	return loader.Load()
}
