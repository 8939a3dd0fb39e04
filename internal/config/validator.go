package config

import (
	"fmt"
	"strings"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateProvider checks the provider name.
func (v *Validator) ValidateProvider(provider string) error {
	switch provider {
	case ProviderOpenAI, ProviderAnthropic, ProviderScripted:
		return nil
	}
	return fmt.Errorf("invalid model provider: %s (must be openai, anthropic or scripted)", provider)
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if provider == ProviderScripted {
		return nil
	}
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	if provider == ProviderAnthropic && !strings.HasPrefix(key, "sk-ant-") {
		return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
	}

	return nil
}

// ValidateModel validates a model name
func (v *Validator) ValidateModel(model string, provider string) error {
	if provider == ProviderScripted {
		return nil
	}
	if strings.TrimSpace(model) == "" {
		return fmt.Errorf("model name cannot be empty")
	}
	return nil
}

// ValidateLogLevel validates a log level
func (v *Validator) ValidateLogLevel(level string) error {
	switch level {
	case "debug", "info", "warn", "error":
		return nil
	}
	return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", level)
}

// ValidateTemperature validates a temperature value
func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %f", temp)
	}
	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens < 0 {
		return fmt.Errorf("max tokens cannot be negative")
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000)")
	}
	return nil
}

// ValidateBusyPolicy checks the concurrent-run policy.
func (v *Validator) ValidateBusyPolicy(policy string) error {
	switch policy {
	case "", "reject", "wait":
		return nil
	}
	return fmt.Errorf("invalid busy policy: %s (must be reject or wait)", policy)
}

// ValidateSessionBackend checks the backend name. File backends default their path
// under ~/.turnloop.
func (v *Validator) ValidateSessionBackend(backend string) error {
	switch backend {
	case "", "memory", "jsonl", "sqlite":
		return nil
	}
	return fmt.Errorf("invalid session backend: %s (must be memory, jsonl or sqlite)", backend)
}

// ValidateConfig validates the entire configuration
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	if strings.TrimSpace(cfg.App.Name) == "" {
		errors = append(errors, fmt.Errorf("app.name cannot be empty"))
	}
	if strings.TrimSpace(cfg.Agent.Name) == "" {
		errors = append(errors, fmt.Errorf("agent.name cannot be empty"))
	}

	if err := v.ValidateProvider(cfg.Model.Provider); err != nil {
		errors = append(errors, err)
	} else {
		if err := v.ValidateAPIKey(cfg.Model.APIKey, cfg.Model.Provider); err != nil {
			errors = append(errors, err)
		}
		if err := v.ValidateModel(cfg.Model.Model, cfg.Model.Provider); err != nil {
			errors = append(errors, err)
		}
	}
	if err := v.ValidateTemperature(cfg.Model.Temperature); err != nil {
		errors = append(errors, err)
	}
	if err := v.ValidateMaxTokens(cfg.Model.MaxTokens); err != nil {
		errors = append(errors, err)
	}
	if cfg.Model.RequestsPerMinute < 0 {
		errors = append(errors, fmt.Errorf("model.requests_per_minute cannot be negative"))
	}

	if cfg.Runner.MaxIterations < 0 {
		errors = append(errors, fmt.Errorf("runner.max_iterations cannot be negative"))
	}
	if cfg.Runner.HistoryWindow < 0 {
		errors = append(errors, fmt.Errorf("runner.history_window cannot be negative"))
	}
	if err := v.ValidateBusyPolicy(cfg.Runner.BusyPolicy); err != nil {
		errors = append(errors, err)
	}
	if err := v.ValidateSessionBackend(cfg.Session.Backend); err != nil {
		errors = append(errors, err)
	}

	if cfg.Logging.Level != "" {
		if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
			errors = append(errors, err)
		}
	}

	return errors
}
