package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// Wizard provides an interactive configuration wizard
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewWizard creates a wizard reading stdin and writing stdout.
func NewWizard() *Wizard {
	return NewWizardIO(os.Stdin, os.Stdout)
}

// NewWizardIO creates a wizard over arbitrary streams.
func NewWizardIO(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{
		reader: bufio.NewReader(in),
		out:    out,
	}
}

// Run runs the interactive configuration wizard, starting from base.
func (w *Wizard) Run(base *Config) (*Config, error) {
	cfg := DefaultConfig()
	if base != nil {
		copied := *base
		cfg = &copied
	}
	validator := NewValidator()

	w.println("=== turnloop configuration ===")
	w.println()

	// Provider
	for {
		w.printf("Model provider (openai/anthropic/scripted) [%s]: ", cfg.Model.Provider)
		provider, err := w.readLine()
		if err != nil {
			return nil, err
		}
		if provider == "" {
			provider = cfg.Model.Provider
		}
		if err := validator.ValidateProvider(provider); err != nil {
			w.printf("Error: %v\n", err)
			continue
		}
		cfg.Model.Provider = provider
		break
	}
	if cfg.Model.Provider == ProviderAnthropic && cfg.Model.Model == DefaultModel {
		cfg.Model.Model = DefaultAnthropicModel
		cfg.Model.BaseURL = ""
	}

	if cfg.Model.Provider != ProviderScripted {
		// API key
		for {
			w.print("API key (press Enter to use environment variables): ")
			key, err := w.readLine()
			if err != nil {
				return nil, err
			}
			if key == "" {
				break
			}
			if err := validator.ValidateAPIKey(key, cfg.Model.Provider); err != nil {
				w.printf("Error: %v\n", err)
				continue
			}
			cfg.Model.APIKey = key
			break
		}

		w.printf("Model name [%s]: ", cfg.Model.Model)
		model, err := w.readLine()
		if err != nil {
			return nil, err
		}
		if model != "" {
			cfg.Model.Model = model
		}

		if cfg.Model.Provider == ProviderOpenAI {
			w.printf("Base URL [%s]: ", cfg.Model.BaseURL)
			baseURL, err := w.readLine()
			if err != nil {
				return nil, err
			}
			if baseURL != "" {
				cfg.Model.BaseURL = baseURL
			}
		}
	}

	w.println()

	// Log Level
	w.printf("Log level (debug/info/warn/error) [%s]: ", cfg.Logging.Level)
	level, err := w.readLine()
	if err != nil {
		return nil, err
	}

	if level != "" {
		if err := validator.ValidateLogLevel(level); err != nil {
			w.printf("Warning: %v, keeping %s\n", err, cfg.Logging.Level)
		} else {
			cfg.Logging.Level = level
		}
	}

	w.println()
	w.println("Configuration complete!")

	return cfg, nil
}

func (w *Wizard) readLine() (string, error) {
	line, err := w.reader.ReadString('\n')
	if err != nil && !(err == io.EOF && line != "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func (w *Wizard) print(s string) { fmt.Fprint(w.out, s) }

func (w *Wizard) printf(format string, args ...interface{}) { fmt.Fprintf(w.out, format, args...) }

func (w *Wizard) println(args ...interface{}) { fmt.Fprintln(w.out, args...) }
