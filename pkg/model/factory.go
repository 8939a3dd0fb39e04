package model

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/harun/turnloop/pkg/event"
)

// Provider names accepted by New.
const (
	ProviderOpenAI    = "openai"
	ProviderGroq      = "groq"
	ProviderAnthropic = "anthropic"
)

// ErrUnsupportedProvider is returned by New for unknown provider names.
var ErrUnsupportedProvider = errors.New("unsupported model provider")

// Config selects and configures a provider client.
type Config struct {
	Provider          string
	Model             string
	APIKey            string
	BaseURL           string
	Temperature       float64
	MaxTokens         int
	RequestsPerMinute int
	HTTPClient        *http.Client
}

// New builds the client for cfg.Provider, rate limited when RequestsPerMinute is set.
// Model ids of the form "groq/llama3-70b-8192" have their routing prefix stripped.
func New(cfg Config) (Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%s: api key is required", cfg.Provider)
	}
	cfg.Model = stripRoutingPrefix(cfg.Model)
	if cfg.Model == "" {
		return nil, fmt.Errorf("%s: model is required", cfg.Provider)
	}

	var client Client
	switch cfg.Provider {
	case ProviderOpenAI, ProviderGroq, "":
		client = NewOpenAIClient(cfg)
	case ProviderAnthropic:
		client = NewAnthropicClient(cfg)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, cfg.Provider)
	}

	if cfg.RequestsPerMinute > 0 {
		client = RateLimited(client, cfg.RequestsPerMinute)
	}
	return client, nil
}

func stripRoutingPrefix(model string) string {
	for _, prefix := range []string{ProviderGroq + "/", ProviderOpenAI + "/", ProviderAnthropic + "/"} {
		if strings.HasPrefix(model, prefix) {
			return strings.TrimPrefix(model, prefix)
		}
	}
	return model
}

func eventCall(id, name string, args map[string]interface{}) event.ToolCall {
	return event.ToolCall{ID: id, Name: name, Arguments: args}
}
