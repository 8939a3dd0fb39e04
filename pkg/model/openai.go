package model

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIClient talks to any OpenAI-compatible chat completions endpoint, Groq included.
type OpenAIClient struct {
	client      openai.Client
	name        string
	model       string
	temperature float64
	maxTokens   int
}

// NewOpenAIClient creates a client. SDK retries are disabled; the runner owns retry policy.
func NewOpenAIClient(cfg Config) *OpenAIClient {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	name := cfg.Provider
	if name == "" {
		name = ProviderOpenAI
	}
	return &OpenAIClient{
		client:      openai.NewClient(opts...),
		name:        name,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
	}
}

// Provider returns the provider name
func (c *OpenAIClient) Provider() string {
	return c.name
}

// Generate makes one chat completion call
func (c *OpenAIClient) Generate(ctx context.Context, req Request) (*Turn, error) {
	messages, err := c.messages(req)
	if err != nil {
		return nil, err
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.model),
		Messages: messages,
	}
	if c.maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(c.maxTokens))
	}
	if c.temperature > 0 {
		params.Temperature = openai.Float(c.temperature)
	}
	for _, tool := range req.Tools {
		params.Tools = append(params.Tools, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        tool.Name,
				Description: openai.String(tool.Description),
				Parameters:  openai.FunctionParameters(tool.Parameters),
			},
		})
	}

	response, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, classify(c.name, err)
	}
	if len(response.Choices) == 0 {
		return nil, protocolError(c.name, "no response choices returned")
	}

	choice := response.Choices[0]
	turn := &Turn{
		Text: choice.Message.Content,
		Usage: &Usage{
			InputTokens:  int(response.Usage.PromptTokens),
			OutputTokens: int(response.Usage.CompletionTokens),
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		args, err := decodeArguments(c.name, tc.Function.Arguments)
		if err != nil {
			return nil, fmt.Errorf("failed to parse arguments for %s: %w", tc.Function.Name, err)
		}
		turn.ToolCalls = append(turn.ToolCalls, eventCall(tc.ID, tc.Function.Name, args))
	}
	return Normalize(c.name, turn)
}

func (c *OpenAIClient) messages(req Request) ([]openai.ChatCompletionMessageParamUnion, error) {
	out := []openai.ChatCompletionMessageParamUnion{}
	if req.Instruction != "" {
		out = append(out, openai.SystemMessage(req.Instruction))
	}

	for _, msg := range buildMessages(req.History) {
		switch msg.role {
		case roleUser:
			out = append(out, openai.UserMessage(msg.text))
		case roleAssistant:
			if len(msg.calls) == 0 {
				out = append(out, openai.AssistantMessage(msg.text))
				continue
			}
			assistant := openai.ChatCompletionAssistantMessageParam{}
			if msg.text != "" {
				assistant.Content.OfString = openai.String(msg.text)
			}
			for _, call := range msg.calls {
				argsJSON, err := json.Marshal(call.Arguments)
				if err != nil {
					return nil, fmt.Errorf("failed to marshal tool arguments: %w", err)
				}
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: call.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      call.Name,
						Arguments: string(argsJSON),
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		case roleTool:
			out = append(out, openai.ToolMessage(resultContent(msg.result), msg.result.CallID))
		}
	}
	return out, nil
}
