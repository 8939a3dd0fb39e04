package model

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicMaxTokens = 1024

// AnthropicClient implements Client for Anthropic Claude
type AnthropicClient struct {
	client      anthropic.Client
	model       string
	temperature float64
	maxTokens   int
}

// NewAnthropicClient creates a client. SDK retries are disabled; the runner owns retry policy.
func NewAnthropicClient(cfg Config) *AnthropicClient {
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
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	return &AnthropicClient{
		client:      anthropic.NewClient(opts...),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   maxTokens,
	}
}

// Provider returns the provider name
func (c *AnthropicClient) Provider() string {
	return ProviderAnthropic
}

// Generate makes one messages API call
func (c *AnthropicClient) Generate(ctx context.Context, req Request) (*Turn, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		Messages:  c.messages(req),
		MaxTokens: int64(c.maxTokens),
	}
	if req.Instruction != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.Instruction}}
	}
	if c.temperature > 0 {
		params.Temperature = anthropic.Float(c.temperature)
	}
	for _, tool := range req.Tools {
		toolParam := anthropic.ToolParam{
			Name:        tool.Name,
			Description: anthropic.String(tool.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: tool.Parameters["properties"],
			},
		}
		if required, ok := tool.Parameters["required"].([]string); ok {
			toolParam.InputSchema.Required = required
		}
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{OfTool: &toolParam})
	}

	response, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, classify(ProviderAnthropic, err)
	}

	turn := &Turn{
		Usage: &Usage{
			InputTokens:  int(response.Usage.InputTokens),
			OutputTokens: int(response.Usage.OutputTokens),
		},
	}
	for _, block := range response.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			turn.Text += b.Text
		case anthropic.ToolUseBlock:
			args, err := decodeArguments(ProviderAnthropic, string(b.Input))
			if err != nil {
				return nil, fmt.Errorf("failed to parse input for %s: %w", b.Name, err)
			}
			turn.ToolCalls = append(turn.ToolCalls, eventCall(b.ID, b.Name, args))
		}
	}
	return Normalize(ProviderAnthropic, turn)
}

// messages converts history to alternating user/assistant messages. Tool results travel
// as tool_result blocks in a user message and merge with adjacent user content.
func (c *AnthropicClient) messages(req Request) []anthropic.MessageParam {
	out := []anthropic.MessageParam{}

	appendBlocks := func(role anthropic.MessageParamRole, blocks ...anthropic.ContentBlockParamUnion) {
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			return
		}
		out = append(out, anthropic.MessageParam{Role: role, Content: blocks})
	}

	for _, msg := range buildMessages(req.History) {
		switch msg.role {
		case roleUser:
			appendBlocks(anthropic.MessageParamRoleUser, anthropic.NewTextBlock(msg.text))
		case roleAssistant:
			blocks := []anthropic.ContentBlockParamUnion{}
			if msg.text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.text))
			}
			for _, call := range msg.calls {
				blocks = append(blocks, anthropic.NewToolUseBlock(call.ID, call.Arguments, call.Name))
			}
			if len(blocks) > 0 {
				appendBlocks(anthropic.MessageParamRoleAssistant, blocks...)
			}
		case roleTool:
			appendBlocks(anthropic.MessageParamRoleUser,
				anthropic.NewToolResultBlock(msg.result.CallID, resultContent(msg.result), msg.result.Failed()))
		}
	}
	return out
}
