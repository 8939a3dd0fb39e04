package model

import (
	"context"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/harun/turnloop/pkg/event"
	"github.com/harun/turnloop/pkg/toolregistry"
)

// Client produces one model turn from a conversation.
type Client interface {
	// Generate makes one model call
	Generate(ctx context.Context, req Request) (*Turn, error)

	// Provider returns the provider name
	Provider() string
}

// Request is everything a provider needs for one call.
type Request struct {
	Instruction string
	History     []*event.Event
	Tools       []toolregistry.Schema
}

// Turn is a normalized model response. Text and ToolCalls may both be set.
type Turn struct {
	Text      string
	ToolCalls []event.ToolCall
	Usage     *Usage
}

// Usage reports token consumption when the provider returns it.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Empty reports whether the turn carries neither text nor tool calls.
func (t *Turn) Empty() bool {
	return t == nil || (t.Text == "" && len(t.ToolCalls) == 0)
}

// HasToolCalls reports whether the model asked for any tool calls.
func (t *Turn) HasToolCalls() bool {
	return t != nil && len(t.ToolCalls) > 0
}

const callIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// NewCallID returns a short unique id for a tool call.
func NewCallID() string {
	return "call_" + gonanoid.MustGenerate(callIDAlphabet, 12)
}

// normalizeCalls fills in missing ids and rejects calls the engine cannot dispatch.
func normalizeCalls(provider string, calls []event.ToolCall) ([]event.ToolCall, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	seen := make(map[string]bool, len(calls))
	out := make([]event.ToolCall, 0, len(calls))
	for _, c := range calls {
		if c.Name == "" {
			return nil, protocolError(provider, "tool call without a function name")
		}
		if c.ID == "" || seen[c.ID] {
			c.ID = NewCallID()
		}
		seen[c.ID] = true
		if c.Arguments == nil {
			c.Arguments = map[string]interface{}{}
		}
		out = append(out, c)
	}
	return out, nil
}

// Normalize validates a turn produced outside the built-in providers. An empty
// turn is returned as is; whether it ends the turn is up to the caller.
func Normalize(provider string, turn *Turn) (*Turn, error) {
	if turn == nil {
		return nil, protocolError(provider, "empty response")
	}
	calls, err := normalizeCalls(provider, turn.ToolCalls)
	if err != nil {
		return nil, err
	}
	out := *turn
	out.ToolCalls = calls
	return &out, nil
}
