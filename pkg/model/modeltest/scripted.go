// Package modeltest provides deterministic model clients for tests and offline demos.
package modeltest

import (
	"context"
	"fmt"
	"sync"

	"github.com/harun/turnloop/pkg/event"
	"github.com/harun/turnloop/pkg/model"
)

// ProviderName is reported by every client in this package.
const ProviderName = "scripted"

// Response configures one model turn in a scripted sequence.
type Response struct {
	Turn model.Turn
	Err  error
}

// Text is a scripted text reply.
func Text(text string) Response {
	return Response{Turn: model.Turn{Text: text}}
}

// Calls is a scripted tool-call reply.
func Calls(calls ...event.ToolCall) Response {
	return Response{Turn: model.Turn{ToolCalls: calls}}
}

// Call builds a tool call with the given id.
func Call(id, name string, args map[string]interface{}) event.ToolCall {
	return event.ToolCall{ID: id, Name: name, Arguments: args}
}

// Fail is a scripted failure.
func Fail(err error) Response {
	return Response{Err: err}
}

// ScriptedModel replays responses in order and records every request it sees.
type ScriptedModel struct {
	mu        sync.Mutex
	index     int
	responses []Response
	requests  []model.Request
}

var _ model.Client = (*ScriptedModel)(nil)

func NewScriptedModel(responses ...Response) *ScriptedModel {
	cloned := make([]Response, len(responses))
	copy(cloned, responses)
	return &ScriptedModel{responses: cloned}
}

func (m *ScriptedModel) Provider() string { return ProviderName }

func (m *ScriptedModel) Generate(ctx context.Context, req model.Request) (*model.Turn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, cloneRequest(req))
	if m.index >= len(m.responses) {
		return nil, model.Protocol(ProviderName, fmt.Errorf("script exhausted at step %d", m.index+1))
	}
	current := m.responses[m.index]
	m.index++
	if current.Err != nil {
		return nil, current.Err
	}
	return model.Normalize(ProviderName, cloneTurn(current.Turn))
}

// CallCount returns how many times Generate was invoked.
func (m *ScriptedModel) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Requests returns a copy of every request received so far.
func (m *ScriptedModel) Requests() []model.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// Func adapts a function into a model.Client.
type Func func(ctx context.Context, req model.Request) (*model.Turn, error)

func (f Func) Provider() string { return ProviderName }

func (f Func) Generate(ctx context.Context, req model.Request) (*model.Turn, error) {
	turn, err := f(ctx, req)
	if err != nil {
		return nil, err
	}
	return model.Normalize(ProviderName, turn)
}

// AlwaysToolCalls returns a client that requests the same tool on every call, with fresh ids.
func AlwaysToolCalls(name string, args map[string]interface{}) model.Client {
	var mu sync.Mutex
	n := 0
	return Func(func(ctx context.Context, req model.Request) (*model.Turn, error) {
		mu.Lock()
		n++
		id := fmt.Sprintf("loop-%d", n)
		mu.Unlock()
		return &model.Turn{ToolCalls: []event.ToolCall{Call(id, name, args)}}, nil
	})
}

func cloneRequest(req model.Request) model.Request {
	out := req
	out.History = make([]*event.Event, len(req.History))
	for i, ev := range req.History {
		out.History[i] = ev.Clone()
	}
	return out
}

func cloneTurn(t model.Turn) *model.Turn {
	out := t
	out.ToolCalls = event.CloneToolCalls(t.ToolCalls)
	return &out
}
