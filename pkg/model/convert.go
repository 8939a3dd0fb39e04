package model

import (
	"encoding/json"

	"github.com/harun/turnloop/pkg/event"
)

const (
	roleUser      = "user"
	roleAssistant = "assistant"
	roleTool      = "tool"
)

// message is the provider-neutral shape both SDK adapters are built from.
type message struct {
	role   string
	text   string
	calls  []event.ToolCall
	result *event.ToolResult
}

// buildMessages flattens session events into chat messages. Agent commentary and the
// tool calls that follow it in the same invocation become one assistant message.
// Control events are bookkeeping and are not sent. Results whose call is not in the
// window are dropped so providers never see an orphaned tool result.
func buildMessages(history []*event.Event) []message {
	msgs := make([]message, 0, len(history))
	known := make(map[string]bool)

	for i, ev := range history {
		if ev == nil {
			continue
		}
		switch ev.Kind {
		case event.KindText:
			role := roleAssistant
			if ev.Author == event.AuthorUser {
				role = roleUser
			}
			msgs = append(msgs, message{role: role, text: ev.Text})

		case event.KindToolCalls:
			for _, c := range ev.ToolCalls {
				known[c.ID] = true
			}
			if n := len(msgs); n > 0 && i > 0 && mergesWithCalls(history[i-1], ev) && msgs[n-1].role == roleAssistant && len(msgs[n-1].calls) == 0 {
				msgs[n-1].calls = ev.ToolCalls
				continue
			}
			msgs = append(msgs, message{role: roleAssistant, calls: ev.ToolCalls})

		case event.KindToolResult:
			if ev.ToolResult == nil || !known[ev.ToolResult.CallID] {
				continue
			}
			msgs = append(msgs, message{role: roleTool, result: ev.ToolResult})
		}
	}
	return msgs
}

func mergesWithCalls(prev, calls *event.Event) bool {
	return prev != nil &&
		prev.Kind == event.KindText &&
		prev.Author == calls.Author &&
		prev.InvocationID == calls.InvocationID
}

// resultContent renders a tool result the way it is fed back to the model.
func resultContent(r *event.ToolResult) string {
	var payload map[string]interface{}
	if r.Failed() {
		payload = map[string]interface{}{"error": r.Error.Message, "code": r.Error.Code}
	} else {
		payload = map[string]interface{}{"result": r.Value}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return `{"error":"unserializable tool result"}`
	}
	return string(data)
}

// decodeArguments parses provider-supplied JSON arguments. Empty input means no arguments.
func decodeArguments(provider, raw string) (map[string]interface{}, error) {
	if raw == "" || raw == "null" {
		return map[string]interface{}{}, nil
	}
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, Protocol(provider, err)
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	return args, nil
}
