package event

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Authors that are not agent names.
const (
	AuthorUser = "user"
	AuthorTool = "tool"
)

// Kind discriminates the payload carried by an Event.
type Kind string

const (
	KindText       Kind = "text"
	KindToolCalls  Kind = "tool_calls"
	KindToolResult Kind = "tool_result"
	KindControl    Kind = "control"
)

// Status is the terminal state recorded by a control event.
type Status string

const (
	StatusComplete  Status = "complete"
	StatusAborted   Status = "aborted"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Tool error codes carried by ToolError.Code.
const (
	ToolErrUnknownTool      = "unknown_tool"
	ToolErrInvalidArguments = "invalid_arguments"
	ToolErrExecution        = "execution_failed"
	ToolErrCancelled        = "cancelled"
	ToolErrTimeout          = "timeout"
)

// ToolCall is a single function call requested by the model.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

// ToolError is the structured failure of one tool call.
type ToolError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ToolResult is the outcome of one tool call. Exactly one of Value or Error is meaningful.
type ToolResult struct {
	CallID string      `json:"call_id"`
	Name   string      `json:"name"`
	Value  interface{} `json:"value,omitempty"`
	Error  *ToolError  `json:"error,omitempty"`
}

// Failed reports whether the call ended in an error.
func (r *ToolResult) Failed() bool {
	return r != nil && r.Error != nil
}

// Control marks the end of a turn.
type Control struct {
	Status    Status `json:"status"`
	Reason    string `json:"reason,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
}

// Event is one immutable entry in a session's history.
type Event struct {
	ID           string      `json:"id"`
	Sequence     int64       `json:"sequence"`
	InvocationID string      `json:"invocation_id"`
	Author       string      `json:"author"`
	Kind         Kind        `json:"kind"`
	Timestamp    time.Time   `json:"timestamp"`
	Text         string      `json:"text,omitempty"`
	ToolCalls    []ToolCall  `json:"tool_calls,omitempty"`
	ToolResult   *ToolResult `json:"tool_result,omitempty"`
	Control      *Control    `json:"control,omitempty"`
}

func newEvent(invocationID, author string, kind Kind) *Event {
	return &Event{
		ID:           uuid.NewString(),
		InvocationID: invocationID,
		Author:       author,
		Kind:         kind,
		Timestamp:    time.Now().UTC(),
	}
}

// NewText creates a text event authored by the user or an agent.
func NewText(invocationID, author, text string) *Event {
	ev := newEvent(invocationID, author, KindText)
	ev.Text = text
	return ev
}

// NewToolCalls creates a tool-call-request event. Commentary emitted alongside
// the calls is recorded in a separate text event, not here.
func NewToolCalls(invocationID, author string, calls []ToolCall) *Event {
	ev := newEvent(invocationID, author, KindToolCalls)
	ev.ToolCalls = CloneToolCalls(calls)
	return ev
}

// NewToolResult creates a tool-call-result event.
func NewToolResult(invocationID string, result ToolResult) *Event {
	ev := newEvent(invocationID, AuthorTool, KindToolResult)
	ev.ToolResult = &result
	return ev
}

// NewControl creates a terminal marker for a turn.
func NewControl(invocationID, author string, control Control) *Event {
	ev := newEvent(invocationID, author, KindControl)
	ev.Control = &control
	return ev
}

// IsTerminal reports whether the event ends a turn.
func (e *Event) IsTerminal() bool {
	return e != nil && e.Kind == KindControl && e.Control != nil
}

// Validate checks the payload matches the kind.
func (e *Event) Validate() error {
	if e == nil {
		return fmt.Errorf("event is nil")
	}
	if e.Author == "" {
		return fmt.Errorf("event author cannot be empty")
	}
	switch e.Kind {
	case KindText:
		if e.Text == "" {
			return fmt.Errorf("text event cannot be empty")
		}
	case KindToolCalls:
		if len(e.ToolCalls) == 0 {
			return fmt.Errorf("tool call event requires at least one call")
		}
		seen := make(map[string]bool, len(e.ToolCalls))
		for _, call := range e.ToolCalls {
			if call.ID == "" || call.Name == "" {
				return fmt.Errorf("tool call requires id and name")
			}
			if seen[call.ID] {
				return fmt.Errorf("duplicate tool call id %q", call.ID)
			}
			seen[call.ID] = true
		}
	case KindToolResult:
		if e.ToolResult == nil || e.ToolResult.CallID == "" {
			return fmt.Errorf("tool result event requires a call id")
		}
	case KindControl:
		if e.Control == nil || e.Control.Status == "" {
			return fmt.Errorf("control event requires a status")
		}
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	return nil
}

// Clone returns a deep copy so callers cannot mutate stored history.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	out := *e
	out.ToolCalls = CloneToolCalls(e.ToolCalls)
	if e.ToolResult != nil {
		r := *e.ToolResult
		r.Value = cloneValue(e.ToolResult.Value)
		if e.ToolResult.Error != nil {
			te := *e.ToolResult.Error
			r.Error = &te
		}
		out.ToolResult = &r
	}
	if e.Control != nil {
		c := *e.Control
		out.Control = &c
	}
	return &out
}

// String renders a compact one-line description, used in logs and the CLI.
func (e *Event) String() string {
	if e == nil {
		return "<nil>"
	}
	switch e.Kind {
	case KindText:
		return fmt.Sprintf("#%d %s: %s", e.Sequence, e.Author, e.Text)
	case KindToolCalls:
		names := make([]string, 0, len(e.ToolCalls))
		for _, c := range e.ToolCalls {
			names = append(names, fmt.Sprintf("%s(%v)", c.Name, c.Arguments))
		}
		return fmt.Sprintf("#%d %s calls %s", e.Sequence, e.Author, strings.Join(names, ", "))
	case KindToolResult:
		if e.ToolResult.Failed() {
			return fmt.Sprintf("#%d %s %s failed: %s", e.Sequence, e.Author, e.ToolResult.Name, e.ToolResult.Error.Message)
		}
		return fmt.Sprintf("#%d %s %s returned %v", e.Sequence, e.Author, e.ToolResult.Name, e.ToolResult.Value)
	case KindControl:
		return fmt.Sprintf("#%d turn %s %s", e.Sequence, e.Control.Status, e.Control.Reason)
	}
	return fmt.Sprintf("#%d %s", e.Sequence, e.Kind)
}

// CloneToolCalls deep-copies calls, including nested argument values.
func CloneToolCalls(calls []ToolCall) []ToolCall {
	if calls == nil {
		return nil
	}
	out := make([]ToolCall, len(calls))
	for i, c := range calls {
		out[i] = ToolCall{ID: c.ID, Name: c.Name}
		if c.Arguments != nil {
			out[i].Arguments = cloneValue(c.Arguments).(map[string]interface{})
		}
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, val := range t {
			m[k] = cloneValue(val)
		}
		return m
	case []interface{}:
		s := make([]interface{}, len(t))
		for i, val := range t {
			s[i] = cloneValue(val)
		}
		return s
	default:
		return v
	}
}
