// Package event defines the immutable records that make up a session's history.
//
// Invariants:
// - Sequence positions are assigned by the session store and strictly increase per session.
// - Every tool result references a tool call of the same invocation by call id.
// - Events are never mutated after they are appended; readers receive clones.
//
// Usage:
//
//	ev := event.NewText(invocationID, event.AuthorUser, "What is 15 + 27?")
//	calls := event.NewToolCalls(invocationID, "calculator_agent", []event.ToolCall{{ID: "c1", Name: "add"}})
//	_, _ = ev, calls
package event
