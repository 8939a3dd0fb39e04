package agent

import (
	"iter"

	"github.com/harun/turnloop/pkg/event"
)

// TurnResult is what a presentation layer needs from one turn.
type TurnResult struct {
	// AgentResponse is the last text the agent produced in the turn.
	AgentResponse string
	ToolCalls     []event.ToolCall
	ToolResults   []event.ToolResult
	Status        event.Status
	Reason        string
	Events        []*event.Event
}

// CompletedWithoutText reports a completed turn whose tool calls produced results but no agent text.
func (t *TurnResult) CompletedWithoutText() bool {
	return t.Status == event.StatusComplete && t.AgentResponse == "" && len(t.ToolResults) > 0
}

func (t *TurnResult) add(ev *event.Event) {
	t.Events = append(t.Events, ev)
	switch ev.Kind {
	case event.KindText:
		if ev.Author != event.AuthorUser {
			t.AgentResponse = ev.Text
		}
	case event.KindToolCalls:
		t.ToolCalls = append(t.ToolCalls, ev.ToolCalls...)
	case event.KindToolResult:
		t.ToolResults = append(t.ToolResults, *ev.ToolResult)
	case event.KindControl:
		t.Status = ev.Control.Status
		t.Reason = ev.Control.Reason
	}
}

// Collect drains a turn and returns its result together with the first error seen.
func Collect(seq iter.Seq2[*event.Event, error]) (*TurnResult, error) {
	res := &TurnResult{}
	var firstErr error
	for ev, err := range seq {
		if ev != nil {
			res.add(ev)
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return res, firstErr
}
