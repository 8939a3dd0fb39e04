package modeltest

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/harun/turnloop/pkg/event"
	"github.com/harun/turnloop/pkg/model"
)

var expressionPattern = regexp.MustCompile(`(-?\d+(?:\.\d+)?)\s*([-+*/x×÷])\s*(-?\d+(?:\.\d+)?)`)

var operators = map[string]string{
	"+": "add",
	"-": "subtract",
	"*": "multiply",
	"x": "multiply",
	"×": "multiply",
	"/": "divide",
	"÷": "divide",
}

// NewCalculatorModel returns an offline client that understands "a op b" questions.
// It requests the matching arithmetic tool, then explains the tool result.
func NewCalculatorModel() model.Client {
	return Func(calculatorTurn)
}

func calculatorTurn(_ context.Context, req model.Request) (*model.Turn, error) {
	if len(req.History) == 0 {
		return nil, model.Protocol(ProviderName, fmt.Errorf("empty history"))
	}

	last := req.History[len(req.History)-1]
	if last.Kind == event.KindToolResult && last.ToolResult != nil {
		return &model.Turn{Text: explain(last.ToolResult)}, nil
	}

	question := lastUserText(req.History)
	m := expressionPattern.FindStringSubmatch(question)
	if m == nil {
		return &model.Turn{Text: "I can add, subtract, multiply and divide. Try asking something like \"What is 15 + 27?\""}, nil
	}

	a, _ := strconv.ParseFloat(m[1], 64)
	b, _ := strconv.ParseFloat(m[3], 64)
	tool := operators[m[2]]
	return &model.Turn{
		Text: fmt.Sprintf("Let me %s %s and %s.", tool, m[1], m[3]),
		ToolCalls: []event.ToolCall{{
			ID:        model.NewCallID(),
			Name:      tool,
			Arguments: map[string]interface{}{"a": a, "b": b},
		}},
	}, nil
}

func lastUserText(history []*event.Event) string {
	for i := len(history) - 1; i >= 0; i-- {
		if ev := history[i]; ev.Kind == event.KindText && ev.Author == event.AuthorUser {
			return strings.ToLower(ev.Text)
		}
	}
	return ""
}

func explain(r *event.ToolResult) string {
	if r.Failed() {
		return fmt.Sprintf("I couldn't compute that: %s", r.Error.Message)
	}
	return fmt.Sprintf("The %s tool returned %v.", r.Name, formatNumber(r.Value))
}

func formatNumber(v interface{}) string {
	if f, ok := v.(float64); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}
