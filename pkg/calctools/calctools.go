// Package calctools provides the arithmetic tools used by the calculator agent.
package calctools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/harun/turnloop/pkg/toolregistry"
)

// LastResultKey is the session state key updated after each successful calculation.
const LastResultKey = "calc:last_result"

// ErrDivisionByZero is returned by divide when the denominator is zero.
var ErrDivisionByZero = errors.New("division by zero")

type binaryOp func(a, b float64) (float64, error)

// RegisterAll registers add, subtract, multiply and divide.
func RegisterAll(reg *toolregistry.Registry) error {
	if reg == nil {
		return errors.New("tool registry is required")
	}
	for _, def := range Definitions() {
		if err := reg.Register(def); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", def.Name, err)
		}
	}
	return nil
}

// Definitions returns the calculator tool definitions in a stable order.
func Definitions() []toolregistry.ToolDefinition {
	return []toolregistry.ToolDefinition{
		binaryTool("add", "Add two numbers together.", "First number", "Second number",
			func(a, b float64) (float64, error) { return a + b, nil }),
		binaryTool("subtract", "Subtract b from a.", "First number", "Second number to subtract",
			func(a, b float64) (float64, error) { return a - b, nil }),
		binaryTool("multiply", "Multiply two numbers.", "First number", "Second number",
			func(a, b float64) (float64, error) { return a * b, nil }),
		binaryTool("divide", "Divide a by b.", "Numerator", "Denominator (cannot be zero)",
			func(a, b float64) (float64, error) {
				if b == 0 {
					return 0, ErrDivisionByZero
				}
				return a / b, nil
			}),
	}
}

func binaryTool(name, description, aDesc, bDesc string, op binaryOp) toolregistry.ToolDefinition {
	return toolregistry.ToolDefinition{
		Name:        name,
		Description: description,
		Parameters: []toolregistry.ToolParameter{
			{Name: "a", Type: "number", Description: aDesc, Required: true},
			{Name: "b", Type: "number", Description: bDesc, Required: true},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			a, err := toFloat(args["a"])
			if err != nil {
				return nil, fmt.Errorf("a: %w", err)
			}
			b, err := toFloat(args["b"])
			if err != nil {
				return nil, fmt.Errorf("b: %w", err)
			}

			result, err := op(a, b)
			if err != nil {
				return nil, err
			}
			remember(ctx, name, result)
			return result, nil
		},
	}
}

// remember stores the latest result in session state when the tool runs inside a session.
func remember(ctx context.Context, tool string, result float64) {
	info := toolregistry.CallInfoFromContext(ctx)
	if info == nil || info.SessionState == nil {
		return
	}
	if err := info.SessionState.Set(ctx, LastResultKey, result); err != nil {
		log.Warn().Err(err).Str("tool", tool).Msg("Failed to record last result")
	}
}

func toFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	default:
		return 0, fmt.Errorf("expected a number, got %T", v)
	}
}
