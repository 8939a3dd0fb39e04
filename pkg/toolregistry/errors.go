package toolregistry

import (
	"errors"
	"fmt"

	"github.com/harun/turnloop/pkg/event"
)

var (
	// ErrDuplicateTool is returned by Register when the name is already taken.
	ErrDuplicateTool = errors.New("duplicate tool")
	// ErrUnknownTool is returned by Invoke for names that were never registered.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrInvalidArguments is returned by Invoke when arguments do not satisfy the schema.
	ErrInvalidArguments = errors.New("invalid tool arguments")
	// ErrToolExecution wraps any failure raised by a tool handler, including timeouts and cancellation.
	ErrToolExecution = errors.New("tool execution failed")
)

// InvocationError labels a failed invocation with one of the event.ToolErr* codes.
type InvocationError struct {
	Code string
	Tool string
	Err  error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("tool %s: %s: %v", e.Tool, e.Code, e.Err)
}

// Unwrap exposes both the class sentinel and the underlying cause.
func (e *InvocationError) Unwrap() []error {
	return []error{e.class(), e.Err}
}

func (e *InvocationError) class() error {
	switch e.Code {
	case event.ToolErrUnknownTool:
		return ErrUnknownTool
	case event.ToolErrInvalidArguments:
		return ErrInvalidArguments
	default:
		return ErrToolExecution
	}
}

// ToolError converts the invocation error to its event representation.
func (e *InvocationError) ToolError() *event.ToolError {
	msg := ""
	if e.Err != nil {
		msg = e.Err.Error()
	}
	return &event.ToolError{Code: e.Code, Message: msg}
}

// AsToolError maps any error returned by Invoke to an event.ToolError.
func AsToolError(err error) *event.ToolError {
	if err == nil {
		return nil
	}
	var invErr *InvocationError
	if errors.As(err, &invErr) {
		return invErr.ToolError()
	}
	return &event.ToolError{Code: event.ToolErrExecution, Message: err.Error()}
}
