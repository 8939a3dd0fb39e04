package toolregistry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/turnloop/internal/observability"
	"github.com/harun/turnloop/internal/tracing"
	"github.com/harun/turnloop/pkg/event"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultMaxOutput = 10 * 1024
)

// ToolParameter defines a parameter for a tool
type ToolParameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
	Enum        []string    `json:"enum,omitempty"`
}

// ToolDefinition defines a tool's metadata and handler
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []ToolParameter `json:"parameters"`
	Handler     ToolHandler     `json:"-"`
}

// ToolHandler is the function signature for tool execution
type ToolHandler func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// Schema is the provider-neutral description of a tool offered to the model.
type Schema struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

type entry struct {
	def       ToolDefinition
	schemaMap map[string]interface{}
	schema    *gojsonschema.Schema
	order     int
}

// Registry holds the tools an agent may call. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]*entry
	next      int
	timeout   time.Duration
	maxOutput int
	logger    zerolog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithTimeout bounds each invocation. Zero keeps the default of 30s.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithMaxOutput caps the rendered size of string-like results.
func WithMaxOutput(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.maxOutput = n
		}
	}
}

// WithLogger sets the logger for registration and invocation events.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// New creates an empty registry. It logs through the global logger unless WithLogger is given.
func New(opts ...Option) *Registry {
	r := &Registry{
		tools:     make(map[string]*entry),
		timeout:   defaultTimeout,
		maxOutput: defaultMaxOutput,
		logger:    log.Logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a tool. Names must be unique.
func (r *Registry) Register(def ToolDefinition) error {
	if err := validateDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	schemaMap := buildSchemaMap(def)
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap))
	if err != nil {
		return fmt.Errorf("failed to generate schema for %s: %w", def.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, def.Name)
	}
	r.tools[def.Name] = &entry{def: def, schemaMap: schemaMap, schema: schema, order: r.next}
	r.next++

	r.logger.Debug().Str("tool", def.Name).Msg("Tool registered")
	return nil
}

// MustRegister is Register for static tool sets; it panics on error.
func (r *Registry) MustRegister(defs ...ToolDefinition) {
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			panic(err)
		}
	}
}

// Has reports whether a tool is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Names returns registered tool names in registration order.
func (r *Registry) Names() []string {
	entries := r.sorted()
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.def.Name
	}
	return names
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Schemas describes every tool in registration order.
func (r *Registry) Schemas() []Schema {
	entries := r.sorted()
	out := make([]Schema, len(entries))
	for i, e := range entries {
		out[i] = Schema{
			Name:        e.def.Name,
			Description: e.def.Description,
			Parameters:  copySchema(e.schemaMap),
		}
	}
	return out
}

func (r *Registry) sorted() []*entry {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.tools))
	for _, e := range r.tools {
		entries = append(entries, e)
	}
	r.mu.RUnlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].order < entries[j].order })
	return entries
}

// Invoke validates args and runs the named tool. Failures are returned as *InvocationError.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]interface{}) (interface{}, error) {
	ctx, span := tracing.StartSpan(ctx, "turnloop.toolregistry", "toolregistry.invoke",
		attribute.String("tool", name),
	)
	defer span.End()

	start := time.Now()
	out, err := r.invoke(ctx, name, args)
	observability.RecordToolExecution(name, time.Since(start), err == nil)
	tracing.Fail(span, err)
	return out, err
}

func (r *Registry) invoke(ctx context.Context, name string, args map[string]interface{}) (interface{}, error) {
	r.mu.RLock()
	e := r.tools[name]
	r.mu.RUnlock()

	if e == nil {
		r.logger.Warn().Str("tool", name).Msg("Tool not found")
		return nil, &InvocationError{Code: event.ToolErrUnknownTool, Tool: name, Err: fmt.Errorf("tool not found: %s", name)}
	}

	if args == nil {
		args = map[string]interface{}{}
	}
	if err := validateArguments(e.schema, args); err != nil {
		r.logger.Warn().Str("tool", name).Err(err).Msg("Argument validation failed")
		return nil, &InvocationError{Code: event.ToolErrInvalidArguments, Tool: name, Err: err}
	}

	if err := ctx.Err(); err != nil {
		return nil, &InvocationError{Code: event.ToolErrCancelled, Tool: name, Err: err}
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type outcome struct {
		value interface{}
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", p)}
			}
		}()
		v, err := e.def.Handler(timeoutCtx, args)
		done <- outcome{value: v, err: err}
	}()

	select {
	case res := <-done:
		if res.err == nil {
			return r.truncate(name, res.value), nil
		}
		if err := r.interrupted(ctx, timeoutCtx, name); err != nil {
			return nil, err
		}
		r.logger.Debug().Str("tool", name).Err(res.err).Msg("Tool execution failed")
		return nil, &InvocationError{Code: event.ToolErrExecution, Tool: name, Err: res.err}

	case <-timeoutCtx.Done():
		return nil, r.interrupted(ctx, timeoutCtx, name)
	}
}

// interrupted classifies a finished timeout context as cancellation or timeout.
func (r *Registry) interrupted(parent, timeoutCtx context.Context, name string) error {
	if parent.Err() != nil {
		return &InvocationError{Code: event.ToolErrCancelled, Tool: name, Err: parent.Err()}
	}
	if timeoutCtx.Err() == nil {
		return nil
	}
	r.logger.Warn().Str("tool", name).Dur("timeout", r.timeout).Msg("Tool execution timeout")
	return &InvocationError{
		Code: event.ToolErrTimeout,
		Tool: name,
		Err:  fmt.Errorf("tool execution timeout after %v: %w", r.timeout, context.DeadlineExceeded),
	}
}

// truncate shortens oversized string results. Structured values pass through.
func (r *Registry) truncate(name string, v interface{}) interface{} {
	s, ok := v.(string)
	if !ok || len(s) <= r.maxOutput {
		return v
	}
	r.logger.Warn().Str("tool", name).Int("original", len(s)).Int("truncated", r.maxOutput).Msg("Output truncated")
	cut := r.maxOutput
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n... [output truncated]"
}

var validTypes = map[string]bool{
	"string": true, "number": true, "boolean": true,
	"object": true, "array": true, "integer": true,
}

func validateDefinition(def ToolDefinition) error {
	if def.Name == "" {
		return errors.New("tool name cannot be empty")
	}
	if def.Description == "" {
		return errors.New("tool description cannot be empty")
	}
	if def.Handler == nil {
		return errors.New("tool handler cannot be nil")
	}
	seen := make(map[string]bool, len(def.Parameters))
	for _, param := range def.Parameters {
		if param.Name == "" {
			return errors.New("parameter name cannot be empty")
		}
		if seen[param.Name] {
			return fmt.Errorf("duplicate parameter %s", param.Name)
		}
		seen[param.Name] = true
		if !validTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %q for %s", param.Type, param.Name)
		}
		if param.Description == "" {
			return fmt.Errorf("parameter description cannot be empty for %s", param.Name)
		}
	}
	return nil
}

func buildSchemaMap(def ToolDefinition) map[string]interface{} {
	properties := make(map[string]interface{}, len(def.Parameters))
	required := []string{}

	for _, param := range def.Parameters {
		p := map[string]interface{}{
			"type":        param.Type,
			"description": param.Description,
		}
		if param.Default != nil {
			p["default"] = param.Default
		}
		if len(param.Enum) > 0 {
			enum := make([]interface{}, len(param.Enum))
			for i, v := range param.Enum {
				enum[i] = v
			}
			p["enum"] = enum
		}
		properties[param.Name] = p
		if param.Required {
			required = append(required, param.Name)
		}
	}

	schema := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func copySchema(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		switch t := v.(type) {
		case map[string]interface{}:
			out[k] = copySchema(t)
		case []string:
			out[k] = append([]string(nil), t...)
		default:
			out[k] = v
		}
	}
	return out
}

func validateArguments(schema *gojsonschema.Schema, args map[string]interface{}) error {
	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return err
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("validation errors: %v", msgs)
	}
	return nil
}
