// Package toolregistry registers named tools and invokes them with schema-validated arguments.
//
// Invariants:
// - Tool names are unique; registering a name twice fails with ErrDuplicateTool.
// - Arguments are validated against the declared JSON schema before the handler runs.
// - Handler failures never escape unlabeled: every failure is an *InvocationError
//   carrying a stable code so the caller can feed it back to the model as data.
//
// Usage:
//
//	reg := toolregistry.New()
//	_ = reg.Register(toolregistry.ToolDefinition{
//		Name:        "add",
//		Description: "Add two numbers together.",
//		Parameters:  []toolregistry.ToolParameter{{Name: "a", Type: "number", Description: "First number", Required: true}},
//		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) { return args["a"], nil },
//	})
//	out, err := reg.Invoke(ctx, "add", map[string]interface{}{"a": 1})
package toolregistry
