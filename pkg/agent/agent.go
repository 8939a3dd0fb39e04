package agent

import (
	"errors"
	"fmt"
	"strings"

	"github.com/harun/turnloop/pkg/event"
	"github.com/harun/turnloop/pkg/model"
	"github.com/harun/turnloop/pkg/toolregistry"
)

// ErrConfiguration marks an agent or runner that cannot be built from its configuration.
var ErrConfiguration = errors.New("configuration error")

// DefaultInstruction is the calculator assistant instruction.
const DefaultInstruction = "You are a helpful calculator assistant. When users ask you to perform calculations, use the available tools. Always show your work and explain the result."

// Config configures an Agent.
type Config struct {
	Name        string
	Instruction string
	Model       model.Client
	Tools       *toolregistry.Registry
}

// Agent bundles a model client, its tools and the instruction text. It holds no
// per-run state and may be shared by concurrent runs.
type Agent struct {
	name        string
	instruction string
	model       model.Client
	tools       *toolregistry.Registry
	schemas     []toolregistry.Schema
}

// New validates cfg and snapshots the tool schemas offered to the model.
func New(cfg Config) (*Agent, error) {
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: agent name cannot be empty", ErrConfiguration)
	}
	if name == event.AuthorUser || name == event.AuthorTool {
		return nil, fmt.Errorf("%w: agent name %q is reserved", ErrConfiguration, name)
	}
	if cfg.Model == nil {
		return nil, fmt.Errorf("%w: model client is required", ErrConfiguration)
	}

	tools := cfg.Tools
	if tools == nil {
		tools = toolregistry.New()
	}

	return &Agent{
		name:        name,
		instruction: cfg.Instruction,
		model:       cfg.Model,
		tools:       tools,
		schemas:     tools.Schemas(),
	}, nil
}

func (a *Agent) Name() string { return a.name }

func (a *Agent) Instruction() string { return a.instruction }

func (a *Agent) Model() model.Client { return a.model }

// ToolNames lists the tools offered to the model, in registration order.
func (a *Agent) ToolNames() []string {
	names := make([]string, len(a.schemas))
	for i, s := range a.schemas {
		names[i] = s.Name
	}
	return names
}
