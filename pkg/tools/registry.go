package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/voxtera/maestro/pkg/registry"
)

// Handler executes one tool call. The returned value is serialized to JSON
// for the tool message content.
type Handler func(ctx context.Context, args Args) (any, error)

// ToolFunction is a callable tool with its provider-facing schema.
type ToolFunction struct {
	Name        string
	Description string
	Schema      SchemaDef
	Handler     Handler

	// Strict requests provider-side schema enforcement where supported.
	Strict bool
}

// Definition renders the provider wire form of the tool.
func (t *ToolFunction) Definition() map[string]any {
	return map[string]any{
		"type": "function",
		"function": map[string]any{
			"name":        t.Name,
			"description": t.Description,
			"parameters":  t.Schema.Compile(),
			"strict":      t.Strict,
		},
	}
}

type Registry struct {
	*registry.BaseRegistry[*ToolFunction]
}

func NewRegistry() *Registry {
	return &Registry{BaseRegistry: registry.NewBaseRegistry[*ToolFunction]()}
}

func (r *Registry) RegisterTool(t *ToolFunction) error {
	if t == nil {
		return fmt.Errorf("tool cannot be nil")
	}
	if t.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %s has no handler", t.Name)
	}
	return r.Register(t.Name, t)
}

// Definitions renders all registered tools in wire form, sorted by name.
func (r *Registry) Definitions() []map[string]any {
	names := r.Names()
	defs := make([]map[string]any, 0, len(names))
	for _, name := range names {
		if t, ok := r.Get(name); ok {
			defs = append(defs, t.Definition())
		}
	}
	return defs
}

// DefinitionsJSON is the serialized form sent to providers.
func (r *Registry) DefinitionsJSON() (json.RawMessage, error) {
	return json.Marshal(r.Definitions())
}
