// Package tools holds the registry for custom in-process tools. MCP tools
// live in the MCP manager; the agent facade unions both sets.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/truffle-ai/saiki/internal/llm"
)

// Tool is one custom in-process tool.
type Tool interface {
	Name() string
	Description() string
	// Parameters returns the JSON-Schema object describing the arguments.
	Parameters() map[string]any
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// Registry is a concurrency-safe name → tool map.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, rejecting duplicate names.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		return fmt.Errorf("tool %q already registered", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	delete(r.tools, name)
	r.mu.Unlock()
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns registered tool names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns the tool set as LLM tool definitions, sorted by name.
func (r *Registry) Definitions() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]llm.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, llm.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute runs a registered tool.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	t, ok := r.Get(name)
	if !ok {
		return "", fmt.Errorf("tool %q not found", name)
	}
	return t.Execute(ctx, args)
}

// FuncTool adapts a plain function into a Tool.
type FuncTool struct {
	ToolName        string
	ToolDescription string
	Schema          map[string]any
	Fn              func(ctx context.Context, args map[string]any) (string, error)
}

func (t *FuncTool) Name() string               { return t.ToolName }
func (t *FuncTool) Description() string        { return t.ToolDescription }
func (t *FuncTool) Parameters() map[string]any { return t.Schema }
func (t *FuncTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	return t.Fn(ctx, args)
}
