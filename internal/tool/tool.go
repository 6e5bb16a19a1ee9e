// Package tool defines the executable tools a kit can expose to the
// model during a workflow step, the registry that resolves them by name,
// and adapters for built-in and MCP-backed tools.
package tool

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Tool is a named capability the model may invoke during a step.
// Implementations must be safe for concurrent use.
type Tool interface {
	Name() string
	Description() string
	// ParameterSchema returns a JSON Schema object for the arguments.
	ParameterSchema() map[string]any
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// Registry resolves tools by name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Registering a name twice is an error.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		return fmt.Errorf("tool: %q already registered", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns all registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
