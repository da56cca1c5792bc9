package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrDuplicateTool is a configuration error: a tool name was registered twice.
	ErrDuplicateTool = errors.New("tool already registered")
	// ErrUnknownTool is returned when invoking a name that was never registered.
	ErrUnknownTool = errors.New("unknown tool")
)

// ToolHandler executes one named tool.
type ToolHandler func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

// ToolRegistry maps tool names to handlers.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]ToolHandler
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]ToolHandler)}
}

// Register adds a tool. Registering a name twice returns ErrDuplicateTool.
func (r *ToolRegistry) Register(name string, h ToolHandler) error {
	if name == "" || h == nil {
		return fmt.Errorf("tool registration requires a name and handler")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, name)
	}
	r.tools[name] = h
	return nil
}

// MustRegister panics on registration errors. Use during startup wiring only.
func (r *ToolRegistry) MustRegister(name string, h ToolHandler) {
	if err := r.Register(name, h); err != nil {
		panic(err)
	}
}

// Invoke runs the named tool.
func (r *ToolRegistry) Invoke(ctx context.Context, name string, input json.RawMessage) (json.RawMessage, error) {
	r.mu.RLock()
	h, ok := r.tools[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return h(ctx, input)
}

// Names returns the registered tool names in sorted order.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
