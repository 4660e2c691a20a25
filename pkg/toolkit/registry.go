// Package toolkit provides the building blocks for a tool dispatch server:
// a tool registry with declared input schemas, the JSON-RPC 2.0 and result
// envelope types shared by the stdio and HTTP transports, and the tagged
// error taxonomy the dispatcher returns.
package toolkit

import (
	"context"
	"log/slog"
	"sync"
)

// Handler is the interface implemented by every registered tool.
type Handler interface {
	// Name returns the unique tool name.
	Name() string

	// Description returns a human-readable description.
	Description() string

	// Category returns the tool's category for discovery listings.
	Category() string

	// Version returns the tool's version string.
	Version() string

	// InputSchema returns the JSON Schema for the tool's input.
	InputSchema() map[string]any

	// Execute runs the tool with the given arguments. The context carries
	// the dispatch deadline; long-running tools should honor it.
	Execute(ctx context.Context, args map[string]any) (any, error)
}

// BaseTool provides the descriptive half of Handler. Embed it in a tool
// struct and implement Execute.
type BaseTool struct {
	ToolName        string
	ToolDescription string
	ToolCategory    string
	ToolVersion     string
	ToolSchema      map[string]any
}

func (t *BaseTool) Name() string                { return t.ToolName }
func (t *BaseTool) Description() string         { return t.ToolDescription }
func (t *BaseTool) Category() string            { return t.ToolCategory }
func (t *BaseTool) Version() string             { return t.ToolVersion }
func (t *BaseTool) InputSchema() map[string]any { return t.ToolSchema }

// Summary is the discovery view of a registered tool.
type Summary struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
	Category    string         `json:"category,omitempty"`
	Version     string         `json:"version,omitempty"`
}

// Registry holds the set of registered tools. Registration replaces by name:
// registering a tool under an existing name swaps the implementation and logs
// a warning, it is not an error. Reads may proceed concurrently with each
// other; a read never observes a partially registered tool.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Handler
	order  []string
	logger *slog.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]Handler),
		logger: logger,
	}
}

// Register adds a tool to the registry.
func (r *Registry) Register(tool Handler) error {
	if tool == nil {
		return Validationf("tool is nil")
	}
	if tool.Name() == "" {
		return Validationf("tool name is empty")
	}
	if tool.InputSchema() == nil {
		return Validationf("tool %s has no input schema", tool.Name())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[tool.Name()]; exists {
		r.logger.Warn("replacing registered tool", "name", tool.Name())
	} else {
		r.order = append(r.order, tool.Name())
	}
	r.tools[tool.Name()] = tool
	r.logger.Info("registered tool", "name", tool.Name(), "category", tool.Category())
	return nil
}

// RegisterAll registers multiple tools, stopping at the first failure.
func (r *Registry) RegisterAll(tools ...Handler) error {
	for _, tool := range tools {
		if err := r.Register(tool); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// List returns tool summaries in registration order.
func (r *Registry) List() []Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Summary, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		out = append(out, Summary{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.InputSchema(),
			Category:    t.Category(),
			Version:     t.Version(),
		})
	}
	return out
}

// Names returns the registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}
