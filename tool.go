package confluence

import (
	"context"
	"encoding/json"
	"sync"
)

// Tool defines an agent capability with one or more tool functions.
type Tool interface {
	Definitions() []ToolDefinition
	Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error)
}

// ToolResult is the outcome of a tool execution. A non-empty ResourceURI
// marks an operation still running; its completion is reported later as a
// change of that resource.
type ToolResult struct {
	Content     string `json:"content"`
	Error       string `json:"error,omitempty"`
	ResourceURI string `json:"resource_uri,omitempty"`
}

// ToolExecutor looks up and runs tools by name.
type ToolExecutor interface {
	Definitions() []ToolDefinition
	Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error)
}

// ToolRegistry holds registered tools and dispatches execution by name.
// It is safe for concurrent use.
type ToolRegistry struct {
	mu     sync.RWMutex
	tools  []Tool
	byName map[string]Tool
}

// NewToolRegistry creates a registry holding tools.
func NewToolRegistry(tools ...Tool) *ToolRegistry {
	r := &ToolRegistry{byName: make(map[string]Tool)}
	for _, t := range tools {
		r.Add(t)
	}
	return r
}

// Add registers a tool. A later tool shadows earlier ones with the same
// function name.
func (r *ToolRegistry) Add(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools = append(r.tools, t)
	for _, d := range t.Definitions() {
		r.byName[d.Name] = t
	}
}

// Definitions returns tool definitions from all registered tools.
func (r *ToolRegistry) Definitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var defs []ToolDefinition
	for _, t := range r.tools {
		defs = append(defs, t.Definitions()...)
	}
	return defs
}

// Execute dispatches a tool call by name. Unknown names produce an error
// result rather than a Go error so the model can react.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	r.mu.RLock()
	t, ok := r.byName[name]
	r.mu.RUnlock()
	if !ok {
		return ToolResult{Error: "unknown tool: " + name}, nil
	}
	return t.Execute(ctx, name, args)
}

var _ ToolExecutor = (*ToolRegistry)(nil)
