package confluence

import (
	"context"
	"iter"
)

// PromptRequest is one model invocation.
type PromptRequest struct {
	Messages    []Message
	Tools       []ToolDefinition
	Stream      bool
	Temperature *float64
}

// ModelClient abstracts the language-model backend. One call may return
// several responses (e.g. a reasoning turn followed by a tool request).
type ModelClient interface {
	Prompt(ctx context.Context, req PromptRequest) ([]AgentResponse, error)
	// Name returns the provider name (e.g. "openai", "ollama").
	Name() string
}

// StreamingModelClient is implemented by clients that can stream partial
// updates. Updates are consolidated per message id with Consolidate.
type StreamingModelClient interface {
	ModelClient
	PromptStream(ctx context.Context, req PromptRequest) iter.Seq2[ResponseUpdate, error]
}
