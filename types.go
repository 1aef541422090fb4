package confluence

import (
	"encoding/json"
	"strings"
)

// Role identifies the author of a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of a conversation history. Messages are treated as
// immutable once appended.
//
// An assistant message with ToolCalls is a tool request. A tool message
// answers exactly one earlier call through ToolCallID and may carry the
// ResourceURI of a long-running operation that resolves later.
type Message struct {
	Role        Role       `json:"role"`
	Content     string     `json:"content"`
	Reasoning   string     `json:"reasoning,omitempty"`
	ToolCalls   []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID  string     `json:"tool_call_id,omitempty"`
	ResourceURI string     `json:"resource_uri,omitempty"`
}

// ToolCall is a tool invocation requested by the model. ID is unique within
// the response that produced it.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ToolDefinition describes a tool to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// Usage holds token counts reported by the model.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add returns the sum of u and o.
func (u Usage) Add(o Usage) Usage {
	return Usage{InputTokens: u.InputTokens + o.InputTokens, OutputTokens: u.OutputTokens + o.OutputTokens}
}

// Total returns input plus output tokens.
func (u Usage) Total() int { return u.InputTokens + u.OutputTokens }

// StopReason tells the loop whether a response ends the run or asks for
// tool execution.
type StopReason string

const (
	StopReasonNone          StopReason = ""
	StopReasonStop          StopReason = "stop"
	StopReasonToolCalls     StopReason = "tool_calls"
	StopReasonLength        StopReason = "length"
	StopReasonContentFilter StopReason = "content_filter"

	// StopReasonError marks a response standing in for a failed run.
	StopReasonError StopReason = "error"
)

// AgentResponse is the unit produced by a model call and yielded by a run.
// ResourceURI is set on responses produced by a resource re-invocation
// rather than by the tool-calling loop.
type AgentResponse struct {
	MessageID   string     `json:"message_id"`
	Message     Message    `json:"message"`
	StopReason  StopReason `json:"stop_reason"`
	Usage       Usage      `json:"usage"`
	ResourceURI string     `json:"resource_uri,omitempty"`
}

// WantsTools reports whether the response asks the loop to execute tools.
// A tool-calls marker without any calls is treated as terminal.
func (r AgentResponse) WantsTools() bool {
	return r.StopReason == StopReasonToolCalls && len(r.Message.ToolCalls) > 0
}

// FailureResponse builds the terminal response reported in place of a run
// fault. It is the sentinel for stream.Catch over a run's responses.
func FailureResponse(err error) AgentResponse {
	return AgentResponse{
		MessageID:  NewID(),
		Message:    AssistantMessage("run failed: " + err.Error()),
		StopReason: StopReasonError,
	}
}

// ResponseUpdate is a partial, streamed fragment of an AgentResponse.
// Updates sharing a MessageID belong to the same response.
type ResponseUpdate struct {
	MessageID  string     `json:"message_id"`
	Text       string     `json:"text,omitempty"`
	Reasoning  string     `json:"reasoning,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	StopReason StopReason `json:"stop_reason,omitempty"`
	Usage      *Usage     `json:"usage,omitempty"`
}

// --- Message constructors ---

func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: text}
}

func SystemMessage(text string) Message {
	return Message{Role: RoleSystem, Content: text}
}

func AssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Content: text}
}

// ToolRequestMessage builds an assistant message carrying tool calls.
func ToolRequestMessage(text string, calls ...ToolCall) Message {
	return Message{Role: RoleAssistant, Content: text, ToolCalls: calls}
}

func ToolResultMessage(callID, content string) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: callID}
}

// TextOf concatenates the assistant text of responses.
func TextOf(responses []AgentResponse) string {
	var b strings.Builder
	for _, r := range responses {
		b.WriteString(r.Message.Content)
	}
	return b.String()
}
