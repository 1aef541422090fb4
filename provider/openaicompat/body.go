package openaicompat

import (
	"encoding/json"

	"github.com/nevindra/confluence"
)

// BuildBody converts confluence messages and a model name into an OpenAI-format ChatRequest.
// System messages are kept in the messages array as role:"system".
// Options configure generation parameters (temperature, top_p, etc.).
func BuildBody(messages []confluence.Message, tools []confluence.ToolDefinition, model string, opts ...Option) ChatRequest {
	msgs := make([]Message, 0, len(messages))
	for _, m := range messages {
		switch {
		case m.Role == confluence.RoleAssistant && len(m.ToolCalls) > 0:
			tcs := make([]ToolCallRequest, 0, len(m.ToolCalls))
			for i, tc := range m.ToolCalls {
				args := string(tc.Args)
				if args == "" {
					args = "{}"
				}
				tcs = append(tcs, ToolCallRequest{
					Index: i,
					ID:    tc.ID,
					Type:  "function",
					Function: FunctionCall{
						Name:      tc.Name,
						Arguments: args,
					},
				})
			}
			msg := Message{Role: "assistant", ToolCalls: tcs}
			// Content is null for a bare tool request.
			if m.Content != "" {
				msg.Content = text(m.Content)
			}
			msgs = append(msgs, msg)

		case m.Role == confluence.RoleTool:
			msgs = append(msgs, Message{
				Role:       "tool",
				Content:    text(m.Content),
				ToolCallID: m.ToolCallID,
			})

		default:
			msgs = append(msgs, Message{
				Role:    string(m.Role),
				Content: text(m.Content),
			})
		}
	}

	req := ChatRequest{
		Model:    model,
		Messages: msgs,
	}
	if len(tools) > 0 {
		req.Tools = BuildToolDefs(tools)
	}
	for _, opt := range opts {
		opt(&req)
	}
	return req
}

func text(s string) *string { return &s }

// BuildToolDefs converts confluence ToolDefinitions to OpenAI tool format.
func BuildToolDefs(tools []confluence.ToolDefinition) []Tool {
	out := make([]Tool, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		out = append(out, Tool{
			Type: "function",
			Function: Function{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}
