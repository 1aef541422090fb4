package openaicompat

import (
	"encoding/json"

	"github.com/nevindra/confluence"
)

// ParseResponse converts an OpenAI-format ChatResponse into confluence
// responses. Only choices[0] is used; a response without choices yields none.
func ParseResponse(resp ChatResponse) []confluence.AgentResponse {
	if len(resp.Choices) == 0 {
		return nil
	}

	choice := resp.Choices[0]
	out := confluence.AgentResponse{
		MessageID:  resp.ID,
		Message:    confluence.Message{Role: confluence.RoleAssistant},
		StopReason: ParseFinishReason(choice.FinishReason),
	}
	if m := choice.Message; m != nil {
		out.Message.Content = m.Content
		if out.Message.Content == "" && m.Refusal != "" {
			out.Message.Content = m.Refusal
		}
		out.Message.Reasoning = m.reasoning()
		out.Message.ToolCalls = ParseToolCalls(m.ToolCalls)
	}
	// Some servers report "stop" alongside tool calls.
	if len(out.Message.ToolCalls) > 0 && out.StopReason == confluence.StopReasonStop {
		out.StopReason = confluence.StopReasonToolCalls
	}
	if resp.Usage != nil {
		out.Usage = parseUsage(resp.Usage)
	}
	return []confluence.AgentResponse{out}
}

// ParseFinishReason maps an OpenAI finish_reason to a StopReason.
// Unknown reasons end the run.
func ParseFinishReason(reason string) confluence.StopReason {
	switch reason {
	case "":
		return confluence.StopReasonNone
	case "tool_calls", "function_call":
		return confluence.StopReasonToolCalls
	case "length":
		return confluence.StopReasonLength
	case "content_filter":
		return confluence.StopReasonContentFilter
	default:
		return confluence.StopReasonStop
	}
}

// ParseToolCalls converts OpenAI tool call requests to confluence ToolCalls.
// OpenAI returns function.arguments as a JSON string; we parse it into json.RawMessage.
func ParseToolCalls(tcs []ToolCallRequest) []confluence.ToolCall {
	if len(tcs) == 0 {
		return nil
	}

	out := make([]confluence.ToolCall, 0, len(tcs))
	for _, tc := range tcs {
		out = append(out, confluence.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: parseArgs(tc.Function.Arguments),
		})
	}
	return out
}

// parseArgs falls back to an empty object for missing or invalid JSON.
func parseArgs(s string) json.RawMessage {
	args := json.RawMessage(s)
	if !json.Valid(args) {
		return json.RawMessage(`{}`)
	}
	return args
}

func parseUsage(u *Usage) confluence.Usage {
	return confluence.Usage{
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
	}
}
