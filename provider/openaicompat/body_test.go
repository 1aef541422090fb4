package openaicompat

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/nevindra/confluence"
)

func TestBuildBody_Messages(t *testing.T) {
	msgs := []confluence.Message{
		confluence.SystemMessage("be brief"),
		confluence.UserMessage("weather?"),
		confluence.ToolRequestMessage("", confluence.ToolCall{ID: "c1", Name: "get_weather", Args: json.RawMessage(`{"city":"Oslo"}`)}),
		confluence.ToolResultMessage("c1", "rainy"),
		confluence.AssistantMessage("It is rainy."),
	}
	req := BuildBody(msgs, nil, "gpt-4o")

	if req.Model != "gpt-4o" {
		t.Errorf("Model = %q", req.Model)
	}
	if len(req.Messages) != 5 {
		t.Fatalf("got %d messages, want 5", len(req.Messages))
	}
	roles := []string{"system", "user", "assistant", "tool", "assistant"}
	for i, want := range roles {
		if req.Messages[i].Role != want {
			t.Errorf("message %d role = %q, want %q", i, req.Messages[i].Role, want)
		}
	}

	call := req.Messages[2]
	if call.Content != nil {
		t.Errorf("tool request content = %q, want null", *call.Content)
	}
	if len(call.ToolCalls) != 1 || call.ToolCalls[0].ID != "c1" || call.ToolCalls[0].Type != "function" {
		t.Fatalf("tool calls = %+v", call.ToolCalls)
	}
	if call.ToolCalls[0].Function.Arguments != `{"city":"Oslo"}` {
		t.Errorf("arguments = %q", call.ToolCalls[0].Function.Arguments)
	}

	if res := req.Messages[3]; res.ToolCallID != "c1" || *res.Content != "rainy" {
		t.Errorf("tool result = %+v", res)
	}
	if req.Tools != nil {
		t.Errorf("Tools = %+v, want none", req.Tools)
	}
}

func TestBuildBody_NullContentMarshalling(t *testing.T) {
	req := BuildBody([]confluence.Message{
		confluence.ToolRequestMessage("", confluence.ToolCall{ID: "c1", Name: "f"}),
	}, nil, "m")
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"content":null`) {
		t.Errorf("body = %s, want null content", data)
	}
	if !strings.Contains(string(data), `"arguments":"{}"`) {
		t.Errorf("body = %s, want empty-object arguments", data)
	}
}

func TestBuildBody_ToolsAndOptions(t *testing.T) {
	tools := []confluence.ToolDefinition{
		{Name: "get_weather", Description: "Weather lookup", Parameters: json.RawMessage(`{"type":"object"}`)},
		{Name: "now", Description: "Current time"},
	}
	req := BuildBody(nil, tools, "m", WithTemperature(0.2), WithMaxTokens(64), WithToolChoice("auto"))

	if len(req.Tools) != 2 {
		t.Fatalf("got %d tools, want 2", len(req.Tools))
	}
	if req.Tools[0].Type != "function" || req.Tools[0].Function.Name != "get_weather" {
		t.Errorf("tool 0 = %+v", req.Tools[0])
	}
	if !json.Valid(req.Tools[1].Function.Parameters) {
		t.Errorf("default parameters not valid JSON: %s", req.Tools[1].Function.Parameters)
	}
	if req.Temperature == nil || *req.Temperature != 0.2 {
		t.Errorf("Temperature = %v", req.Temperature)
	}
	if req.MaxTokens != 64 || req.ToolChoice != "auto" {
		t.Errorf("options not applied: %+v", req)
	}
}
