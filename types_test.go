package confluence

import (
	"errors"
	"strings"
	"testing"

	"github.com/nevindra/confluence/stream"
)

func TestMessageConstructors(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		role Role
	}{
		{"user", UserMessage("hello"), RoleUser},
		{"system", SystemMessage("you are helpful"), RoleSystem},
		{"assistant", AssistantMessage("hi"), RoleAssistant},
	}
	for _, tt := range tests {
		if tt.msg.Role != tt.role {
			t.Errorf("%s: Role = %q, want %q", tt.name, tt.msg.Role, tt.role)
		}
		if tt.msg.ToolCallID != "" || len(tt.msg.ToolCalls) != 0 {
			t.Errorf("%s: unexpected tool fields %+v", tt.name, tt.msg)
		}
	}
}

func TestToolResultMessage(t *testing.T) {
	msg := ToolResultMessage("call_123", "result data")
	if msg.Role != RoleTool {
		t.Errorf("Role = %q, want %q", msg.Role, RoleTool)
	}
	if msg.ToolCallID != "call_123" || msg.Content != "result data" {
		t.Errorf("msg = %+v", msg)
	}
}

func TestToolRequestMessage(t *testing.T) {
	msg := ToolRequestMessage("looking", call("a", "x"), call("b", "y"))
	if msg.Role != RoleAssistant || msg.Content != "looking" || len(msg.ToolCalls) != 2 {
		t.Errorf("msg = %+v", msg)
	}
}

func TestAgentResponse_WantsTools(t *testing.T) {
	tests := []struct {
		name string
		resp AgentResponse
		want bool
	}{
		{"tool calls", replyCalls(call("a", "x")), true},
		{"marker without calls", AgentResponse{StopReason: StopReasonToolCalls}, false},
		{"calls with stop", AgentResponse{Message: ToolRequestMessage("", call("a", "x")), StopReason: StopReasonStop}, false},
		{"text", replyText("done"), false},
		{"length", AgentResponse{StopReason: StopReasonLength}, false},
	}
	for _, tt := range tests {
		if got := tt.resp.WantsTools(); got != tt.want {
			t.Errorf("%s: WantsTools() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestUsage(t *testing.T) {
	u := Usage{InputTokens: 3, OutputTokens: 4}.Add(Usage{InputTokens: 1, OutputTokens: 2})
	if u.InputTokens != 4 || u.OutputTokens != 6 || u.Total() != 10 {
		t.Errorf("Usage = %+v", u)
	}
}

func TestTextOf(t *testing.T) {
	got := TextOf([]AgentResponse{replyText("Hello, "), replyCalls(call("a", "x")), replyText("world")})
	if got != "Hello, world" {
		t.Errorf("TextOf = %q", got)
	}
}

func TestFailureResponse(t *testing.T) {
	r := FailureResponse(errors.New("quota exceeded"))
	if r.StopReason != StopReasonError || r.WantsTools() || r.MessageID == "" {
		t.Errorf("response = %+v", r)
	}
	if !strings.Contains(r.Message.Content, "quota exceeded") {
		t.Errorf("content = %q", r.Message.Content)
	}
}

func TestFailureResponse_CatchesRunFault(t *testing.T) {
	model := &scriptedModel{respond: func(int, PromptRequest) ([]AgentResponse, error) {
		return nil, errors.New("model unavailable")
	}}
	agent := New("test", model)

	var got []AgentResponse
	for r, err := range stream.Catch(agent.Run(t.Context(), "c", "hi"), FailureResponse) {
		if err != nil {
			t.Fatalf("Catch yielded error %v", err)
		}
		got = append(got, r)
	}
	if len(got) != 1 || got[0].StopReason != StopReasonError {
		t.Fatalf("responses = %+v, want one failure response", got)
	}
	if !strings.Contains(got[0].Message.Content, "model unavailable") {
		t.Errorf("content = %q", got[0].Message.Content)
	}
}
