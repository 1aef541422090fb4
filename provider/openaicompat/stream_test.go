package openaicompat

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/nevindra/confluence"
)

// buildSSE constructs a mock SSE stream from data lines.
func buildSSE(lines ...string) string {
	var sb strings.Builder
	for _, line := range lines {
		sb.WriteString("data: ")
		sb.WriteString(line)
		sb.WriteString("\n\n")
	}
	return sb.String()
}

func collectUpdates(t *testing.T, sse string) []confluence.ResponseUpdate {
	t.Helper()
	var out []confluence.ResponseUpdate
	for u, err := range StreamSSE(context.Background(), strings.NewReader(sse), "fallback", nil) {
		if err != nil {
			t.Fatalf("StreamSSE yielded error: %v", err)
		}
		out = append(out, u)
	}
	return out
}

func TestStreamSSE_TextChunks(t *testing.T) {
	updates := collectUpdates(t, buildSSE(
		`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{"role":"assistant","content":""}}]}`,
		`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{"content":"Hello"}}]}`,
		`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{"content":" world"}}]}`,
		`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		`{"id":"chatcmpl-1","choices":[],"usage":{"prompt_tokens":5,"completion_tokens":3,"total_tokens":8}}`,
		"[DONE]",
	))

	// two text deltas, the finish marker, then usage
	if len(updates) != 4 {
		t.Fatalf("got %d updates, want 4: %+v", len(updates), updates)
	}
	var text string
	for _, u := range updates {
		if u.MessageID != "chatcmpl-1" {
			t.Errorf("MessageID = %q", u.MessageID)
		}
		text += u.Text
	}
	if text != "Hello world" {
		t.Errorf("text = %q", text)
	}
	if updates[2].StopReason != confluence.StopReasonStop {
		t.Errorf("finish update = %+v", updates[2])
	}
	if u := updates[3].Usage; u == nil || u.InputTokens != 5 || u.OutputTokens != 3 {
		t.Errorf("usage = %+v", updates[3].Usage)
	}
}

func TestStreamSSE_ToolCallDeltas(t *testing.T) {
	updates := collectUpdates(t, buildSSE(
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"c1","type":"function","function":{"name":"get_weather","arguments":""}}]}}]}`,
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"city\":"}}]}}]}`,
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":1,"id":"c2","type":"function","function":{"name":"now","arguments":"{}"}}]}}]}`,
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"Oslo\"}"}}]}}]}`,
		`{"choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
		"[DONE]",
	))
	if len(updates) != 1 {
		t.Fatalf("got %d updates, want 1: %+v", len(updates), updates)
	}
	u := updates[0]
	if u.MessageID != "fallback" || u.StopReason != confluence.StopReasonToolCalls {
		t.Errorf("update = %+v", u)
	}
	if len(u.ToolCalls) != 2 {
		t.Fatalf("got %d tool calls, want 2", len(u.ToolCalls))
	}
	if u.ToolCalls[0].ID != "c1" || u.ToolCalls[0].Name != "get_weather" || string(u.ToolCalls[0].Args) != `{"city":"Oslo"}` {
		t.Errorf("call 0 = %+v (args %s)", u.ToolCalls[0], u.ToolCalls[0].Args)
	}
	if u.ToolCalls[1].ID != "c2" || u.ToolCalls[1].Name != "now" {
		t.Errorf("call 1 = %+v", u.ToolCalls[1])
	}
}

func TestStreamSSE_PendingCallsFlushedAtEnd(t *testing.T) {
	updates := collectUpdates(t, buildSSE(
		`{"id":"x","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"c1","function":{"name":"f","arguments":"{}"}}]}}]}`,
	))
	if len(updates) != 1 || len(updates[0].ToolCalls) != 1 || updates[0].StopReason != confluence.StopReasonToolCalls {
		t.Errorf("updates = %+v", updates)
	}
}

func TestStreamSSE_ReasoningAndMalformed(t *testing.T) {
	updates := collectUpdates(t, "event: ping\n\n"+buildSSE(
		`{"id":"r","choices":[{"index":0,"delta":{"reasoning_content":"hmm"}}]}`,
		`{not json`,
		`{"id":"r","choices":[{"index":0,"delta":{"reasoning":"ok"}}]}`,
		"[DONE]",
	))
	if len(updates) != 2 || updates[0].Reasoning != "hmm" || updates[1].Reasoning != "ok" {
		t.Errorf("updates = %+v", updates)
	}
}

type failingReader struct{ err error }

func (r failingReader) Read([]byte) (int, error) { return 0, r.err }

func TestStreamSSE_ReadError(t *testing.T) {
	boom := errors.New("connection reset")
	var got error
	for _, err := range StreamSSE(context.Background(), failingReader{boom}, "id", nil) {
		got = err
	}
	if !errors.Is(got, boom) {
		t.Errorf("err = %v, want %v", got, boom)
	}
}

func TestStreamSSE_ConsumerBreak(t *testing.T) {
	sse := buildSSE(
		`{"id":"a","choices":[{"index":0,"delta":{"content":"one"}}]}`,
		`{"id":"a","choices":[{"index":0,"delta":{"content":"two"}}]}`,
	)
	n := 0
	for range StreamSSE(context.Background(), strings.NewReader(sse), "id", nil) {
		n++
		break
	}
	if n != 1 {
		t.Errorf("consumed %d updates after break", n)
	}
}
