package confluence

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
)

type mockTool struct{}

func (m mockTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: "greet", Description: "Say hello"}, {Name: "wave", Description: "Wave"}}
}

func (m mockTool) Execute(_ context.Context, name string, _ json.RawMessage) (ToolResult, error) {
	return ToolResult{Content: "hello from " + name}, nil
}

func TestToolRegistry(t *testing.T) {
	reg := NewToolRegistry()
	reg.Add(mockTool{})

	defs := reg.Definitions()
	if len(defs) != 2 || defs[0].Name != "greet" || defs[1].Name != "wave" {
		t.Fatalf("expected definitions greet, wave; got %v", defs)
	}

	res, err := reg.Execute(context.Background(), "wave", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Content != "hello from wave" {
		t.Errorf("expected 'hello from wave', got %q", res.Content)
	}

	res, err = reg.Execute(context.Background(), "nonexistent", nil)
	if err != nil {
		t.Fatalf("unknown tool returned a Go error: %v", err)
	}
	if res.Error != "unknown tool: nonexistent" {
		t.Errorf("Error = %q", res.Error)
	}
}

func TestToolRegistry_LaterToolShadows(t *testing.T) {
	reg := NewToolRegistry(echoTool(), funcTool{name: "echo", fn: func(context.Context, json.RawMessage) (ToolResult, error) {
		return ToolResult{Content: "second"}, nil
	}})
	res, _ := reg.Execute(context.Background(), "echo", json.RawMessage(`"x"`))
	if res.Content != "second" {
		t.Errorf("Content = %q, want the later tool", res.Content)
	}
}

func TestToolRegistry_ConcurrentAddAndExecute(t *testing.T) {
	reg := NewToolRegistry(echoTool())
	var wg sync.WaitGroup
	for range 20 {
		wg.Go(func() { reg.Add(mockTool{}) })
		wg.Go(func() {
			if _, err := reg.Execute(context.Background(), "echo", nil); err != nil {
				t.Error(err)
			}
		})
	}
	wg.Wait()
	if n := len(reg.Definitions()); n != 1+2*20 {
		t.Errorf("%d definitions, want %d", n, 1+2*20)
	}
}
