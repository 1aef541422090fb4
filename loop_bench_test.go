package confluence

import (
	"context"
	"fmt"
	"testing"

	"github.com/nevindra/confluence/stream"
)

// --- Loop benchmarks ---

func BenchmarkLoopRun_Terminal(b *testing.B) {
	model := &scriptedModel{respond: func(int, PromptRequest) ([]AgentResponse, error) {
		return []AgentResponse{replyText("ok")}, nil
	}}
	loop := NewLoop(model)
	ctx := context.Background()
	b.ResetTimer()
	for range b.N {
		for _, err := range loop.Run(ctx, LoopRequest{Prompt: "hi", History: NewHistory()}) {
			if err != nil {
				b.Fatal(err)
			}
		}
	}
}

func BenchmarkLoopRun_ParallelTools(b *testing.B) {
	calls := make([]ToolCall, 8)
	for i := range calls {
		calls[i] = call(fmt.Sprintf("c%d", i), "echo")
	}
	tools := NewToolRegistry(echoTool())
	ctx := context.Background()
	b.ResetTimer()
	for range b.N {
		loop := NewLoop(toolsThenText("done", calls...))
		for _, err := range loop.Run(ctx, LoopRequest{Prompt: "go", History: NewHistory(), Tools: tools}) {
			if err != nil {
				b.Fatal(err)
			}
		}
	}
}

// --- History benchmarks ---

func BenchmarkHistoryAppend(b *testing.B) {
	h := NewHistory()
	ctx := context.Background()
	msg := UserMessage("hello world")
	b.ResetTimer()
	for range b.N {
		if err := h.Append(ctx, msg); err != nil {
			b.Fatal(err)
		}
	}
}

// --- Merge benchmarks ---

func BenchmarkMerge_FourProducers(b *testing.B) {
	src := func(yield func(int, error) bool) {
		for i := range 256 {
			if !yield(i, nil) {
				return
			}
		}
	}
	ctx := context.Background()
	b.ResetTimer()
	for range b.N {
		n := 0
		for _, err := range stream.Merge(ctx, src, src, src, src) {
			if err != nil {
				b.Fatal(err)
			}
			n++
		}
		if n != 1024 {
			b.Fatalf("merged %d items, want 1024", n)
		}
	}
}
