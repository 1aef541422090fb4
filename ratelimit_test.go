package confluence

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWithRateLimit_RPM_AllowsWithinLimit(t *testing.T) {
	stub := &stubModel{results: []stubResult{answer("a"), answer("b")}}
	m := WithRateLimit(stub, RPM(60))

	for _, want := range []string{"a", "b"} {
		resps, err := m.Prompt(context.Background(), PromptRequest{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if TextOf(resps) != want {
			t.Errorf("got %q, want %q", TextOf(resps), want)
		}
	}
}

func TestWithRateLimit_RPM_BlocksWhenExceeded(t *testing.T) {
	stub := &stubModel{results: []stubResult{answer("a"), answer("b")}}
	// RPM(1) = 1 request per minute. Second call should block.
	m := WithRateLimit(stub, RPM(1))

	if _, err := m.Prompt(context.Background(), PromptRequest{}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := m.Prompt(ctx, PromptRequest{}); err == nil {
		t.Fatal("expected the second request to be refused, got nil")
	}
	if stub.callCount() != 1 {
		t.Errorf("inner called %d times, want 1", stub.callCount())
	}
}

func TestWithRateLimit_Name(t *testing.T) {
	m := WithRateLimit(&stubModel{}, RPM(10))
	if m.Name() != "stub" {
		t.Errorf("Name() = %q, want %q", m.Name(), "stub")
	}
}

func TestWithRateLimit_TPM_BlocksWhenExceeded(t *testing.T) {
	big := answer("a")
	big.resps[0].Usage = Usage{InputTokens: 80, OutputTokens: 20}
	stub := &stubModel{results: []stubResult{big, answer("b")}}
	m := WithRateLimit(stub, TPM(100))

	if _, err := m.Prompt(context.Background(), PromptRequest{}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := m.Prompt(ctx, PromptRequest{})
	if err == nil {
		t.Fatal("expected the token budget to refuse the second request")
	}
	if errors.Is(err, context.Canceled) {
		t.Errorf("err = %v", err)
	}
}

func TestWithRateLimit_TPM_AllowsWithinLimit(t *testing.T) {
	small := answer("a")
	small.resps[0].Usage = Usage{InputTokens: 5, OutputTokens: 5}
	stub := &stubModel{results: []stubResult{small, answer("b")}}
	m := WithRateLimit(stub, TPM(1000))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for range 2 {
		if _, err := m.Prompt(ctx, PromptRequest{}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
}

func TestWithRateLimit_PromptStream(t *testing.T) {
	stub := &stubModel{results: []stubResult{
		{updates: []ResponseUpdate{
			{MessageID: "m", Text: "hi"},
			{MessageID: "m", StopReason: StopReasonStop, Usage: &Usage{InputTokens: 60, OutputTokens: 40}},
		}},
		{updates: []ResponseUpdate{{MessageID: "n", Text: "again"}}},
	}}
	m, isStream := WithRateLimit(stubStreamingModel{stub}, TPM(100)).(StreamingModelClient)
	if !isStream {
		t.Fatal("streaming inner lost PromptStream")
	}

	text, err := streamText(m)
	if err != nil || text != "hi" {
		t.Fatalf("got %q, %v", text, err)
	}

	// The streamed usage drained the budget.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	var gotErr error
	for _, err := range m.PromptStream(ctx, PromptRequest{}) {
		gotErr = err
	}
	if gotErr == nil {
		t.Error("expected the second stream to be refused")
	}
}
