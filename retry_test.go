package confluence

import (
	"context"
	"errors"
	"iter"
	"sync"
	"testing"
	"time"
)

// stubModel is a test ModelClient that returns pre-configured results in
// order. Prompt and PromptStream share the same result queue.
type stubModel struct {
	mu      sync.Mutex
	calls   int
	results []stubResult
}

type stubResult struct {
	resps   []AgentResponse
	updates []ResponseUpdate // streamed before err in PromptStream
	err     error
}

func (s *stubModel) Name() string { return "stub" }

func (s *stubModel) next() stubResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i < len(s.results) {
		return s.results[i]
	}
	return stubResult{}
}

func (s *stubModel) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *stubModel) Prompt(_ context.Context, _ PromptRequest) ([]AgentResponse, error) {
	r := s.next()
	return r.resps, r.err
}

// stubStreamingModel adds PromptStream over the same queue.
type stubStreamingModel struct{ *stubModel }

func (s stubStreamingModel) PromptStream(_ context.Context, _ PromptRequest) iter.Seq2[ResponseUpdate, error] {
	return func(yield func(ResponseUpdate, error) bool) {
		r := s.next()
		for _, u := range r.updates {
			if !yield(u, nil) {
				return
			}
		}
		if r.err != nil {
			yield(ResponseUpdate{}, r.err)
		}
	}
}

var (
	_ ModelClient          = (*stubModel)(nil)
	_ StreamingModelClient = stubStreamingModel{}
)

func answer(text string) stubResult {
	return stubResult{resps: []AgentResponse{replyText(text)}}
}

func streamText(m StreamingModelClient) (string, error) {
	var text string
	for u, err := range m.PromptStream(context.Background(), PromptRequest{}) {
		if err != nil {
			return text, err
		}
		text += u.Text
	}
	return text, nil
}

// --- Prompt tests ---

func TestWithRetry_Prompt_SucceedsFirstAttempt(t *testing.T) {
	stub := &stubModel{results: []stubResult{answer("hello")}}
	m := WithRetry(stub, RetryBaseDelay(0))

	resps, err := m.Prompt(context.Background(), PromptRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if TextOf(resps) != "hello" {
		t.Errorf("got %q, want %q", TextOf(resps), "hello")
	}
	if stub.callCount() != 1 {
		t.Errorf("got %d calls, want 1", stub.callCount())
	}
}

func TestWithRetry_Prompt_RetriesTransient(t *testing.T) {
	for _, status := range []int{429, 503} {
		stub := &stubModel{results: []stubResult{
			{err: &ErrHTTP{Status: status, Body: "busy"}},
			answer("hello"),
		}}
		m := WithRetry(stub, RetryBaseDelay(0))

		resps, err := m.Prompt(context.Background(), PromptRequest{})
		if err != nil {
			t.Fatalf("status %d: unexpected error: %v", status, err)
		}
		if TextOf(resps) != "hello" {
			t.Errorf("status %d: got %q", status, TextOf(resps))
		}
		if stub.callCount() != 2 {
			t.Errorf("status %d: got %d calls, want 2", status, stub.callCount())
		}
	}
}

func TestWithRetry_Prompt_DoesNotRetryNonTransient(t *testing.T) {
	stub := &stubModel{results: []stubResult{
		{err: &ErrHTTP{Status: 400, Body: "bad request"}},
		answer("never"),
	}}
	m := WithRetry(stub, RetryBaseDelay(0))

	_, err := m.Prompt(context.Background(), PromptRequest{})
	var httpErr *ErrHTTP
	if !errors.As(err, &httpErr) || httpErr.Status != 400 {
		t.Fatalf("err = %v, want http 400", err)
	}
	if stub.callCount() != 1 {
		t.Errorf("got %d calls, want 1", stub.callCount())
	}
}

func TestWithRetry_Prompt_ExhaustsMaxAttempts(t *testing.T) {
	stub := &stubModel{results: []stubResult{
		{err: &ErrHTTP{Status: 503}},
		{err: &ErrHTTP{Status: 503}},
		{err: &ErrHTTP{Status: 503}},
		answer("late"),
	}}
	m := WithRetry(stub, RetryBaseDelay(0), RetryMaxAttempts(3))

	if _, err := m.Prompt(context.Background(), PromptRequest{}); err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if stub.callCount() != 3 {
		t.Errorf("got %d calls, want 3", stub.callCount())
	}
}

func TestWithRetry_Prompt_RespectsRetryAfter(t *testing.T) {
	stub := &stubModel{results: []stubResult{
		{err: &ErrHTTP{Status: 429, RetryAfter: 100 * time.Millisecond}},
		answer("ok"),
	}}
	m := WithRetry(stub, RetryBaseDelay(0))

	start := time.Now()
	if _, err := m.Prompt(context.Background(), PromptRequest{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Errorf("retry was too fast: %v, expected at least ~100ms from Retry-After", elapsed)
	}
}

func TestWithRetry_Prompt_TimeoutExceeded(t *testing.T) {
	stub := &stubModel{results: []stubResult{
		{err: &ErrHTTP{Status: 429, RetryAfter: 100 * time.Millisecond}},
		{err: &ErrHTTP{Status: 429, RetryAfter: 100 * time.Millisecond}},
		answer("ok"),
	}}
	m := WithRetry(stub, RetryBaseDelay(0), RetryTimeout(50*time.Millisecond))

	_, err := m.Prompt(context.Background(), PromptRequest{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if stub.callCount() != 1 {
		t.Errorf("got %d calls, want 1", stub.callCount())
	}
}

// --- PromptStream tests ---

func TestWithRetry_StreamsOnlyWhenInnerStreams(t *testing.T) {
	if _, ok := WithRetry(&stubModel{}).(StreamingModelClient); ok {
		t.Error("non-streaming inner wrapped as streaming")
	}
	if _, ok := WithRetry(stubStreamingModel{&stubModel{}}).(StreamingModelClient); !ok {
		t.Error("streaming inner lost PromptStream")
	}
}

func TestWithRetry_PromptStream_RetriesBeforeFirstUpdate(t *testing.T) {
	stub := &stubModel{results: []stubResult{
		{err: &ErrHTTP{Status: 503}},
		{updates: []ResponseUpdate{{MessageID: "m", Text: "hel"}, {MessageID: "m", Text: "lo"}}},
	}}
	m := WithRetry(stubStreamingModel{stub}, RetryBaseDelay(0)).(StreamingModelClient)

	text, err := streamText(m)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "hello" {
		t.Errorf("got %q, want %q", text, "hello")
	}
	if stub.callCount() != 2 {
		t.Errorf("got %d calls, want 2", stub.callCount())
	}
}

func TestWithRetry_PromptStream_NoRetryAfterUpdateSent(t *testing.T) {
	stub := &stubModel{results: []stubResult{
		{updates: []ResponseUpdate{{MessageID: "m", Text: "partial"}}, err: &ErrHTTP{Status: 503}},
		{updates: []ResponseUpdate{{MessageID: "m", Text: "again"}}},
	}}
	m := WithRetry(stubStreamingModel{stub}, RetryBaseDelay(0)).(StreamingModelClient)

	text, err := streamText(m)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if text != "partial" {
		t.Errorf("got %q, want %q", text, "partial")
	}
	if stub.callCount() != 1 {
		t.Errorf("got %d calls, want 1 (no retry after updates sent)", stub.callCount())
	}
}

func TestRetryDelay(t *testing.T) {
	if d := retryDelay(0, 0, &ErrHTTP{Status: 429, RetryAfter: time.Second}); d != time.Second {
		t.Errorf("Retry-After not honoured: %v", d)
	}
	for i := range 4 {
		base := 10 * time.Millisecond
		d := retryBackoff(base, i)
		lo := base * (1 << i)
		if d < lo || d > lo+lo/2 {
			t.Errorf("attempt %d: backoff %v outside [%v, %v]", i, d, lo, lo+lo/2)
		}
	}
}
